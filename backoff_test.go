// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	// The delay doubles per attempt and is jittered into the upper half
	// of the interval, so we check bounds rather than exact values.
	tests := []struct {
		Attempt int
		Min     time.Duration
		Max     time.Duration
	}{
		{0, 50 * time.Millisecond, 100 * time.Millisecond},
		{1, 100 * time.Millisecond, 200 * time.Millisecond},
		{2, 200 * time.Millisecond, 400 * time.Millisecond},
		{3, 400 * time.Millisecond, 800 * time.Millisecond},
		{9, 25600 * time.Millisecond, 51200 * time.Millisecond},
		{10, 30 * time.Second, 1 * time.Minute}, // capped
		{20, 30 * time.Second, 1 * time.Minute}, // capped
	}

	for _, test := range tests {
		for i := 0; i < 25; i++ {
			have := exponentialBackoff(test.Attempt)
			if have < test.Min || have > test.Max {
				t.Fatalf("attempt %d: have %v, want between %v and %v",
					test.Attempt, have, test.Min, test.Max)
			}
		}
	}
}
