// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"math/rand"
	"time"
)

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option in the queue. The BackoffFunc is used
// to vary the timespan between retries of failed jobs. The attempt
// passed in is the number of executions that have already failed,
// starting at 0 for the first retry.
type BackoffFunc func(attempt int) time.Duration

const (
	defaultBackoffBase = 100 * time.Millisecond
	defaultBackoffMax  = 1 * time.Minute
)

// exponentialBackoff is the default backoff function. The delay doubles
// with every failed attempt and is capped at defaultBackoffMax. The
// upper half of the delay is randomized to spread out retry bursts.
func exponentialBackoff(attempt int) time.Duration {
	d := defaultBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= defaultBackoffMax {
			d = defaultBackoffMax
			break
		}
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half+1))
}
