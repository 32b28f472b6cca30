// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import "sync"

const defaultSubscriptionBuffer = 256

// Subscription receives the results of jobs as they reach a terminal
// status. Use C to read from it and Close to unsubscribe.
type Subscription struct {
	c      chan *Result
	once   sync.Once
	unsubs func(*Subscription)
}

// C returns the channel the results are delivered on. The channel is
// closed when the subscription is closed or the queue shuts down.
func (s *Subscription) C() <-chan *Result {
	return s.c
}

// Close unsubscribes and closes the channel returned by C. It is safe
// to call Close more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.unsubs(s)
	})
}

// broadcaster fans results out to all subscriptions. Delivery is
// non-blocking: results for subscribers whose buffer is full are
// dropped, so a slow consumer never stalls the queue.
type broadcaster struct {
	logger Logger

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped int64
}

func newBroadcaster(logger Logger) *broadcaster {
	return &broadcaster{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

func (b *broadcaster) subscribe() *Subscription {
	sub := &Subscription{
		c:      make(chan *Result, defaultSubscriptionBuffer),
		unsubs: b.unsubscribe,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.c)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.subs[sub]; found {
		delete(b.subs, sub)
		close(sub.c)
	}
}

func (b *broadcaster) publish(result *Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.c <- result:
		default:
			b.dropped++
			b.logger.Printf("jobqueue: dropping result of job %s for a slow subscriber", result.JobID)
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.c)
	}
}
