// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"net/http"
	"time"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	q *jobqueue.Queue
}

// New initializes a new Server.
func New(q *jobqueue.Queue) *Server {
	return &Server{
		q: q,
	}
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	r := http.DefaultServeMux
	r.Handle("/ws", wsserver{q: srv.q})
	r.Handle("/", http.FileServer(http.Dir("public")))
	StateUpdates = make(chan *State)
	defer close(StateUpdates)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher(ctx, srv.q)
	go h.run(ctx) // run websocket hub
	return http.ListenAndServe(addr, r)
}

// maxRecentResults bounds the result history pushed to clients.
const maxRecentResults = 10

// State is the current state of the job queue.
type State struct {
	Type   string             `json:"type"`
	Stats  jobqueue.Stats     `json:"stats"`
	Pool   jobqueue.PoolStats `json:"pool"`
	Recent []*jobqueue.Result `json:"recent,omitempty"`
}

var StateUpdates chan *State

// watcher pushes a snapshot of the queue once a second. Between
// snapshots it collects finished jobs from a queue subscription and
// keeps the most recent ones.
func watcher(ctx context.Context, q *jobqueue.Queue) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	sub := q.Subscribe()
	defer sub.Close()

	var recent []*jobqueue.Result
	for {
		select {
		case result, ok := <-sub.C():
			if !ok {
				return
			}
			recent = append(recent, result)
			if len(recent) > maxRecentResults {
				recent = recent[len(recent)-maxRecentResults:]
			}
		case <-t.C:
			newState := &State{
				Type:   "SET_STATE",
				Stats:  q.Stats(),
				Pool:   q.PoolStats(),
				Recent: recent,
			}
			select {
			case StateUpdates <- newState:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
