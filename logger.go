// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import "log"

// Logger is the logging interface shared by the queue, the worker pool
// and the persistence manager. Implement it to route their output into
// your own logging setup.
type Logger interface {
	Printf(format string, v ...interface{})
}

// stdLogger is the default Logger. It forwards to the standard log
// package.
type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// nopLogger discards all output. Passing a nil logger to SetLogger or
// SetPersistenceLogger installs it.
type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}
