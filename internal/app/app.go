// Package app wires the runtime fabric into the five supervised
// services: planner, memory, toolbox, scheduler, and model. Each service
// owns one ServiceCore dispatch loop and exposes its operations as RPC
// methods; the gateway and in-process callers reach them through the
// supervisor.
package app

import (
	"log/slog"
)

// Option configures a service. Each service reads the fields it uses.
type Option func(*options)

type options struct {
	logger              *slog.Logger
	historyWindow       int
	recallLimit         int
	compactionWindow    int
	compactionThreshold int
	workerConcurrency   int
}

// WithLogger sets the structured logger for a service.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHistoryWindow sets how many recent messages the planner loads.
func WithHistoryWindow(n int) Option {
	return func(o *options) { o.historyWindow = n }
}

// WithRecallLimit caps semantic recall in the planner context.
func WithRecallLimit(n int) Option {
	return func(o *options) { o.recallLimit = n }
}

// WithCompactionWindow sets how many messages one compaction summarises.
func WithCompactionWindow(n int) Option {
	return func(o *options) { o.compactionWindow = n }
}

// WithCompactionThreshold sets the unsummarised-message trigger count.
func WithCompactionThreshold(n int) Option {
	return func(o *options) { o.compactionThreshold = n }
}

// WithWorkerConcurrency sets the toolbox worker pool size.
func WithWorkerConcurrency(n int) Option {
	return func(o *options) { o.workerConcurrency = n }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
