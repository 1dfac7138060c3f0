package server

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// journal copies events from an EventLog into a logger. Lifecycle events are
// written at info level, request events at debug.
type journal struct {
	events *EventLog
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	last   uint64 // owned by the journal goroutine until done is closed
}

// startJournal subscribes to events published after seq from.
func startJournal(events *EventLog, logger *zap.Logger, from uint64) *journal {
	ctx, cancel := context.WithCancel(context.Background())
	j := &journal{
		events: events,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
		last:   from,
	}
	ch := events.Subscribe(ctx, from, nil)
	go func() {
		defer close(j.done)
		for e := range ch {
			j.write(e)
		}
	}()
	return j
}

// close ends the subscription and writes anything still retained that the
// subscription had not delivered.
func (j *journal) close() {
	j.cancel()
	<-j.done
	for _, e := range j.events.Since(j.last) {
		j.log(e)
		j.last = e.Seq
	}
}

func (j *journal) write(e Event) {
	if e.Seq <= j.last {
		return
	}
	if e.Seq > j.last+1 {
		// The subscription dropped events while we were behind.
		for _, missed := range j.events.Since(j.last) {
			if missed.Seq >= e.Seq {
				break
			}
			j.log(missed)
		}
	}
	j.log(e)
	j.last = e.Seq
}

func (j *journal) log(e Event) {
	level := zapcore.InfoLevel
	if e.Type == EventRequestServed || e.Type == EventRequestFailed {
		level = zapcore.DebugLevel
	}
	ce := j.logger.Check(level, string(e.Type))
	if ce == nil {
		return
	}

	fields := []zap.Field{zap.Uint64("seq", e.Seq)}
	if e.Addr != "" {
		fields = append(fields, zap.String("addr", e.Addr))
	}
	if e.PID != 0 {
		fields = append(fields, zap.Int("pid", e.PID))
	}
	if e.Signal != "" {
		fields = append(fields, zap.String("signal", e.Signal))
	}
	if e.Method != "" {
		fields = append(fields, zap.String("method", e.Method), zap.String("path", e.Path), zap.Int("status", e.Status))
	}
	if e.Type == EventDaemonStarted || e.Type == EventEndpointsListed {
		fields = append(fields, zap.Int("endpoints", e.Count))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	ce.Write(fields...)
}
