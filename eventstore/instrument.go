package eventstore

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/mcp-examples/calculator-go/internal/metrics"
)

type instrumented struct {
	Store
	backend string
	log     *slog.Logger
}

// Instrument wraps s so that appends and replays are counted in the process
// metrics under the given backend label and failures are logged.
func Instrument(s Store, backend string, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	return &instrumented{Store: s, backend: backend, log: log}
}

func (s *instrumented) Append(ctx context.Context, streamID string, payload []byte) (int64, error) {
	id, err := s.Store.Append(ctx, streamID, payload)
	metrics.ObserveAppend(s.backend, err)
	if err != nil {
		s.log.ErrorContext(ctx, "eventstore.append.fail", slog.String("backend", s.backend), slog.String("stream_id", streamID), slog.String("err", err.Error()))
	}
	return id, err
}

func (s *instrumented) Replay(ctx context.Context, streamID string, after int64) iter.Seq2[Event, error] {
	inner := s.Store.Replay(ctx, streamID, after)
	return func(yield func(Event, error) bool) {
		n := 0
		defer func() { metrics.ObserveReplay(s.backend, n) }()
		for ev, err := range inner {
			if err != nil {
				s.log.ErrorContext(ctx, "eventstore.replay.fail", slog.String("backend", s.backend), slog.String("stream_id", streamID), slog.String("err", err.Error()))
			} else {
				n++
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Sweep forwards to the wrapped store when it supports sweeping.
func (s *instrumented) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	sw, ok := s.Store.(Sweeper)
	if !ok {
		return 0, nil
	}
	return sw.Sweep(ctx, cutoff)
}

// RunRetention periodically sweeps s until ctx is done. It returns
// immediately when retention is disabled or s cannot sweep.
func RunRetention(ctx context.Context, s Store, retention, interval time.Duration, log *slog.Logger) {
	sw, ok := s.(Sweeper)
	if !ok || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sw.Sweep(ctx, now.Add(-retention))
			if err != nil {
				log.ErrorContext(ctx, "eventstore.sweep.fail", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				log.InfoContext(ctx, "eventstore.sweep.ok", slog.Int("events", n))
			}
		}
	}
}
