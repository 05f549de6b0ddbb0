package framestore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRecorderQueue = 32
	writeTimeout         = 500 * time.Millisecond
)

// Recorder persists frames and session summaries on its own goroutine.
// Every Record call returns immediately; work is dropped when the queue is
// full. Frames are only stored while the recorder is enabled, which tracks
// the user's consent to store captures online.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	enabled atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64

	jobs      chan func(ctx context.Context) error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewRecorder(store *Store, logger *slog.Logger, queueSize int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}
	return &Recorder{
		store:  store,
		logger: logger.With("component", "frame-recorder"),
		jobs:   make(chan func(ctx context.Context) error, queueSize),
		done:   make(chan struct{}),
	}
}

func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			r.drain(ctx)
			return
		case job := <-r.jobs:
			r.exec(ctx, job)
		}
	}
}

// drain runs whatever was queued before Close.
func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case job := <-r.jobs:
			r.exec(ctx, job)
		default:
			return
		}
	}
}

func (r *Recorder) exec(ctx context.Context, job func(ctx context.Context) error) {
	jobCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := job(jobCtx); err != nil {
		r.logger.Error("store failed", "error", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) SetEnabled(enabled bool) {
	if r.enabled.Swap(enabled) != enabled {
		r.logger.Info("frame recording toggled", "enabled", enabled)
	}
}

func (r *Recorder) Enabled() bool {
	return r.enabled.Load()
}

func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// RecordFrame copies nothing; data must not be modified after the call.
func (r *Recorder) RecordFrame(sessionID string, data []byte) bool {
	if !r.Enabled() || sessionID == "" || len(data) == 0 {
		return false
	}
	frame := &Frame{
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	return r.enqueue(func(ctx context.Context) error {
		return r.store.StoreFrame(ctx, frame)
	})
}

func (r *Recorder) SessionStarted(rec SessionRecord) bool {
	return r.enqueue(func(ctx context.Context) error {
		return r.store.CreateSession(ctx, &rec)
	})
}

func (r *Recorder) SessionEnded(id string, status Status, framesSent, framesReceived uint64) bool {
	if id == "" {
		return false
	}
	return r.enqueue(func(ctx context.Context) error {
		return r.store.EndSession(ctx, id, status, framesSent, framesReceived)
	})
}

func (r *Recorder) enqueue(job func(ctx context.Context) error) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.jobs <- job:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Debug("recorder queue full, dropping")
		return false
	}
}

func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
