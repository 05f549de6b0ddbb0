// Package runner hosts the session controller on a single goroutine and
// lets other goroutines submit work to it.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/stylestream/internal/codec"
	"github.com/eleven-am/stylestream/internal/framestore"
	"github.com/eleven-am/stylestream/internal/inbound"
	"github.com/eleven-am/stylestream/internal/session"
	"github.com/eleven-am/stylestream/internal/shared"
)

const DefaultTickRate = 60

type Config struct {
	TickRate int
}

// LatestFrame is the most recent stylized frame in its compressed form.
type LatestFrame struct {
	Sequence   uint64
	Format     codec.Format
	Data       []byte
	Width      int
	Height     int
	ReceivedAt time.Time
}

type command struct {
	fn   func(*session.Controller) error
	done chan error
}

// Runner is the control context. The controller is only touched from the
// loop goroutine; readers get copies through Status and Latest.
type Runner struct {
	ctrl     *session.Controller
	recorder *framestore.Recorder
	logger   *slog.Logger
	interval time.Duration

	commands chan command
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	started  bool

	mu     sync.RWMutex
	status session.Status
	latest *LatestFrame

	recording string
}

func New(cfg Config, ctrl *session.Controller, recorder *framestore.Recorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}

	r := &Runner{
		ctrl:     ctrl,
		recorder: recorder,
		logger:   logger.With("component", "runner"),
		interval: time.Second / time.Duration(cfg.TickRate),
		commands: make(chan command),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	ctrl.FrameReceived.Subscribe(r.onFrame)
	ctrl.Connected.Subscribe(r.onConnected)
	ctrl.StateChanged.Subscribe(r.onStateChanged)
	ctrl.Error.Subscribe(func(msg string) {
		r.logger.Error("session error", "error", msg)
	})

	r.status = ctrl.Snapshot()
	return r
}

func (r *Runner) Interval() time.Duration {
	return r.interval
}

func (r *Runner) Start(ctx context.Context) {
	r.started = true
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.stopped)
	defer r.shutdown()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	last := time.Now()
	r.logger.Info("control loop started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case cmd := <-r.commands:
			cmd.done <- cmd.fn(r.ctrl)
			r.publish()
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			r.ctrl.Tick(dt)
			r.publish()
		}
	}
}

func (r *Runner) shutdown() {
	r.ctrl.Disconnect()
	r.publish()
	r.logger.Info("control loop stopped")
}

// Stop ends the loop and disconnects the session. It waits for the loop to
// exit or ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	if !r.started {
		return nil
	}
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the control loop and returns its error.
func (r *Runner) Do(ctx context.Context, fn func(*session.Controller) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case r.commands <- cmd:
	case <-r.stopped:
		return shared.ErrClosed
	case <-r.stop:
		return shared.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) Status() session.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Latest returns the most recent stylized frame or nil.
func (r *Runner) Latest() *LatestFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

func (r *Runner) publish() {
	status := r.ctrl.Snapshot()
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func (r *Runner) onFrame(frame inbound.Frame) {
	latest := &LatestFrame{
		Sequence:   frame.Sequence,
		Format:     frame.Format,
		Data:       frame.Data,
		ReceivedAt: time.Now(),
	}
	if frame.Pixels != nil {
		latest.Width = frame.Pixels.Width
		latest.Height = frame.Pixels.Height
	}

	r.mu.Lock()
	r.latest = latest
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.RecordFrame(r.ctrl.SessionID(), frame.Data)
	}
}

func (r *Runner) onConnected(sessionID string) {
	if r.recorder == nil {
		return
	}
	r.recording = sessionID
	status := r.ctrl.Snapshot()
	r.recorder.SessionStarted(framestore.SessionRecord{
		ID:        sessionID,
		ServerURL: status.ServerURL,
		Prompt:    status.Prompt,
	})
}

func (r *Runner) onStateChanged(state session.State) {
	if r.recorder == nil || r.recording == "" {
		return
	}
	if state != session.StateDisconnected && state != session.StateError {
		return
	}

	status := framestore.StatusEnded
	if state == session.StateError {
		status = framestore.StatusError
	}
	snap := r.ctrl.Snapshot()
	r.recorder.SessionEnded(r.recording, status, snap.FramesSent, snap.FramesReceived)
	r.recording = ""
}
