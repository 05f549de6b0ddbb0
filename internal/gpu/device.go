// Package gpu is a software stand-in for the host's GPU command context.
//
// Commands are enqueued from the control goroutine and executed in order on
// the device goroutine. A device that was never started runs nothing until
// RunPending or Flush is called, which makes command ordering deterministic.
package gpu

import (
	"context"
	"log/slog"
	"sync"
)

const defaultQueueSize = 256

type Device struct {
	logger *slog.Logger
	queue  chan func()

	mu      sync.Mutex
	pending []func()
	started bool
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDevice(logger *slog.Logger, queueSize int) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Device{
		logger: logger.With("component", "gpu"),
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
	}
}

// Start runs queued commands on a dedicated goroutine until ctx is done or
// Close is called.
func (d *Device) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	backlog := d.pending
	d.pending = nil
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx, backlog)
}

func (d *Device) run(ctx context.Context, backlog []func()) {
	defer d.wg.Done()
	for _, cmd := range backlog {
		d.exec(cmd)
	}
	for {
		select {
		case <-ctx.Done():
			d.markClosed()
			return
		case <-d.done:
			return
		case cmd := <-d.queue:
			d.exec(cmd)
		}
	}
}

func (d *Device) exec(cmd func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("gpu command panicked", "panic", r)
		}
	}()
	cmd()
}

// Enqueue schedules cmd on the GPU context. It never waits for execution.
func (d *Device) Enqueue(cmd func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if !d.started {
		d.pending = append(d.pending, cmd)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	select {
	case d.queue <- cmd:
	case <-d.done:
	}
}

// RunPending executes commands queued on a device that has not been started.
func (d *Device) RunPending() int {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return 0
	}
	cmds := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, cmd := range cmds {
		d.exec(cmd)
	}
	return len(cmds)
}

// Flush blocks until every command enqueued before the call has executed.
// It is a teardown-only synchronization point.
func (d *Device) Flush() {
	d.mu.Lock()
	started, closed := d.started, d.closed
	d.mu.Unlock()

	if closed {
		return
	}
	if !started {
		for d.RunPending() > 0 {
		}
		return
	}

	fence := make(chan struct{})
	select {
	case d.queue <- func() { close(fence) }:
	case <-d.done:
		return
	}
	select {
	case <-fence:
	case <-d.done:
	}
}

func (d *Device) Close() {
	d.markClosed()
	d.wg.Wait()
}

func (d *Device) markClosed() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.pending = nil
		d.mu.Unlock()
		close(d.done)
	})
}
