package gpu

import (
	"sync"
	"sync/atomic"
)

// Readback is an asynchronous texture-to-host copy. EnqueueCopy and Lock
// belong on the GPU context; IsReady is safe to poll from anywhere.
type Readback struct {
	Name string

	mu       sync.Mutex
	data     []byte
	pitch    int
	ready    atomic.Bool
	released atomic.Bool
}

func NewReadback(name string) *Readback {
	return &Readback{Name: name}
}

func (r *Readback) EnqueueCopy(src *RenderTarget, width, height int) {
	if r.released.Load() || src == nil {
		return
	}
	width = min(width, src.Width)
	height = min(height, src.Height)

	r.mu.Lock()
	defer r.mu.Unlock()

	src.Read(func(pix []byte, pitch int) {
		size := pitch * height * bytesPerPixel
		if cap(r.data) < size {
			r.data = make([]byte, size)
		}
		r.data = r.data[:size]
		copy(r.data, pix[:size])
		r.pitch = pitch
	})
	r.ready.Store(true)
}

func (r *Readback) IsReady() bool {
	return !r.released.Load() && r.ready.Load()
}

// Lock returns the staged pixels and their row pitch in pixels, or nil when
// nothing is staged. Every Lock must be paired with Unlock.
func (r *Readback) Lock() ([]byte, int) {
	r.mu.Lock()
	if r.released.Load() || !r.ready.Load() {
		return nil, 0
	}
	return r.data, r.pitch
}

// Unlock consumes the staged result.
func (r *Readback) Unlock() {
	r.ready.Store(false)
	r.mu.Unlock()
}

func (r *Readback) Release() {
	r.released.Store(true)
	r.mu.Lock()
	r.data = nil
	r.ready.Store(false)
	r.mu.Unlock()
}

func (r *Readback) Released() bool {
	return r.released.Load()
}
