package gpu

import "sync"

const (
	bytesPerPixel  = 4
	pitchAlignment = 64
)

// RenderTarget is a BGRA surface whose rows may be padded to an aligned
// pitch, as GPU textures usually are.
type RenderTarget struct {
	Width  int
	Height int
	Pitch  int

	mu  sync.RWMutex
	pix []byte
}

func NewRenderTarget(width, height int) *RenderTarget {
	pitch := (width + pitchAlignment - 1) / pitchAlignment * pitchAlignment
	return &RenderTarget{
		Width:  width,
		Height: height,
		Pitch:  pitch,
		pix:    make([]byte, pitch*height*bytesPerPixel),
	}
}

// Draw gives exclusive access to the surface. Only GPU commands should draw.
func (t *RenderTarget) Draw(fn func(pix []byte, pitch int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.pix, t.Pitch)
}

func (t *RenderTarget) Read(fn func(pix []byte, pitch int)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.pix, t.Pitch)
}
