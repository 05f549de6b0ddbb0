// Package capture turns rendered frames into encoded JPEG payloads at a
// target rate, using an asynchronous GPU readback so the control loop never
// waits on the device.
package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/stylestream/internal/codec"
	"github.com/eleven-am/stylestream/internal/gpu"
	"github.com/eleven-am/stylestream/internal/metrics"
	"github.com/eleven-am/stylestream/internal/shared"
	"github.com/google/uuid"
)

const (
	DefaultWidth     = 1280
	DefaultHeight    = 720
	DefaultTargetFPS = 30

	readbackName    = "StyleReadback"
	autoSurfaceName = "AutoCapture"
)

// Sink receives encoded frames. transport.Transport satisfies it.
type Sink interface {
	SendBinary(data []byte, isFinal bool) error
	IsConnected() bool
}

type Config struct {
	Width                  int
	Height                 int
	JPEGQuality            int
	TargetFPS              float64
	CaptureFromPrimaryView bool
	Device                 *gpu.Device
	Scene                  gpu.Scene
	Logger                 *slog.Logger
	Metrics                *metrics.Metrics
}

// PendingReadback describes the single capture currently in flight.
type PendingReadback struct {
	ID       string
	Width    int
	Height   int
	IssuedAt time.Time
}

// staging is the host-side buffer the GPU context copies into. Every access
// to pixels, done and ok takes mu.
type staging struct {
	mu     sync.Mutex
	pixels []byte
	done   bool
	ok     bool
}

type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	device  *gpu.Device

	target    *gpu.RenderTarget
	auto      *gpu.SceneCapture
	surface   *gpu.SceneCapture
	view      gpu.ViewSource
	setupDone bool

	readback   *gpu.Readback
	pending    *PendingReadback
	copyIssued bool
	staged     *staging
	spare      []byte

	sink       Sink
	frameTimer time.Duration
	framesSent uint64
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = codec.DefaultQuality
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = DefaultTargetFPS
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Device == nil {
		cfg.Device = gpu.NewDevice(cfg.Logger, 0)
	}

	return &Pipeline{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "capture"),
		metrics: cfg.Metrics,
		device:  cfg.Device,
		staged:  &staging{},
	}
}

func (p *Pipeline) Interval() time.Duration {
	return time.Duration(float64(time.Second) / p.cfg.TargetFPS)
}

func (p *Pipeline) SetTargetFPS(fps float64) {
	if fps > 0 {
		p.cfg.TargetFPS = fps
	}
}

func (p *Pipeline) SetQuality(quality int) {
	if quality > 0 && quality <= 100 {
		p.cfg.JPEGQuality = quality
	}
}

// SetCaptureSurface assigns the surface used when not capturing from the
// primary view. Its owner is responsible for rendering into it.
func (p *Pipeline) SetCaptureSurface(surface *gpu.SceneCapture) {
	p.surface = surface
	if p.setupDone && surface != nil && !p.cfg.CaptureFromPrimaryView {
		surface.SetTarget(p.target)
	}
}

func (p *Pipeline) SetViewSource(view gpu.ViewSource) {
	p.view = view
}

func (p *Pipeline) Attach(sink Sink) {
	p.sink = sink
}

func (p *Pipeline) Detach() {
	p.sink = nil
}

// Setup allocates the render target and binds a capture surface to it. It
// runs once; later calls are no-ops.
func (p *Pipeline) Setup() {
	if p.setupDone {
		return
	}

	p.target = gpu.NewRenderTarget(p.cfg.Width, p.cfg.Height)

	if p.cfg.CaptureFromPrimaryView {
		p.auto = gpu.NewSceneCapture(autoSurfaceName, p.device, p.cfg.Scene)
		p.auto.SetTarget(p.target)
		p.logger.Info("created auto scene capture for primary view")
	} else if p.surface != nil {
		p.surface.SetTarget(p.target)
	}

	p.setupDone = true
	p.logger.Info("capture setup complete", "width", p.cfg.Width, "height", p.cfg.Height)
}

func (p *Pipeline) SetupDone() bool {
	return p.setupDone
}

func (p *Pipeline) Target() *gpu.RenderTarget {
	return p.target
}

func (p *Pipeline) AutoSurface() *gpu.SceneCapture {
	return p.auto
}

func (p *Pipeline) Pending() *PendingReadback {
	return p.pending
}

func (p *Pipeline) FramesSent() uint64 {
	return p.framesSent
}

func (p *Pipeline) ResetCounters() {
	p.framesSent = 0
}

// Tick advances the frame clock. active reports whether the session is
// streaming and Ready; when it is not, nothing is processed or captured.
func (p *Pipeline) Tick(dt time.Duration, active bool) {
	if !active {
		return
	}

	p.ProcessAsyncReadback()

	p.frameTimer += dt
	interval := p.Interval()
	if p.frameTimer >= interval {
		p.frameTimer -= interval
		p.CaptureAndSend(active)
	}
}

// CaptureAndSend issues an asynchronous readback of the render target. It
// is a no-op while another readback is pending.
func (p *Pipeline) CaptureAndSend(active bool) bool {
	if !active {
		p.metrics.CaptureSkipped(metrics.SkipNotReady)
		return false
	}
	if p.sink == nil || !p.sink.IsConnected() {
		p.metrics.CaptureSkipped(metrics.SkipNotReady)
		return false
	}
	if p.target == nil {
		p.metrics.CaptureSkipped(metrics.SkipNoTarget)
		return false
	}
	if p.pending != nil {
		p.metrics.CaptureSkipped(metrics.SkipReadbackPending)
		return false
	}

	if p.cfg.CaptureFromPrimaryView && p.auto != nil {
		p.syncWithPrimaryView()
		p.auto.CaptureScene()
	}

	if p.readback == nil {
		p.readback = gpu.NewReadback(readbackName)
	}

	rb, target := p.readback, p.target
	width, height := p.cfg.Width, p.cfg.Height
	p.device.Enqueue(func() {
		rb.EnqueueCopy(target, width, height)
	})

	p.pending = &PendingReadback{
		ID:       uuid.NewString(),
		Width:    width,
		Height:   height,
		IssuedAt: time.Now(),
	}
	p.copyIssued = false
	p.logger.Debug("readback issued", "request_id", p.pending.ID)
	return true
}

func (p *Pipeline) syncWithPrimaryView() {
	if p.view == nil {
		return
	}
	vp, ok := p.view.PrimaryViewpoint()
	if !ok {
		return
	}
	p.auto.SetViewpoint(vp)
}

// ProcessAsyncReadback never blocks. Once the readback completes it asks the
// GPU context to copy the pixels out; on a later call the copied frame is
// encoded and sent.
func (p *Pipeline) ProcessAsyncReadback() {
	if p.pending == nil {
		return
	}

	if pixels, ok, done := p.takeStaged(); done {
		pending := p.pending
		p.pending = nil
		p.copyIssued = false
		if ok {
			p.encodeAndSend(pending, pixels)
		}
		p.spare = pixels
		return
	}

	if p.copyIssued || p.readback == nil || !p.readback.IsReady() {
		return
	}

	rb, st := p.readback, p.staged
	width, height := p.pending.Width, p.pending.Height
	p.device.Enqueue(func() {
		copyReadback(rb, st, width, height)
	})
	p.copyIssued = true
}

// takeStaged swaps the staged pixels out under the lock so encoding happens
// without holding it.
func (p *Pipeline) takeStaged() ([]byte, bool, bool) {
	st := p.staged
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.done {
		return nil, false, false
	}
	pixels, ok := st.pixels, st.ok
	st.pixels = p.spare
	st.done = false
	st.ok = false
	p.spare = nil
	return pixels, ok, true
}

// copyReadback runs on the GPU context. It strips the row padding while
// copying into the staging buffer.
func copyReadback(rb *gpu.Readback, st *staging, width, height int) {
	src, pitch := rb.Lock()
	defer rb.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.done = true
	if src == nil || pitch <= 0 {
		st.ok = false
		return
	}

	rowBytes := width * codec.BytesPerPixel
	size := rowBytes * height
	if cap(st.pixels) < size {
		st.pixels = make([]byte, size)
	}
	st.pixels = st.pixels[:size]
	for row := 0; row < height; row++ {
		srcOff := row * pitch * codec.BytesPerPixel
		copy(st.pixels[row*rowBytes:(row+1)*rowBytes], src[srcOff:srcOff+rowBytes])
	}
	st.ok = true
}

func (p *Pipeline) encodeAndSend(pending *PendingReadback, pixels []byte) {
	if p.sink == nil || !p.sink.IsConnected() {
		p.metrics.OutboundDropped(metrics.ReasonSendFailed)
		return
	}

	buf := &codec.PixelBuffer{Width: pending.Width, Height: pending.Height, Pix: pixels}
	data, err := codec.Encode(buf, codec.FormatJPEG, p.cfg.JPEGQuality)
	if err != nil {
		p.logger.Warn("failed to encode frame", "request_id", pending.ID, "error", err)
		p.metrics.OutboundDropped(metrics.ReasonEncodeFailed)
		return
	}

	if err := p.sink.SendBinary(data, true); err != nil {
		p.logger.Warn("failed to send frame", "request_id", pending.ID, "error", err)
		p.metrics.OutboundDropped(metrics.ReasonSendFailed)
		return
	}

	p.framesSent++
	p.metrics.FrameSent()
	if shared.ShouldLogFrame(p.framesSent) {
		p.logger.Info("sent frame",
			"frame", p.framesSent,
			"bytes", len(data),
			"latency_ms", time.Since(pending.IssuedAt).Milliseconds())
	}
}

// Cancel drains the GPU queue before releasing the readback so no queued
// command can touch it afterwards. Only call it at teardown.
func (p *Pipeline) Cancel() {
	if p.readback != nil {
		p.device.Flush()
		p.readback.Release()
		p.readback = nil
	}

	p.pending = nil
	p.copyIssued = false

	p.staged.mu.Lock()
	p.staged.done = false
	p.staged.ok = false
	p.staged.mu.Unlock()
}
