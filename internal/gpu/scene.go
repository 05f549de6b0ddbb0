package gpu

import (
	"math"
	"sync"
	"time"
)

type Vec3 struct {
	X, Y, Z float64
}

type Rotator struct {
	Pitch, Yaw, Roll float64
}

// Viewpoint is a camera pose plus horizontal field of view in degrees.
type Viewpoint struct {
	Position Vec3
	Rotation Rotator
	FOV      float64
}

// ViewSource supplies the host's primary viewpoint, if there is one.
type ViewSource interface {
	PrimaryViewpoint() (Viewpoint, bool)
}

// Scene draws one frame into a padded BGRA surface.
type Scene interface {
	Render(pix []byte, pitch, width, height int, view Viewpoint, frame uint64)
}

// SceneCapture renders a scene into its target on demand.
type SceneCapture struct {
	Name string

	device *Device
	scene  Scene

	mu     sync.Mutex
	target *RenderTarget
	view   Viewpoint
	frames uint64
}

func NewSceneCapture(name string, device *Device, scene Scene) *SceneCapture {
	return &SceneCapture{
		Name:   name,
		device: device,
		scene:  scene,
		view:   Viewpoint{FOV: 90},
	}
}

func (c *SceneCapture) SetTarget(t *RenderTarget) {
	c.mu.Lock()
	c.target = t
	c.mu.Unlock()
}

func (c *SceneCapture) Target() *RenderTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *SceneCapture) SetViewpoint(v Viewpoint) {
	c.mu.Lock()
	c.view = v
	c.mu.Unlock()
}

func (c *SceneCapture) Viewpoint() Viewpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *SceneCapture) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// CaptureScene enqueues a render of the current viewpoint.
func (c *SceneCapture) CaptureScene() {
	c.mu.Lock()
	target, view, scene := c.target, c.view, c.scene
	c.frames++
	frame := c.frames
	c.mu.Unlock()

	if target == nil || scene == nil {
		return
	}
	c.device.Enqueue(func() {
		target.Draw(func(pix []byte, pitch int) {
			scene.Render(pix, pitch, target.Width, target.Height, view, frame)
		})
	})
}

// TestPattern is a moving gradient whose hue follows the camera yaw.
type TestPattern struct{}

func (TestPattern) Render(pix []byte, pitch, width, height int, view Viewpoint, frame uint64) {
	shift := int(frame*2) + int(view.Rotation.Yaw)
	for y := 0; y < height; y++ {
		row := y * pitch * bytesPerPixel
		for x := 0; x < width; x++ {
			i := row + x*bytesPerPixel
			pix[i+0] = byte((x + shift) * 255 / max(width, 1))
			pix[i+1] = byte(y * 255 / max(height, 1))
			pix[i+2] = byte((x + y + shift) & 0xFF)
			pix[i+3] = 0xFF
		}
	}
}

// OrbitView circles the origin at a fixed radius, one revolution per Period.
type OrbitView struct {
	Radius float64
	Height float64
	Period time.Duration
	FOV    float64
	Start  time.Time
	Now    func() time.Time
}

func (o *OrbitView) PrimaryViewpoint() (Viewpoint, bool) {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	period := o.Period
	if period <= 0 {
		period = 10 * time.Second
	}

	elapsed := now().Sub(o.Start)
	angle := 2 * math.Pi * float64(elapsed%period) / float64(period)
	yaw := angle*180/math.Pi + 180

	return Viewpoint{
		Position: Vec3{X: o.Radius * math.Cos(angle), Y: o.Radius * math.Sin(angle), Z: o.Height},
		Rotation: Rotator{Yaw: math.Mod(yaw, 360)},
		FOV:      o.FOV,
	}, true
}
