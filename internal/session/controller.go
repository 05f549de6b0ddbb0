package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/stylestream/internal/capture"
	"github.com/eleven-am/stylestream/internal/codec"
	"github.com/eleven-am/stylestream/internal/gpu"
	"github.com/eleven-am/stylestream/internal/inbound"
	"github.com/eleven-am/stylestream/internal/metrics"
	"github.com/eleven-am/stylestream/internal/protocol"
	"github.com/eleven-am/stylestream/internal/shared"
	"github.com/eleven-am/stylestream/internal/transport"
	"github.com/eleven-am/stylestream/internal/usage"
)

const (
	fpsWindow = time.Second

	noCredentialMessage = "No API key configured. Run stylestream-setup or PUT /credentials."
)

type Deps struct {
	Transport transport.Factory
	Device    *gpu.Device
	Scene     gpu.Scene
	Tracker   *usage.Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Controller owns the session state. Every method must be called from the
// same goroutine, the control loop; transport callbacks are queued and
// applied during Tick.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	newTransport transport.Factory
	tracker      *usage.Tracker
	pipeline     *capture.Pipeline
	assembler    *inbound.Assembler

	transport transport.Transport
	state     State
	sessionID string
	lastError string

	streaming       bool
	extracting      bool
	extractionOnly  bool
	usingImageStyle bool
	pendingStyle    *codec.PixelBuffer

	// prompt and enhance flag the server last received, in auth or update
	sentPrompt  string
	sentEnhance bool

	fpsTimer   time.Duration
	currentFPS float64

	Connected      shared.Signal[string]
	FrameReceived  shared.Signal[inbound.Frame]
	Error          shared.Signal[string]
	StyleExtracted shared.Signal[string]
	StateChanged   shared.Signal[State]
}

func NewController(cfg Config, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Transport == nil {
		deps.Transport = transport.NewFactory(transport.Config{}, deps.Logger)
	}
	if deps.Tracker == nil {
		deps.Tracker = usage.NewTracker(deps.Logger)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}

	c := &Controller{
		cfg:          cfg,
		logger:       deps.Logger.With("component", "session"),
		metrics:      deps.Metrics,
		newTransport: deps.Transport,
		tracker:      deps.Tracker,
		pipeline: capture.NewPipeline(capture.Config{
			Width:                  cfg.CaptureWidth,
			Height:                 cfg.CaptureHeight,
			JPEGQuality:            cfg.JPEGQuality,
			TargetFPS:              cfg.TargetFPS,
			CaptureFromPrimaryView: cfg.CaptureFromPrimaryView,
			Device:                 deps.Device,
			Scene:                  deps.Scene,
			Logger:                 deps.Logger,
			Metrics:                deps.Metrics,
		}),
		assembler: inbound.NewAssembler(deps.Logger, deps.Metrics),
	}

	c.assembler.FrameReceived.Subscribe(c.FrameReceived.Emit)
	c.tracker.LimitReached.Subscribe(func(info usage.Info) {
		c.logger.Warn("usage limit reached", "used", info.FormattedUsed(), "limit", info.FormattedLimit())
	})
	return c
}

func (c *Controller) Tracker() *usage.Tracker {
	return c.tracker
}

func (c *Controller) Pipeline() *capture.Pipeline {
	return c.pipeline
}

func (c *Controller) Assembler() *inbound.Assembler {
	return c.assembler
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) SessionID() string {
	return c.sessionID
}

func (c *Controller) Prompt() string {
	return c.cfg.Prompt
}

func (c *Controller) IsConnected() bool {
	return c.transport != nil && c.transport.IsConnected()
}

func (c *Controller) IsReady() bool {
	return c.state == StateReady
}

func (c *Controller) IsStreaming() bool {
	return c.streaming
}

func (c *Controller) SetCaptureSurface(surface *gpu.SceneCapture) {
	c.pipeline.SetCaptureSurface(surface)
}

func (c *Controller) SetViewSource(view gpu.ViewSource) {
	c.pipeline.SetViewSource(view)
}

func (c *Controller) SetAPIKey(key string) {
	c.cfg.APIKey = key
}

func (c *Controller) HasAPIKey() bool {
	return c.cfg.APIKey != ""
}

func (c *Controller) SetEnhancePrompt(enhance bool) {
	c.cfg.EnhancePrompt = enhance
}

func (c *Controller) SetServerURL(url string) {
	if url != "" {
		c.cfg.ServerURL = url
	}
}

// Connect opens a new transport. It does nothing while a connection is open
// or being established.
func (c *Controller) Connect() {
	if c.IsConnected() || c.state == StateConnecting || c.state == StateAuthenticating {
		c.logger.Warn("already connected")
		return
	}
	if c.transport != nil {
		c.dropTransport()
	}

	c.logger.Info("connecting", "url", c.cfg.ServerURL)
	c.lastError = ""
	c.sessionID = ""

	tr := c.newTransport()
	c.transport = tr
	c.pipeline.Attach(tr)
	c.setState(StateConnecting)
	tr.Connect(c.cfg.ServerURL)
}

func (c *Controller) connectForExtractionOnly() {
	c.extractionOnly = true
	c.Connect()
}

// Disconnect tears the session down and always leaves it Disconnected. It is
// safe to call repeatedly.
func (c *Controller) Disconnect() {
	c.streaming = false
	c.extracting = false
	c.extractionOnly = false
	c.setState(StateDisconnected)

	if c.transport != nil {
		c.dropTransport()
	}
	c.teardown()

	c.logger.Info("disconnected")
}

// teardown releases per-session capture and inbound state. It runs after the
// state change is published so observers still read the final counters.
func (c *Controller) teardown() {
	c.pipeline.Cancel()
	c.pendingStyle = nil
	c.sessionID = ""

	c.pipeline.ResetCounters()
	c.assembler.Reset()
	c.fpsTimer = 0
	c.currentFPS = 0
	c.metrics.SetReceivedFPS(0)
}

// dropTransport closes the current transport and forgets it, so any events
// it still has queued are never applied.
func (c *Controller) dropTransport() {
	tr := c.transport
	c.transport = nil
	c.pipeline.Detach()
	if err := tr.Close(); err != nil {
		c.logger.Debug("transport close", "error", err)
	}
}

func (c *Controller) SetPrompt(prompt string) error {
	c.cfg.Prompt = prompt
	if !c.IsReady() {
		return nil
	}
	if err := c.sendPrompt(); err != nil {
		return err
	}
	c.logger.Info("prompt updated", "prompt", prompt)
	return nil
}

func (c *Controller) sendPrompt() error {
	prompt, enhance := c.cfg.Prompt, c.cfg.EnhancePrompt
	if err := c.send(protocol.PromptUpdate{Prompt: prompt, Enhance: enhance}); err != nil {
		return err
	}
	c.sentPrompt, c.sentEnhance = prompt, enhance
	return nil
}

// SetStyleFromImage sends a reference image for style extraction on a Ready
// session.
func (c *Controller) SetStyleFromImage(img *codec.PixelBuffer) error {
	if !img.Valid() {
		c.logger.Error("reference image is empty")
		return shared.ErrEmptyImage
	}
	if !c.IsReady() {
		c.logger.Warn("not ready to set style from image")
		return shared.ErrNotReady
	}

	c.extracting = true
	data, size, err := codec.EncodeBase64JPEG(img, codec.ReferenceQuality)
	if err != nil {
		c.extracting = false
		c.logger.Error("failed to encode reference image", "error", err)
		return err
	}
	if err := c.SetStyleFromBase64(data); err != nil {
		c.extracting = false
		return err
	}
	c.logger.Info("sent reference image for style extraction", "bytes", size)
	return nil
}

func (c *Controller) SetStyleFromBase64(data string) error {
	if data == "" {
		c.logger.Error("base64 image data is empty")
		return shared.ErrEmptyImage
	}
	if !c.IsReady() {
		c.logger.Warn("not ready to set style from image")
		return shared.ErrNotReady
	}
	return c.send(protocol.ImagePrompt{ImageData: data, Enhance: c.cfg.EnhancePrompt})
}

// ExtractStyleFromImage holds img until the server returns its style. When
// disconnected it connects without setting up capture; when still
// authenticating the request is sent on Ready.
func (c *Controller) ExtractStyleFromImage(img *codec.PixelBuffer) error {
	if !img.Valid() {
		c.logger.Error("reference image is empty")
		return shared.ErrEmptyImage
	}

	c.pendingStyle = img.Clone()
	c.extracting = true
	c.extractionOnly = true

	switch {
	case c.IsReady():
		return c.sendPendingImage()
	case c.IsConnected() || c.state == StateConnecting || c.state == StateAuthenticating:
		c.logger.Info("style extraction deferred until ready")
		return nil
	default:
		c.logger.Info("connecting for style extraction")
		c.connectForExtractionOnly()
		return nil
	}
}

func (c *Controller) sendPendingImage() error {
	if c.pendingStyle == nil {
		c.logger.Warn("no pending image for extraction")
		c.extracting = false
		return nil
	}

	data, size, err := codec.EncodeBase64JPEG(c.pendingStyle, codec.ReferenceQuality)
	if err != nil {
		c.logger.Error("failed to encode image for extraction", "error", err)
		c.extracting = false
		c.pendingStyle = nil
		return err
	}
	if err := c.send(protocol.ImagePrompt{ImageData: data, Enhance: c.cfg.EnhancePrompt}); err != nil {
		c.extracting = false
		c.pendingStyle = nil
		return err
	}
	c.logger.Info("sent image for style extraction", "bytes", size)
	return nil
}

func (c *Controller) ClearImageStyle() {
	c.usingImageStyle = false
	c.extracting = false
	c.pendingStyle = nil
}

// StartStreaming begins sending captured frames. Capture resources are set
// up on first use.
func (c *Controller) StartStreaming() error {
	if !c.IsReady() {
		c.logger.Warn("cannot start streaming, not ready", "state", c.state.String())
		return shared.ErrNotReady
	}

	if !c.pipeline.SetupDone() {
		c.pipeline.Setup()
		c.assembler.SetOutputSize(c.cfg.CaptureWidth, c.cfg.CaptureHeight)
	}

	c.extractionOnly = false
	c.streaming = true
	c.logger.Info("streaming started")
	return nil
}

func (c *Controller) StopStreaming() {
	c.streaming = false
	c.logger.Info("streaming stopped")
}

// Tick applies queued transport events, advances the capture pipeline and
// updates the received-FPS window.
func (c *Controller) Tick(dt time.Duration) {
	c.drainEvents()

	c.pipeline.Tick(dt, c.streaming && c.state == StateReady)

	c.fpsTimer += dt
	if c.fpsTimer >= fpsWindow {
		c.currentFPS = float64(c.assembler.TakeWindowCount()) / c.fpsTimer.Seconds()
		c.fpsTimer = 0
		c.metrics.SetReceivedFPS(c.currentFPS)
	}
}

func (c *Controller) drainEvents() {
	tr := c.transport
	if tr == nil {
		return
	}
	events := tr.Events()
	for c.transport == tr {
		select {
		case ev := <-events:
			c.handleEvent(tr, ev)
		default:
			return
		}
	}
}

func (c *Controller) handleEvent(tr transport.Transport, ev transport.Event) {
	switch ev.Type {
	case transport.EventOpen:
		c.onOpen(tr)
	case transport.EventError:
		c.logger.Error("connection error", "error", ev.Message)
		c.fail(ev.Message)
	case transport.EventClosed:
		c.logger.Info("connection closed", "code", ev.Code, "reason", ev.Reason)
		c.streaming = false
		c.extracting = false
		c.extractionOnly = false
		c.setState(StateDisconnected)
		c.teardown()
	case transport.EventText:
		c.onText(ev.Message)
	case transport.EventRaw:
		c.assembler.HandleRaw(ev.Data, ev.BytesRemaining)
	}
}

func (c *Controller) onOpen(tr transport.Transport) {
	c.logger.Info("connected, sending auth")
	c.setState(StateAuthenticating)

	if c.cfg.APIKey == "" {
		c.logger.Warn("no api key configured")
		c.setState(StateError)
		c.lastError = shared.ErrNoCredential.Error()
		c.tracker.HandleAuthFailure(noCredentialMessage)
		c.Error.Emit(shared.ErrNoCredential.Error())
		c.dropTransport()
		return
	}

	data, err := protocol.Marshal(protocol.Auth{
		Prompt:  c.cfg.Prompt,
		APIKey:  c.cfg.APIKey,
		Enhance: c.cfg.EnhancePrompt,
	})
	if err != nil {
		c.fail(err.Error())
		return
	}
	if err := tr.SendText(data); err != nil {
		c.logger.Error("failed to send auth", "error", err)
		c.fail(err.Error())
		return
	}
	c.sentPrompt, c.sentEnhance = c.cfg.Prompt, c.cfg.EnhancePrompt
}

func (c *Controller) onText(message string) {
	msg, err := protocol.Parse([]byte(message))
	if err != nil {
		c.logger.Warn("ignoring server message", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Ready:
		c.onReady(m)
	case protocol.Error:
		c.logger.Error("server error", "message", m.Message)
		c.tracker.HandleAuthFailure(m.Message)
		c.fail(m.Message)
	case protocol.StyleExtracted:
		c.logger.Info("style extracted", "prompt", m.Prompt)
		c.cfg.Prompt = m.Prompt
		c.sentPrompt = m.Prompt
		c.extracting = false
		c.usingImageStyle = true
		c.pendingStyle = nil
		c.StyleExtracted.Emit(m.Prompt)
	}
}

func (c *Controller) onReady(m protocol.Ready) {
	if c.state != StateAuthenticating {
		c.logger.Warn("unexpected ready message", "state", c.state.String())
		return
	}

	c.sessionID = m.SessionID
	c.logger.Info("ready", "session_id", m.SessionID)

	if m.Usage != nil {
		info := usage.Info{
			SecondsUsed:      m.Usage.SecondsUsed,
			SecondsLimit:     m.Usage.SecondsLimit,
			SecondsRemaining: m.Usage.SecondsRemaining,
		}
		c.tracker.Update(info)
		c.metrics.SetUsagePercent(info.UsagePercent())
	}
	if m.Warning != "" {
		c.tracker.HandleServerWarning(m.Warning)
	}

	c.setState(StateReady)

	if c.cfg.Prompt != c.sentPrompt || c.cfg.EnhancePrompt != c.sentEnhance {
		c.logger.Info("sending prompt changed during authentication", "prompt", c.cfg.Prompt)
		if err := c.sendPrompt(); err != nil {
			c.logger.Warn("prompt update failed", "error", err)
		}
	}

	if c.extracting && c.pendingStyle != nil {
		c.logger.Info("sending pending image for extraction")
		if err := c.sendPendingImage(); err != nil {
			c.logger.Warn("pending extraction failed", "error", err)
		}
	}

	c.Connected.Emit(m.SessionID)
}

// fail stops capture so no readback issued before the failure completes into
// a later session.
func (c *Controller) fail(message string) {
	c.lastError = message
	c.streaming = false
	c.setState(StateError)
	c.pipeline.Cancel()
	c.Error.Emit(message)
}

// send writes an application message. Only a Ready session may send.
func (c *Controller) send(msg protocol.Outbound) error {
	if !c.IsReady() || c.transport == nil {
		return shared.ErrNotReady
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.transport.SendText(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return nil
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state changed", "from", c.state.String(), "to", s.String())
	c.state = s
	c.metrics.SetSessionState(int(s))
	c.StateChanged.Emit(s)
}

// Status is a point-in-time view of the session for readers outside the
// control loop.
type Status struct {
	State           string    `json:"state"`
	SessionID       string    `json:"session_id,omitempty"`
	ServerURL       string    `json:"server_url"`
	Prompt          string    `json:"prompt"`
	EnhancePrompt   bool      `json:"enhance_prompt"`
	HasAPIKey       bool      `json:"has_api_key"`
	Connected       bool      `json:"connected"`
	Streaming       bool      `json:"streaming"`
	Extracting      bool      `json:"extracting_style"`
	ExtractionOnly  bool      `json:"extraction_only"`
	UsingImageStyle bool      `json:"using_image_style"`
	ReadbackPending bool      `json:"readback_pending"`
	FramesSent      uint64    `json:"frames_sent"`
	FramesReceived  uint64    `json:"frames_received"`
	CurrentFPS      float64   `json:"current_fps"`
	Usage           UsageView `json:"usage"`
	LastError       string    `json:"last_error,omitempty"`
}

type UsageView struct {
	SecondsUsed      int     `json:"seconds_used"`
	SecondsLimit     int     `json:"seconds_limit"`
	SecondsRemaining int     `json:"seconds_remaining"`
	Percent          float64 `json:"percent"`
	Used             string  `json:"used"`
	Limit            string  `json:"limit"`
	Remaining        string  `json:"remaining"`
}

func (c *Controller) Snapshot() Status {
	info := c.tracker.Current()
	return Status{
		State:           c.state.String(),
		SessionID:       c.sessionID,
		ServerURL:       c.cfg.ServerURL,
		Prompt:          c.cfg.Prompt,
		EnhancePrompt:   c.cfg.EnhancePrompt,
		HasAPIKey:       c.HasAPIKey(),
		Connected:       c.IsConnected(),
		Streaming:       c.streaming,
		Extracting:      c.extracting,
		ExtractionOnly:  c.extractionOnly,
		UsingImageStyle: c.usingImageStyle,
		ReadbackPending: c.pipeline.Pending() != nil,
		FramesSent:      c.pipeline.FramesSent(),
		FramesReceived:  c.assembler.FramesReceived(),
		CurrentFPS:      c.currentFPS,
		LastError:       c.lastError,
		Usage: UsageView{
			SecondsUsed:      info.SecondsUsed,
			SecondsLimit:     info.SecondsLimit,
			SecondsRemaining: info.SecondsRemaining,
			Percent:          info.UsagePercent(),
			Used:             info.FormattedUsed(),
			Limit:            info.FormattedLimit(),
			Remaining:        info.FormattedRemaining(),
		},
	}
}
