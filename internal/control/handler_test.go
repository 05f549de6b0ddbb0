package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/stylestream/internal/codec"
	"github.com/eleven-am/stylestream/internal/dto"
	"github.com/eleven-am/stylestream/internal/framestore"
	"github.com/eleven-am/stylestream/internal/metrics"
	"github.com/eleven-am/stylestream/internal/protocol"
	"github.com/eleven-am/stylestream/internal/runner"
	"github.com/eleven-am/stylestream/internal/session"
	"github.com/eleven-am/stylestream/internal/settings"
	"github.com/eleven-am/stylestream/internal/transport"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	e        *echo.Echo
	settings *settings.Store
	frames   *framestore.Store
	recorder *framestore.Recorder
}

func newSettingsStore(t *testing.T) *settings.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	store := settings.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

func newFrameStore(t *testing.T) *framestore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return framestore.NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
}

func newEnvWithLoop(t *testing.T, loop Loop) *testEnv {
	t.Helper()
	env := &testEnv{
		e:        echo.New(),
		settings: newSettingsStore(t),
		frames:   newFrameStore(t),
	}
	env.recorder = framestore.NewRecorder(env.frames, testLogger(), 4)

	h := NewHandler(loop, env.settings, env.frames, env.recorder, metrics.New(), testLogger())
	h.RegisterRoutes(env.e)
	return env
}

// newEnv runs a real control loop against an unreachable server.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.ServerURL = "ws://127.0.0.1:1"
	ctrl := session.NewController(cfg, session.Deps{Logger: testLogger()})

	r := runner.New(runner.Config{TickRate: 100}, ctrl, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		_ = r.Stop(context.Background())
		cancel()
	})
	return newEnvWithLoop(t, r)
}

func (env *testEnv) request(method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) json(method, path, body string) *httptest.ResponseRecorder {
	return env.request(method, path, []byte(body), echo.MIMEApplicationJSON)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return v
}

func encodeTestImage(t *testing.T, format codec.Format) []byte {
	t.Helper()
	buf := codec.NewPixelBuffer(8, 8)
	for i := range buf.Pix {
		buf.Pix[i] = byte(i)
	}
	data, err := codec.Encode(buf, format, codec.DefaultQuality)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

// directLoop runs commands inline against a controller whose transport the
// test drives by hand.
type directLoop struct {
	ctrl *session.Controller
}

func (d *directLoop) Do(_ context.Context, fn func(*session.Controller) error) error {
	return fn(d.ctrl)
}
func (d *directLoop) Status() session.Status      { return d.ctrl.Snapshot() }
func (d *directLoop) Latest() *runner.LatestFrame { return nil }

type manualTransport struct {
	events    chan transport.Event
	connected bool
	texts     [][]byte
}

func (m *manualTransport) Connect(string) {}
func (m *manualTransport) SendText(data []byte) error {
	m.texts = append(m.texts, data)
	return nil
}
func (m *manualTransport) SendBinary([]byte, bool) error  { return nil }
func (m *manualTransport) Close() error                   { m.connected = false; return nil }
func (m *manualTransport) IsConnected() bool              { return m.connected }
func (m *manualTransport) Events() <-chan transport.Event { return m.events }

type stubLoop struct {
	status session.Status
	latest *runner.LatestFrame
}

func (s *stubLoop) Do(context.Context, func(*session.Controller) error) error { return nil }
func (s *stubLoop) Status() session.Status                                    { return s.status }
func (s *stubLoop) Latest() *runner.LatestFrame                               { return s.latest }

func TestStatus(t *testing.T) {
	env := newEnv(t)
	rec := env.request(http.MethodGet, "/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	st := decode[session.Status](t, rec)
	if st.State != "disconnected" || st.Prompt != session.DefaultPrompt {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStartStreaming_NotReady(t *testing.T) {
	env := newEnv(t)
	rec := env.request(http.MethodPost, "/streaming/start", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "not_ready") {
		t.Errorf("expected not_ready code, got %s", rec.Body.String())
	}
}

func TestStopStreamingAndDisconnect(t *testing.T) {
	env := newEnv(t)
	for _, path := range []string{"/streaming/stop", "/disconnect"} {
		rec := env.request(http.MethodPost, path, nil, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestSetPrompt(t *testing.T) {
	env := newEnv(t)

	rec := env.json(http.MethodPut, "/prompt", `{"prompt":"  ink wash  ","enhance":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	st := decode[session.Status](t, rec)
	if st.Prompt != "ink wash" || st.EnhancePrompt {
		t.Errorf("unexpected status %+v", st)
	}

	tests := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"prompt":"   "}`},
		{"invalid json", `{"prompt":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.json(http.MethodPut, "/prompt", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestSetStyleImage(t *testing.T) {
	env := newEnv(t)

	t.Run("apply requires ready", func(t *testing.T) {
		rec := env.request(http.MethodPost, "/style/image?mode=apply", encodeTestImage(t, codec.FormatPNG), "image/png")
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		rec := env.request(http.MethodPost, "/style/image", nil, "image/jpeg")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("not an image", func(t *testing.T) {
		rec := env.request(http.MethodPost, "/style/image", []byte("hello world"), "image/jpeg")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		rec := env.request(http.MethodPost, "/style/image?mode=blend", encodeTestImage(t, codec.FormatJPEG), "image/jpeg")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("extract connects", func(t *testing.T) {
		rec := env.request(http.MethodPost, "/style/image", encodeTestImage(t, codec.FormatJPEG), "image/jpeg")
		if rec.Code != http.StatusAccepted {
			t.Errorf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("clear", func(t *testing.T) {
		rec := env.request(http.MethodDelete, "/style/image", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		st := decode[session.Status](t, rec)
		if st.Extracting || st.UsingImageStyle {
			t.Errorf("image style not cleared: %+v", st)
		}
	})
}

func TestSetStyleImage_DownscalesLargeImage(t *testing.T) {
	tr := &manualTransport{events: make(chan transport.Event, 8)}
	cfg := session.DefaultConfig()
	cfg.APIKey = "sk-test"
	ctrl := session.NewController(cfg, session.Deps{
		Transport: func() transport.Transport { return tr },
		Logger:    testLogger(),
	})
	env := newEnvWithLoop(t, &directLoop{ctrl: ctrl})

	big := codec.NewPixelBuffer(2048, 1024)
	body, err := codec.Encode(big, codec.FormatPNG, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := env.request(http.MethodPost, "/style/image", body, "image/png")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	tr.connected = true
	tr.events <- transport.Event{Type: transport.EventOpen}
	ctrl.Tick(0)
	tr.events <- transport.Event{Type: transport.EventText, Message: `{"type":"ready","session_id":"s1"}`}
	ctrl.Tick(0)

	if len(tr.texts) != 2 {
		t.Fatalf("expected auth and image_prompt, got %d messages", len(tr.texts))
	}
	var msg protocol.ImagePrompt
	if err := json.Unmarshal(tr.texts[1], &msg); err != nil {
		t.Fatalf("invalid image_prompt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(msg.ImageData)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	img, format, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode sent image: %v", err)
	}
	if format != codec.FormatJPEG {
		t.Errorf("expected JPEG, got %s", format)
	}
	if img.Width != codec.MaxReferenceDim || img.Height != codec.MaxReferenceDim/2 {
		t.Errorf("expected %dx%d, got %dx%d", codec.MaxReferenceDim, codec.MaxReferenceDim/2, img.Width, img.Height)
	}
}

func TestCredentials(t *testing.T) {
	env := newEnv(t)

	rec := env.json(http.MethodPut, "/credentials", `{"api_key":"sk-style-abcdef123","server_url":"wss://style.example.com/ws"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[dto.SettingsResponse](t, rec)
	if !resp.HasAPIKey || resp.APIKeyPrefix != "sk-style..." || resp.ServerURL != "wss://style.example.com/ws" {
		t.Errorf("unexpected settings %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "abcdef123") {
		t.Error("full api key must not be returned")
	}

	st := decode[session.Status](t, env.request(http.MethodGet, "/status", nil, ""))
	if !st.HasAPIKey || st.ServerURL != "wss://style.example.com/ws" {
		t.Errorf("controller not updated: %+v", st)
	}

	rec = env.json(http.MethodPut, "/credentials", `{"api_key":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty key, got %d", rec.Code)
	}

	rec = env.request(http.MethodDelete, "/credentials", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decode[dto.SettingsResponse](t, rec).HasAPIKey {
		t.Error("key should be cleared")
	}
	st = decode[session.Status](t, env.request(http.MethodGet, "/status", nil, ""))
	if st.HasAPIKey {
		t.Error("controller key should be cleared")
	}
}

func TestConsent(t *testing.T) {
	env := newEnv(t)

	rec := env.json(http.MethodPut, "/consent", `{"accept_terms":true,"share_usage_analytics":true,"store_captures_online":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[dto.SettingsResponse](t, rec)
	if !resp.AcceptedTerms || !resp.ShareUsageAnalytics || resp.ShareTrainingData || !resp.StoreCapturesOnline {
		t.Errorf("unexpected settings %+v", resp)
	}
	if !env.recorder.Enabled() {
		t.Error("recorder should follow store_captures_online")
	}

	rec = env.request(http.MethodGet, "/settings", nil, "")
	if !decode[dto.SettingsResponse](t, rec).AcceptedTerms {
		t.Error("terms acceptance not persisted")
	}

	env.json(http.MethodPut, "/consent", `{"store_captures_online":false}`)
	if env.recorder.Enabled() {
		t.Error("recorder should be disabled")
	}
}

func TestLatestFrame(t *testing.T) {
	loop := &stubLoop{}
	env := newEnvWithLoop(t, loop)

	rec := env.request(http.MethodGet, "/frame.jpg", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any frame, got %d", rec.Code)
	}

	jpeg := encodeTestImage(t, codec.FormatJPEG)
	loop.latest = &runner.LatestFrame{Format: codec.FormatJPEG, Data: jpeg}
	rec = env.request(http.MethodGet, "/frame.jpg", nil, "")
	if rec.Code != http.StatusOK || rec.Header().Get(echo.HeaderContentType) != "image/jpeg" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}
	if !bytes.Equal(rec.Body.Bytes(), jpeg) {
		t.Error("jpeg frame should be served unchanged")
	}

	loop.latest = &runner.LatestFrame{Format: codec.FormatPNG, Data: encodeTestImage(t, codec.FormatPNG)}
	rec = env.request(http.MethodGet, "/frame.jpg", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if codec.DetectFormat(rec.Body.Bytes()) != codec.FormatJPEG {
		t.Error("png frame should be re-encoded as jpeg")
	}
}

func TestSessions(t *testing.T) {
	env := newEnvWithLoop(t, &stubLoop{})
	ctx := context.Background()

	rec := &framestore.SessionRecord{ID: "sess_1", Prompt: "pastel", StartedAt: time.Now().Add(-time.Minute)}
	if err := env.frames.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := env.frames.EndSession(ctx, "sess_1", framestore.StatusEnded, 30, 29); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	jpeg := encodeTestImage(t, codec.FormatJPEG)
	if err := env.frames.StoreFrame(ctx, &framestore.Frame{SessionID: "sess_1", Timestamp: 1, Data: jpeg}); err != nil {
		t.Fatalf("StoreFrame: %v", err)
	}

	list := decode[dto.SessionListResponse](t, env.request(http.MethodGet, "/sessions", nil, ""))
	if len(list.Sessions) != 1 || list.Sessions[0].Status != "ended" || list.Sessions[0].EndedAt == nil {
		t.Fatalf("unexpected sessions %+v", list)
	}

	got := decode[dto.SessionRecordResponse](t, env.request(http.MethodGet, "/sessions/sess_1", nil, ""))
	if got.FramesSent != 30 || got.FramesReceived != 29 {
		t.Errorf("unexpected record %+v", got)
	}

	if code := env.request(http.MethodGet, "/sessions/missing", nil, "").Code; code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	frame := env.request(http.MethodGet, "/sessions/sess_1/frames/latest", nil, "")
	if frame.Code != http.StatusOK || !bytes.Equal(frame.Body.Bytes(), jpeg) {
		t.Errorf("unexpected recorded frame response %d", frame.Code)
	}
	if code := env.request(http.MethodGet, "/sessions/missing/frames/latest", nil, "").Code; code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestSessions_RecordingUnavailable(t *testing.T) {
	e := echo.New()
	NewHandler(&stubLoop{}, newSettingsStore(t), nil, nil, nil, testLogger()).RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 metrics without registry, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := newEnvWithLoop(t, &stubLoop{})
	rec := env.request(http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stylestream_session_state") {
		t.Error("expected stylestream collectors in exposition")
	}
}
