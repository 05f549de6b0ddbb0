package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/stylestream/internal/session"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubStatus struct {
	status session.Status
}

func (s stubStatus) Status() session.Status { return s.status }

func setupDeps(t *testing.T) (*gorm.DB, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return db, redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp HealthResponse
	if path == "/health/ready" {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
	}
	return rec, resp
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, nil, nil, "test")
	rec, _ := serve(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadiness_Healthy(t *testing.T) {
	db, rdb, _ := setupDeps(t)
	src := stubStatus{status: session.Status{State: "ready", Streaming: true, FramesSent: 42}}
	h := NewHandler(db, rdb, src, "1.2.3")

	rec, resp := serve(t, h, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s (%+v)", resp.Status, resp.Components)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", resp.Version)
	}
	if resp.Stats.Session.State != "ready" || resp.Stats.Session.FramesSent != 42 {
		t.Errorf("unexpected session stats %+v", resp.Stats.Session)
	}
}

func TestReadiness_RedisDownIsDegraded(t *testing.T) {
	db, rdb, mr := setupDeps(t)
	mr.Close()
	h := NewHandler(db, rdb, stubStatus{status: session.Status{State: "disconnected"}}, "test")

	rec, resp := serve(t, h, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", resp.Status)
	}
	if resp.Components["redis"].Status != StatusDegraded {
		t.Errorf("expected redis degraded, got %+v", resp.Components["redis"])
	}
}

func TestReadiness_SessionErrorIsDegraded(t *testing.T) {
	db, rdb, _ := setupDeps(t)
	src := stubStatus{status: session.Status{State: "error", LastError: "Invalid API key"}}
	h := NewHandler(db, rdb, src, "test")

	_, resp := serve(t, h, "/health/ready")
	comp := resp.Components["session"]
	if comp.Status != StatusDegraded || comp.Error != "Invalid API key" {
		t.Errorf("unexpected session component %+v", comp)
	}
}

func TestReadiness_NoDatabaseIsUnhealthy(t *testing.T) {
	_, rdb, _ := setupDeps(t)
	h := NewHandler(nil, rdb, stubStatus{}, "test")

	rec, resp := serve(t, h, "/health/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if resp.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", resp.Status)
	}
}
