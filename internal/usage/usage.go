package usage

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/stylestream/internal/shared"
)

const WarnPercent = 80.0

// Info is a server-reported quota snapshot in seconds.
type Info struct {
	SecondsUsed      int `json:"seconds_used"`
	SecondsLimit     int `json:"seconds_limit"`
	SecondsRemaining int `json:"seconds_remaining"`
}

// UsagePercent reports 100 when no limit is configured.
func (i Info) UsagePercent() float64 {
	if i.SecondsLimit <= 0 {
		return 100
	}
	return float64(i.SecondsUsed) / float64(i.SecondsLimit) * 100
}

func (i Info) OverLimit() bool {
	return i.SecondsUsed >= i.SecondsLimit
}

func (i Info) ShouldWarn() bool {
	return i.UsagePercent() >= WarnPercent
}

func (i Info) FormattedUsed() string      { return FormatTime(i.SecondsUsed) }
func (i Info) FormattedLimit() string     { return FormatTime(i.SecondsLimit) }
func (i Info) FormattedRemaining() string { return FormatTime(i.SecondsRemaining) }

func FormatTime(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

type Warning struct {
	Usage   Info
	Message string
}

type Tracker struct {
	logger *slog.Logger

	mu      sync.RWMutex
	current Info

	Warning      shared.Signal[Warning]
	LimitReached shared.Signal[Info]
	AuthFailed   shared.Signal[string]
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger.With("component", "usage")}
}

func (t *Tracker) Current() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Update replaces the snapshot, then raises at most one threshold signal.
func (t *Tracker) Update(info Info) {
	t.mu.Lock()
	t.current = info
	t.mu.Unlock()

	t.logger.Info("usage updated",
		"seconds_used", info.SecondsUsed,
		"seconds_limit", info.SecondsLimit,
		"percent", info.UsagePercent())

	switch {
	case info.OverLimit():
		t.LimitReached.Emit(info)
	case info.ShouldWarn():
		t.Warning.Emit(Warning{Usage: info})
	}
}

func (t *Tracker) HandleServerWarning(message string) {
	t.logger.Warn("server warning", "message", message)
	t.Warning.Emit(Warning{Usage: t.Current(), Message: message})
}

func (t *Tracker) HandleAuthFailure(message string) {
	t.logger.Error("authentication failed", "message", message)
	t.AuthFailed.Emit(message)
}
