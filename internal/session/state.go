// Package session drives one streaming session: connection lifecycle,
// authentication, prompt and style updates, and the capture and inbound
// pipelines that run while the session is Ready.
package session

import (
	"github.com/eleven-am/stylestream/internal/capture"
	"github.com/eleven-am/stylestream/internal/codec"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	DefaultServerURL = "ws://127.0.0.1:9001"
	DefaultPrompt    = "anime style, vibrant colors"
)

type Config struct {
	ServerURL              string
	Prompt                 string
	EnhancePrompt          bool
	CaptureWidth           int
	CaptureHeight          int
	JPEGQuality            int
	TargetFPS              float64
	CaptureFromPrimaryView bool
	APIKey                 string
}

func DefaultConfig() Config {
	return Config{
		ServerURL:              DefaultServerURL,
		Prompt:                 DefaultPrompt,
		EnhancePrompt:          true,
		CaptureWidth:           capture.DefaultWidth,
		CaptureHeight:          capture.DefaultHeight,
		JPEGQuality:            codec.DefaultQuality,
		TargetFPS:              capture.DefaultTargetFPS,
		CaptureFromPrimaryView: true,
	}
}
