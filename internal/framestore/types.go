package framestore

import "time"

type Frame struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"-"`
}

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

// SessionRecord summarises one streaming session.
type SessionRecord struct {
	ID             string     `json:"id"`
	ServerURL      string     `json:"server_url"`
	Prompt         string     `json:"prompt"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	FramesSent     uint64     `json:"frames_sent"`
	FramesReceived uint64     `json:"frames_received"`
}

func (r *SessionRecord) RedisKey() string {
	return sessionKey(r.ID)
}

func sessionKey(id string) string {
	return "session:" + id
}

func framesKey(sessionID string) string {
	return "session:" + sessionID + ":frames"
}

const recentSessionsKey = "sessions:recent"
