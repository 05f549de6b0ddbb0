package dto

type PromptRequest struct {
	Prompt  string `json:"prompt"`
	Enhance *bool  `json:"enhance,omitempty"`
}

type CredentialsRequest struct {
	APIKey    string `json:"api_key"`
	ServerURL string `json:"server_url,omitempty"`
}

type ConsentRequest struct {
	AcceptTerms         bool `json:"accept_terms"`
	ShareUsageAnalytics bool `json:"share_usage_analytics"`
	ShareTrainingData   bool `json:"share_training_data"`
	StoreCapturesOnline bool `json:"store_captures_online"`
}

type SettingsResponse struct {
	HasAPIKey           bool    `json:"has_api_key"`
	APIKeyPrefix        string  `json:"api_key_prefix,omitempty"`
	ServerURL           string  `json:"server_url,omitempty"`
	SetupComplete       bool    `json:"setup_complete"`
	AcceptedTerms       bool    `json:"accepted_terms"`
	ShareUsageAnalytics bool    `json:"share_usage_analytics"`
	ShareTrainingData   bool    `json:"share_training_data"`
	StoreCapturesOnline bool    `json:"store_captures_online"`
	KeyUpdatedAt        *string `json:"key_updated_at,omitempty"`
}

type SessionRecordResponse struct {
	ID             string  `json:"id"`
	ServerURL      string  `json:"server_url"`
	Prompt         string  `json:"prompt"`
	Status         string  `json:"status"`
	StartedAt      string  `json:"started_at"`
	EndedAt        *string `json:"ended_at,omitempty"`
	FramesSent     uint64  `json:"frames_sent"`
	FramesReceived uint64  `json:"frames_received"`
}

type SessionListResponse struct {
	Sessions []SessionRecordResponse `json:"sessions"`
}
