package settings

import "time"

// DefaultID keys the single settings row.
const DefaultID = "default"

type Settings struct {
	ID                  string     `gorm:"primaryKey" json:"-"`
	APIKey              string     `gorm:"not null;default:''" json:"-"`
	APIKeyPrefix        string     `json:"api_key_prefix,omitempty"`
	ServerURL           string     `json:"server_url,omitempty"`
	SetupComplete       bool       `gorm:"not null;default:false" json:"setup_complete"`
	AcceptedTerms       bool       `gorm:"not null;default:false" json:"accepted_terms"`
	ShareUsageAnalytics bool       `gorm:"not null;default:false" json:"share_usage_analytics"`
	ShareTrainingData   bool       `gorm:"not null;default:false" json:"share_training_data"`
	StoreCapturesOnline bool       `gorm:"not null;default:false" json:"store_captures_online"`
	KeyUpdatedAt        *time.Time `json:"key_updated_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s *Settings) HasAPIKey() bool {
	return s.APIKey != ""
}

func (s *Settings) Consent() Consent {
	return Consent{
		ShareUsageAnalytics: s.ShareUsageAnalytics,
		ShareTrainingData:   s.ShareTrainingData,
		StoreCapturesOnline: s.StoreCapturesOnline,
	}
}

// Consent holds the data-sharing choices made during setup.
type Consent struct {
	ShareUsageAnalytics bool `json:"share_usage_analytics"`
	ShareTrainingData   bool `json:"share_training_data"`
	StoreCapturesOnline bool `json:"store_captures_online"`
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..."
}
