// Package settings persists the client's credential and consent choices.
package settings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/eleven-am/stylestream/internal/shared"
	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Settings{})
}

// Load returns the stored settings, or unsaved defaults when none exist.
func (s *Store) Load(ctx context.Context) (*Settings, error) {
	var settings Settings
	err := s.db.WithContext(ctx).Where("id = ?", DefaultID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Settings{ID: DefaultID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Store) SetAPIKey(ctx context.Context, key string) (*Settings, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, shared.ErrNoCredential
	}
	return s.update(ctx, func(st *Settings) {
		now := time.Now()
		st.APIKey = key
		st.APIKeyPrefix = maskKey(key)
		st.KeyUpdatedAt = &now
	})
}

func (s *Store) ClearAPIKey(ctx context.Context) (*Settings, error) {
	return s.update(ctx, func(st *Settings) {
		st.APIKey = ""
		st.APIKeyPrefix = ""
		st.KeyUpdatedAt = nil
	})
}

func (s *Store) SetServerURL(ctx context.Context, url string) (*Settings, error) {
	return s.update(ctx, func(st *Settings) {
		st.ServerURL = strings.TrimSpace(url)
	})
}

func (s *Store) SetSetupComplete(ctx context.Context, complete bool) (*Settings, error) {
	return s.update(ctx, func(st *Settings) {
		st.SetupComplete = complete
	})
}

func (s *Store) AcceptTerms(ctx context.Context) (*Settings, error) {
	return s.update(ctx, func(st *Settings) {
		st.AcceptedTerms = true
	})
}

func (s *Store) SaveConsent(ctx context.Context, consent Consent) (*Settings, error) {
	return s.update(ctx, func(st *Settings) {
		st.ShareUsageAnalytics = consent.ShareUsageAnalytics
		st.ShareTrainingData = consent.ShareTrainingData
		st.StoreCapturesOnline = consent.StoreCapturesOnline
	})
}

func (s *Store) update(ctx context.Context, fn func(*Settings)) (*Settings, error) {
	settings, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	fn(settings)
	if err := s.db.WithContext(ctx).Save(settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}
