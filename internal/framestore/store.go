// Package framestore keeps recent stylized frames and session summaries in
// Redis.
package framestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eleven-am/stylestream/internal/shared"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultFrameTTL = 60 * time.Second
	sessionTTL      = 24 * time.Hour
)

type Store struct {
	redis    *redis.Client
	frameTTL time.Duration
}

func NewStore(redisClient *redis.Client, frameTTL time.Duration) *Store {
	if frameTTL == 0 {
		frameTTL = DefaultFrameTTL
	}
	return &Store{
		redis:    redisClient,
		frameTTL: frameTTL,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *Store) StoreFrame(ctx context.Context, frame *Frame) error {
	key := framesKey(frame.SessionID)
	member := redis.Z{
		Score:  float64(frame.Timestamp),
		Member: frame.Data,
	}

	pipe := s.redis.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.Expire(ctx, key, s.frameTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetLatestFrame returns shared.ErrNotFound when the session has no frames.
func (s *Store) GetLatestFrame(ctx context.Context, sessionID string) (*Frame, error) {
	results, err := s.redis.ZRevRangeWithScores(ctx, framesKey(sessionID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, shared.ErrNotFound
	}

	data, ok := results[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("invalid frame data type %T", results[0].Member)
	}

	return &Frame{
		SessionID: sessionID,
		Timestamp: int64(results[0].Score),
		Data:      []byte(data),
	}, nil
}

func (s *Store) GetFrames(ctx context.Context, sessionID string, startTime, endTime int64, limit int) ([]*Frame, error) {
	opt := &redis.ZRangeBy{
		Min:   strconv.FormatInt(startTime, 10),
		Max:   strconv.FormatInt(endTime, 10),
		Count: int64(limit),
	}

	results, err := s.redis.ZRangeByScoreWithScores(ctx, framesKey(sessionID), opt).Result()
	if err != nil {
		return nil, err
	}

	frames := make([]*Frame, 0, len(results))
	for _, r := range results {
		data, ok := r.Member.(string)
		if !ok {
			continue
		}
		frames = append(frames, &Frame{
			SessionID: sessionID,
			Timestamp: int64(r.Score),
			Data:      []byte(data),
		})
	}
	return frames, nil
}

func (s *Store) DeleteFrames(ctx context.Context, sessionID string) error {
	return s.redis.Del(ctx, framesKey(sessionID)).Err()
}

func (s *Store) CreateSession(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		rec.ID = "local_" + uuid.NewString()
	}
	rec.Status = StatusActive
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	return s.saveSession(ctx, rec)
}

func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	data, err := s.redis.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) EndSession(ctx context.Context, id string, status Status, framesSent, framesReceived uint64) error {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.Status = status
	rec.EndedAt = &now
	rec.FramesSent = framesSent
	rec.FramesReceived = framesReceived
	return s.saveSession(ctx, rec)
}

// RecentSessions lists up to limit sessions, newest first. Expired records
// are skipped.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.redis.ZRevRange(ctx, recentSessionsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetSession(ctx, id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) saveSession(ctx context.Context, rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, rec.RedisKey(), data, sessionTTL)
	pipe.ZAdd(ctx, recentSessionsKey, redis.Z{Score: float64(rec.StartedAt.UnixMilli()), Member: rec.ID})
	_, err = pipe.Exec(ctx)
	return err
}
