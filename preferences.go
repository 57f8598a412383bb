package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/redis/go-redis/v9"
)

const (
	preferenceKeyPrefix  = "upp-api-gateway:version-preference"
	defaultPreferenceTTL = 30 * 24 * time.Hour
)

func preferenceKey(mapping string, tenantID string) string {
	return fmt.Sprintf("%s:%s:%s", preferenceKeyPrefix, mapping, tenantID)
}

type inMemoryPreferenceStore struct {
	preferences sync.Map
}

func newInMemoryPreferenceStore() *inMemoryPreferenceStore {
	return &inMemoryPreferenceStore{}
}

func (s *inMemoryPreferenceStore) preferredVersion(_ context.Context, tenantID string, mapping string) (versionToken, bool) {
	v, ok := s.preferences.Load(preferenceKey(mapping, tenantID))
	if !ok {
		return "", false
	}
	return v.(versionToken), true
}

func (s *inMemoryPreferenceStore) recordPreference(_ context.Context, tenantID string, mapping string, v versionToken) {
	s.preferences.Store(preferenceKey(mapping, tenantID), v)
}

// redisPreferenceStore shares tenant preferences between gateway replicas.
// Redis failures degrade to "no preference" and are never surfaced to requests.
type redisPreferenceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func newRedisPreferenceStore(rdb *redis.Client, ttl time.Duration) *redisPreferenceStore {
	if ttl <= 0 {
		ttl = defaultPreferenceTTL
	}
	return &redisPreferenceStore{rdb: rdb, ttl: ttl}
}

func (s *redisPreferenceStore) preferredVersion(ctx context.Context, tenantID string, mapping string) (versionToken, bool) {
	raw, err := s.rdb.Get(ctx, preferenceKey(mapping, tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		log.WithError(err).Warnf("Cannot read version preference of tenant %s for mapping %s", tenantID, mapping)
		return "", false
	}

	v, err := canonicalVersion(raw)
	if err != nil {
		log.WithError(err).Warnf("Stored version preference of tenant %s is malformed", tenantID)
		return "", false
	}
	return v, true
}

func (s *redisPreferenceStore) recordPreference(ctx context.Context, tenantID string, mapping string, v versionToken) {
	if err := s.rdb.Set(ctx, preferenceKey(mapping, tenantID), v.String(), s.ttl).Err(); err != nil {
		log.WithError(err).Warnf("Cannot record version preference %s of tenant %s", v, tenantID)
	}
}
