package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Detection namespaces. Each detector marks messages under its own namespace
// so a bounce scan and a reply scan never shadow each other's dedup state.
const (
	DetectionNamespaceBounce = "bounce"
	DetectionNamespaceReply  = "reply"
)

// Marker TTLs. Bounce markers outlive the 7 day lookback window, reply
// markers outlive the 30 day window, so a re-scan never reprocesses.
const (
	bounceMarkerTTL = 7 * 24 * time.Hour
	replyMarkerTTL  = 30 * 24 * time.Hour
	finalMarkerTTL  = 30 * 24 * time.Hour
)

// DetectionCacheRepo stores processed-message markers in Redis so multiple
// scheduler processes never double-count the same message.
type DetectionCacheRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewDetectionCacheRepo creates a new detection cache repository.
func NewDetectionCacheRepo(rdb *redis.Client, logger log.Logger) *DetectionCacheRepo {
	return &DetectionCacheRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

func markerKey(namespace, messageID string) string {
	return BuildCacheKey(CacheKeyDedup, namespace, messageID)
}

func finalKey(messageID string) string {
	return BuildCacheKey(CacheKeyDedup, "final", messageID)
}

func namespaceTTL(namespace string) time.Duration {
	if namespace == DetectionNamespaceReply {
		return replyMarkerTTL
	}
	return bounceMarkerTTL
}

// IsProcessed reports whether the message has already been handled in the
// given namespace. Redis errors report as unprocessed (fail-open) because
// the database-side updates are idempotent.
func (r *DetectionCacheRepo) IsProcessed(ctx context.Context, namespace, messageID string) (bool, error) {
	if r.rdb == nil {
		return false, ErrCoordinationUnavailable
	}

	count, err := r.rdb.Exists(ctx, markerKey(namespace, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed records a single message as handled.
func (r *DetectionCacheRepo) MarkProcessed(ctx context.Context, namespace, messageID string) error {
	if r.rdb == nil {
		return ErrCoordinationUnavailable
	}

	err := r.rdb.Set(ctx, markerKey(namespace, messageID), "1", namespaceTTL(namespace)).Err()
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// MarkProcessedBatch records a set of messages as handled in one round trip.
func (r *DetectionCacheRepo) MarkProcessedBatch(ctx context.Context, namespace string, messageIDs []string) error {
	if r.rdb == nil {
		return ErrCoordinationUnavailable
	}
	if len(messageIDs) == 0 {
		return nil
	}

	ttl := namespaceTTL(namespace)
	pipe := r.rdb.Pipeline()
	for _, id := range messageIDs {
		pipe.Set(ctx, markerKey(namespace, id), "1", ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark message batch processed: %w", err)
	}
	return nil
}

// ClaimFinalClassification atomically claims the terminal classification for
// a message. The first caller wins; later callers get the winning value so a
// message classified as a bounce can never also be credited as a reply.
// Store failures report the claim as won: a lost Redis may double-process,
// never suppress an event.
func (r *DetectionCacheRepo) ClaimFinalClassification(ctx context.Context, messageID, classification string) (bool, string, error) {
	if r.rdb == nil {
		return true, classification, ErrCoordinationUnavailable
	}

	key := finalKey(messageID)
	claimed, err := r.rdb.SetNX(ctx, key, classification, finalMarkerTTL).Result()
	if err != nil {
		return true, classification, fmt.Errorf("failed to claim final classification: %w", err)
	}
	if claimed {
		return true, classification, nil
	}

	existing, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Marker expired between SETNX and GET. Treat as won.
			return true, classification, nil
		}
		return true, classification, fmt.Errorf("failed to read final classification: %w", err)
	}
	return false, existing, nil
}
