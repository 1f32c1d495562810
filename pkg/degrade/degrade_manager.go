package degrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "degrade:"

// DegradeManager keeps operator-set degradation switches in redis so every
// replica sees the same state.
type DegradeManager struct {
	redis redis.UniversalClient
}

// NewDegradeManager creates a new degrade manager
func NewDegradeManager(client redis.UniversalClient) *DegradeManager {
	return &DegradeManager{redis: client}
}

// DegradeStrategy is what callers are told while a feature is switched off.
type DegradeStrategy struct {
	Message    string    `json:"message"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds
	Since      time.Time `json:"since"`
}

// Check returns the active strategy for feature, or nil when it is enabled.
func (dm *DegradeManager) Check(ctx context.Context, feature string) (*DegradeStrategy, error) {
	data, err := dm.redis.Get(ctx, keyPrefix+feature).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read degrade switch %s: %w", feature, err)
	}

	var strategy DegradeStrategy
	if err := json.Unmarshal(data, &strategy); err != nil {
		// a switch that exists but is unreadable still means degraded
		return &DegradeStrategy{Message: "Service temporarily unavailable"}, nil
	}
	return &strategy, nil
}

// EnableDegrade switches feature off. A zero ttl keeps it off until DisableDegrade.
func (dm *DegradeManager) EnableDegrade(ctx context.Context, feature string, strategy DegradeStrategy, ttl time.Duration) error {
	if feature == "" {
		return errors.New("feature is required")
	}
	if strategy.Since.IsZero() {
		strategy.Since = time.Now().UTC()
	}
	data, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}
	if err := dm.redis.Set(ctx, keyPrefix+feature, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set degrade switch: %w", err)
	}
	return nil
}

// DisableDegrade switches feature back on.
func (dm *DegradeManager) DisableDegrade(ctx context.Context, feature string) error {
	if err := dm.redis.Del(ctx, keyPrefix+feature).Err(); err != nil {
		return fmt.Errorf("failed to disable degrade: %w", err)
	}
	return nil
}

// GetDegradeStatus lists every feature currently switched off.
func (dm *DegradeManager) GetDegradeStatus(ctx context.Context) (map[string]*DegradeStrategy, error) {
	result := make(map[string]*DegradeStrategy)

	iter := dm.redis.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		feature := strings.TrimPrefix(iter.Val(), keyPrefix)
		strategy, err := dm.Check(ctx, feature)
		if err != nil {
			return nil, err
		}
		if strategy != nil {
			result[feature] = strategy
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan degrade keys: %w", err)
	}
	return result, nil
}
