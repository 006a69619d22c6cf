package quota

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"metered_gateway/internal/models"
)

// commitScript records the ref, when one is passed as KEYS[2], and
// increments the counter in one step. Counter keys carry no TTL so past
// periods stay available for audit.
var commitScript = redis.NewScript(`
local counter_key = KEYS[1]

if #KEYS > 1 then
	if redis.call("SETNX", KEYS[2], "1") == 0 then
		return redis.call("GET", counter_key) or 0
	end
end

return redis.call("INCR", counter_key)
`)

// RedisStore implements Store on Redis strings.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed quota store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Both keys of a commit carry the user as hash tag so the script stays on
// one Redis Cluster slot.
func counterKeyFor(userID string, feature models.FeatureID, period models.Period) string {
	return fmt.Sprintf("quota:{%s}:%s:%d:%02d", userID, feature, period.Year, int(period.Month))
}

func refKeyFor(userID, ref string) string {
	return fmt.Sprintf("quota:{%s}:commit:%s", userID, ref)
}

func (s *RedisStore) Used(ctx context.Context, userID string, feature models.FeatureID, period models.Period) (int64, error) {
	used, err := s.client.Get(ctx, counterKeyFor(userID, feature, period)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return used, nil
}

func (s *RedisStore) Increment(ctx context.Context, userID string, feature models.FeatureID, period models.Period, ref string) error {
	keys := []string{counterKeyFor(userID, feature, period)}
	if ref != "" {
		keys = append(keys, refKeyFor(userID, ref))
	}
	if err := commitScript.Run(ctx, s.client, keys).Err(); err != nil {
		return fmt.Errorf("failed to increment quota counter: %w", err)
	}
	return nil
}
