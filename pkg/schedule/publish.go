package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps the artifact readable across a weekend of missed builds.
const DefaultTTL = 72 * time.Hour

// publishScript writes the artifact and its version together, and only when
// the stored version is older, so the later build always wins.
var publishScript = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if current and tonumber(current) >= tonumber(ARGV[2]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[3])
redis.call("SET", KEYS[2], ARGV[2], "EX", ARGV[3])
return 1
`)

// Publisher stores artifacts under one key.
type Publisher struct {
	rdb redis.Cmdable
	key string
	ttl time.Duration
}

func NewPublisher(rdb redis.Cmdable, key string, ttl time.Duration) *Publisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Publisher{rdb: rdb, key: key, ttl: ttl}
}

func (p *Publisher) versionKey() string { return p.key + ":version" }

// Publish reports false when a newer artifact was already in place.
func (p *Publisher) Publish(ctx context.Context, art Artifact) (bool, error) {
	raw, err := json.Marshal(art)
	if err != nil {
		return false, err
	}
	res, err := publishScript.Run(ctx, p.rdb, []string{p.key, p.versionKey()},
		string(raw), art.Version, int64(p.ttl/time.Second)).Int64()
	if err != nil {
		return false, fmt.Errorf("publish schedule: %w", err)
	}
	return res == 1, nil
}

// Current reads the stored artifact. ok is false when none is stored.
func (p *Publisher) Current(ctx context.Context) (Artifact, bool, error) {
	raw, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, err
	}
	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return Artifact{}, false, fmt.Errorf("decode schedule: %w", err)
	}
	return art, true, nil
}
