package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// CycleLease implements ports.CycleLease using Redis SET NX.
// It keeps two engine instances from reconciling the same ledger at once.
type CycleLease struct {
	client *goredis.Client
	prefix string
	owner  string
}

// NewCycleLease creates a lease store. owner identifies this process.
func NewCycleLease(client *goredis.Client, owner string) *CycleLease {
	return &CycleLease{
		client: client,
		prefix: "lease:",
		owner:  owner,
	}
}

// Acquire takes the named lease for ttl.
// Returns true if this process now holds it, false if another one does.
func (l *CycleLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	result, err := l.client.SetArgs(ctx, l.prefix+name, l.owner, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			// Key already exists, held elsewhere
			return false, nil
		}
		return false, fmt.Errorf("redis lease acquire: %w", err)
	}
	return result == "OK", nil
}

// releaseScript deletes the lease only while this owner still holds it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Release gives the named lease back if this process holds it.
func (l *CycleLease) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, l.owner).Err(); err != nil {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}
