package runlock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/helpdesk/internal/config"
)

// FromConfig builds the locker selected by ingest.lock.backend. The returned
// closer releases backend connections and is never nil.
func FromConfig(ctx context.Context, ingest config.IngestConfig, rc config.RedisConfig) (Locker, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(ingest.Lock.Backend)) {
	case "", "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        rc.GetRedisAddr(),
			Password:    rc.Password,
			DB:          rc.DB,
			DialTimeout: 5 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return NewRedis(client, ingest.Lock.Key, ingest.Lock.TTL), client, nil
	case "file":
		return NewFile(ingest.Lock.Path, ingest.Lock.TTL), io.NopCloser(nil), nil
	case "memory":
		return NewMemory(), io.NopCloser(nil), nil
	case "none":
		return Nop(), io.NopCloser(nil), nil
	default:
		return nil, nil, fmt.Errorf("unknown ingest lock backend %q", ingest.Lock.Backend)
	}
}
