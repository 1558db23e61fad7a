package token

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores credentials in Redis so a multi-instance API shares one
// view of what is currently scannable. Rotated tokens lean on key TTLs
// for expiry; per-session pointer keys let a rotation delete the old
// token instead of waiting for it to lapse.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a store using the given key prefix (default "rollcall:cred").
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "rollcall:cred"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) tokenKey(tok string) string {
	return r.prefix + ":tok:" + tok
}

func (r *Redis) sessionKey(sessionID string, kind Kind) string {
	return r.prefix + ":sess:" + sessionID + ":" + string(kind)
}

// setCredScript installs a credential in one atomic step: the slot's
// previous token is deleted in the same script that writes the new one,
// so a superseded token is never resolvable, even with concurrent
// rotations across API instances. KEYS[1] is the per-session pointer;
// ARGV is token-key prefix, new token, payload, TTL in millis (0 means
// no expiry).
var setCredScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if old then
	redis.call('DEL', ARGV[1] .. old)
end
if tonumber(ARGV[4]) > 0 then
	redis.call('SET', ARGV[1] .. ARGV[2], ARGV[3], 'PX', ARGV[4])
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[4])
else
	redis.call('SET', ARGV[1] .. ARGV[2], ARGV[3])
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func (r *Redis) setCred(ctx context.Context, sessionID string, kind Kind, tok string, ttl time.Duration) error {
	return setCredScript.Run(ctx, r.client,
		[]string{r.sessionKey(sessionID, kind)},
		r.prefix+":tok:", tok, sessionID+"|"+string(kind), ttl.Milliseconds(),
	).Err()
}

// SetPrimary records the session's primary token. No TTL: the primary
// stays valid until the session is purged.
func (r *Redis) SetPrimary(ctx context.Context, sessionID, tok string) error {
	return r.setCred(ctx, sessionID, KindPrimary, tok, 0)
}

// ReplaceRotated swaps in a new rotated token and drops the previous one.
func (r *Redis) ReplaceRotated(ctx context.Context, sessionID, tok string, ttl time.Duration) error {
	return r.setCred(ctx, sessionID, KindRotated, tok, ttl)
}

// Resolve reports the owning session of a live token.
func (r *Redis) Resolve(ctx context.Context, tok string) (Credential, bool, error) {
	val, err := r.client.Get(ctx, r.tokenKey(tok)).Result()
	if err == redis.Nil {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	sessionID, kind, ok := strings.Cut(val, "|")
	if !ok {
		return Credential{}, false, nil
	}
	return Credential{SessionID: sessionID, Kind: Kind(kind)}, true, nil
}

// PurgeSession deletes both of the session's tokens and pointers.
func (r *Redis) PurgeSession(ctx context.Context, sessionID string) error {
	keys := make([]string, 0, 4)
	for _, kind := range []Kind{KindPrimary, KindRotated} {
		ptr := r.sessionKey(sessionID, kind)
		if tok, err := r.client.Get(ctx, ptr).Result(); err == nil {
			keys = append(keys, r.tokenKey(tok))
		}
		keys = append(keys, ptr)
	}
	return r.client.Del(ctx, keys...).Err()
}
