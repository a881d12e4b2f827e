package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "gh:rt:"
	redisIndexPrefix  = "gh:rtp:"
)

var _ TokenStore = (*RedisTokenStore)(nil)

// Conditional revoke: flips revoked only while the record is active.
var revokeActiveScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'revoked', 'exp')
if not cur[1] or cur[1] ~= '0' or tonumber(cur[2]) <= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 1
`)

// Unconditional idempotent revoke; never creates a phantom record.
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'revoked', '1')
end
return 1
`)

// Rotation as one server-side unit: conditional revoke of the old
// record, purge of stale records for the principal, insert of the
// replacement. Scripts execute atomically, so two rotations racing on
// the same record see exactly one winner.
//
// The purge loop builds record keys from ARGV[7] plus the index
// members instead of declaring them in KEYS, which restricts this
// store to single-node Redis; Cluster would reject the script.
var rotateScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local cur = redis.call('HMGET', KEYS[1], 'revoked', 'exp')
if not cur[1] or cur[1] ~= '0' or tonumber(cur[2]) <= now then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1')
local members = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(members) do
  local key = ARGV[7] .. id
  local st = redis.call('HMGET', key, 'revoked', 'exp')
  if not st[1] or st[1] ~= '0' or tonumber(st[2]) <= now then
    redis.call('DEL', key)
    redis.call('SREM', KEYS[2], id)
  end
end
redis.call('HSET', KEYS[3], 'principal', ARGV[3], 'hash', ARGV[4], 'iat', ARGV[5], 'exp', ARGV[6], 'revoked', '0')
redis.call('PEXPIREAT', KEYS[3], tonumber(ARGV[6]))
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// RedisTokenStore implements TokenStore on Redis. Each record is a
// hash keyed by id plus a per-principal id set; the rotate and revoke
// compare-and-swap runs as a Lua script so correctness does not depend
// on in-process locks.
type RedisTokenStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisTokenStore(client redis.UniversalClient) *RedisTokenStore {
	return &RedisTokenStore{client: client, now: time.Now}
}

// WithNow overrides the store clock (tests).
func (s *RedisTokenStore) WithNow(fn func() time.Time) *RedisTokenStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

func recordKey(id string) string { return redisRecordPrefix + id }

func indexKey(principal string) string { return redisIndexPrefix + principal }

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *RedisTokenStore) Insert(ctx context.Context, rec *RefreshTokenRecord) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := recordKey(rec.ID)
		pipe.HSet(ctx, key,
			"principal", rec.PrincipalID,
			"hash", rec.TokenHash,
			"iat", millis(rec.IssuedAt),
			"exp", millis(rec.ExpiresAt),
			"revoked", "0",
		)
		pipe.PExpireAt(ctx, key, rec.ExpiresAt)
		pipe.SAdd(ctx, indexKey(rec.PrincipalID), rec.ID)
		return nil
	})
	return err
}

func (s *RedisTokenStore) ActiveByPrincipal(ctx context.Context, principalID string) ([]RefreshTokenRecord, error) {
	ids, err := s.client.SMembers(ctx, indexKey(principalID)).Result()
	if err != nil {
		return nil, err
	}
	now := s.now()
	var records []RefreshTokenRecord
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, recordKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			// Record key expired out from under the index.
			s.client.SRem(ctx, indexKey(principalID), id)
			continue
		}
		rec, err := recordFromFields(id, principalID, fields)
		if err != nil {
			return nil, err
		}
		if rec.Active(now) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func recordFromFields(id, principalID string, fields map[string]string) (RefreshTokenRecord, error) {
	iat, err := parseMillis(fields["iat"])
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("auth: corrupt record %s: %w", id, err)
	}
	exp, err := parseMillis(fields["exp"])
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("auth: corrupt record %s: %w", id, err)
	}
	return RefreshTokenRecord{
		ID:          id,
		PrincipalID: principalID,
		TokenHash:   fields["hash"],
		IssuedAt:    iat,
		ExpiresAt:   exp,
		Revoked:     fields["revoked"] != "0",
	}, nil
}

func (s *RedisTokenStore) Revoke(ctx context.Context, id string) error {
	return revokeScript.Run(ctx, s.client, []string{recordKey(id)}).Err()
}

func (s *RedisTokenStore) RevokeActive(ctx context.Context, id string) (bool, error) {
	n, err := revokeActiveScript.Run(ctx, s.client,
		[]string{recordKey(id)}, millis(s.now())).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisTokenStore) Rotate(ctx context.Context, revokeID string, replacement *RefreshTokenRecord) (bool, error) {
	keys := []string{
		recordKey(revokeID),
		indexKey(replacement.PrincipalID),
		recordKey(replacement.ID),
	}
	n, err := rotateScript.Run(ctx, s.client, keys,
		millis(s.now()),
		replacement.ID,
		replacement.PrincipalID,
		replacement.TokenHash,
		millis(replacement.IssuedAt),
		millis(replacement.ExpiresAt),
		redisRecordPrefix,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisTokenStore) PurgeStale(ctx context.Context, principalID string) error {
	ids, err := s.client.SMembers(ctx, indexKey(principalID)).Result()
	if err != nil {
		return err
	}
	now := s.now()
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, recordKey(id)).Result()
		if err != nil {
			return err
		}
		stale := len(fields) == 0
		if !stale {
			rec, err := recordFromFields(id, principalID, fields)
			if err != nil {
				return err
			}
			stale = !rec.Active(now)
		}
		if stale {
			if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, recordKey(id))
				pipe.SRem(ctx, indexKey(principalID), id)
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
