// Package redisstore keeps short-lived auth state in Redis: emailed
// two-factor codes and the set of refresh token ids already exchanged.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gymdesk.org/internal/auth"
)

// Expired codes are kept this long past expiry so a late submission is
// reported as expired rather than missing.
const expiredRetention = time.Hour

var ErrBackend = errors.New("redis backend unavailable")

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return client, nil
}

type codeRecord struct {
	ID      string    `json:"id"`
	Email   string    `json:"email"`
	Code    string    `json:"code"`
	Expires time.Time `json:"expires"`
}

// TwoFactorTokens stores one code per email under prefix:2fa:<email>.
type TwoFactorTokens struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewTwoFactorTokens builds a store. An empty prefix defaults to "gymdesk".
func NewTwoFactorTokens(client redis.UniversalClient, prefix string) *TwoFactorTokens {
	if prefix == "" {
		prefix = "gymdesk"
	}
	return &TwoFactorTokens{redis: client, prefix: prefix, now: time.Now}
}

func (s *TwoFactorTokens) key(email string) string {
	return s.prefix + ":2fa:" + auth.NormalizeEmail(email)
}

// Replace overwrites the code for tok.Email. A single SET is atomic, so
// concurrent issues for one email leave exactly one code behind.
func (s *TwoFactorTokens) Replace(ctx context.Context, tok *auth.TwoFactorToken) error {
	encoded, err := json.Marshal(codeRecord{ID: tok.ID, Email: auth.NormalizeEmail(tok.Email), Code: tok.Code, Expires: tok.Expires.UTC()})
	if err != nil {
		return err
	}
	ttl := tok.Expires.Sub(s.now()) + expiredRetention
	if ttl <= 0 {
		ttl = expiredRetention
	}
	if err := s.redis.Set(ctx, s.key(tok.Email), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func (s *TwoFactorTokens) FindByEmail(ctx context.Context, email string) (*auth.TwoFactorToken, error) {
	data, err := s.redis.Get(ctx, s.key(email)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return decodeCode(data)
}

// Consume deletes the stored code only if it is still tok. The check and
// delete run inside WATCH/MULTI so two concurrent submissions of the same
// code cannot both succeed.
func (s *TwoFactorTokens) Consume(ctx context.Context, tok *auth.TwoFactorToken) (bool, error) {
	const maxRetries = 4
	key := s.key(tok.Email)

	for i := 0; i < maxRetries; i++ {
		var removed bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			cur, err := decodeCode(data)
			if err != nil {
				return err
			}
			if cur.ID != tok.ID {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err == nil {
				removed = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return removed, nil
	}
	return false, nil
}

// RecordFailure increments prefix:2fa:<email>:fail:<id>. The counter is
// keyed by code id, so a newly issued code starts from zero, and it expires
// together with the code record.
func (s *TwoFactorTokens) RecordFailure(ctx context.Context, tok *auth.TwoFactorToken) (int, error) {
	key := s.key(tok.Email) + ":fail:" + tok.ID
	ttl := tok.Expires.Sub(s.now()) + expiredRetention
	if ttl <= 0 {
		ttl = expiredRetention
	}
	var incr *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return int(incr.Val()), nil
}

func decodeCode(data []byte) (*auth.TwoFactorToken, error) {
	var rec codeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode two-factor record: %w", err)
	}
	return &auth.TwoFactorToken{ID: rec.ID, Email: rec.Email, Code: rec.Code, Expires: rec.Expires}, nil
}

// RefreshReuse records exchanged refresh token ids until they expire.
type RefreshReuse struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRefreshReuse builds a detector. An empty prefix defaults to "gymdesk".
func NewRefreshReuse(client redis.UniversalClient, prefix string) *RefreshReuse {
	if prefix == "" {
		prefix = "gymdesk"
	}
	return &RefreshReuse{redis: client, prefix: prefix, now: time.Now}
}

// MarkUsed sets prefix:refresh:<jti> with NX. It reports false when the key
// already existed.
func (r *RefreshReuse) MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if jti == "" {
		return false, auth.ErrTokenInvalid
	}
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := r.redis.SetNX(ctx, r.prefix+":refresh:"+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return ok, nil
}
