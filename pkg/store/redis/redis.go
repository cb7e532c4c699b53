package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidArgument = errors.New("redis: invalid argument")

type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration

	// SessionPrefix is prepended to session keys, e.g. "token:app:".
	SessionPrefix string
}

type Store struct {
	opt Options
	cli *redis.Client
}

func New(opt Options) (*Store, error) {
	if opt.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if opt.Timeout == 0 {
		opt.Timeout = 5 * time.Second
	}
	ro := &redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  opt.Timeout,
		ReadTimeout:  opt.Timeout,
		WriteTimeout: opt.Timeout,
	}
	if opt.PoolSize > 0 {
		ro.PoolSize = opt.PoolSize
	}
	return NewFromClient(redis.NewClient(ro), opt), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(cli *redis.Client, opt Options) *Store {
	return &Store{opt: opt, cli: cli}
}

func (s *Store) Client() *redis.Client { return s.cli }

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.cli.Ping(ctx).Err() }

/*
Keys:
  - im:lastseen:uid:{uid}
  - im:idem:{from_uid}:{client_msg_id}
  - {session_prefix}{token or jti}
*/
func (s *Store) lastSeenKey(uid int64) string {
	return fmt.Sprintf("im:lastseen:uid:%d", uid)
}
func (s *Store) idemKey(fromUID int64, clientMsgID string) string {
	return fmt.Sprintf("im:idem:%d:%s", fromUID, clientMsgID)
}

// SessionExists reports whether the login session behind a credential is
// still live: EXISTS prefix+key.
func (s *Store) SessionExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidArgument
	}
	n, err := s.cli.Exists(ctx, s.opt.SessionPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetLastSeen(ctx context.Context, uid int64, at time.Time, ttl time.Duration) error {
	if uid <= 0 {
		return ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return s.cli.Set(ctx, s.lastSeenKey(uid), at.UnixMilli(), ttl).Err()
}

// GetLastSeen returns the zero time when uid was never seen.
func (s *Store) GetLastSeen(ctx context.Context, uid int64) (time.Time, error) {
	v, err := s.cli.Get(ctx, s.lastSeenKey(uid)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: bad lastseen %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) GetIdem(ctx context.Context, fromUID int64, clientMsgID string) (int64, bool, error) {
	v, err := s.cli.Get(ctx, s.idemKey(fromUID, clientMsgID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *Store) SetIdem(ctx context.Context, fromUID int64, clientMsgID string, msgID int64, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		ttlSeconds = 7 * 24 * 3600
	}
	return s.cli.Set(ctx, s.idemKey(fromUID, clientMsgID), strconv.FormatInt(msgID, 10), time.Duration(ttlSeconds)*time.Second).Err()
}

// DelIdem forgets a clientId mapping, used when the message is retracted.
func (s *Store) DelIdem(ctx context.Context, fromUID int64, clientMsgID string) error {
	return s.cli.Del(ctx, s.idemKey(fromUID, clientMsgID)).Err()
}
