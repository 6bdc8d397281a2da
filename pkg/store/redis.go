package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

const redisKeyPrefix = "rulekernel:"

// RedisLockStore keeps each lock as a JSON string under
// rulekernel:lock:<tenant>:<id> and indexes a tenant's locks in the sorted
// set rulekernel:locks:<tenant>, scored by lock timestamp.
type RedisLockStore struct {
	client redis.UniversalClient
}

func NewRedisLockStore(client redis.UniversalClient) *RedisLockStore {
	return &RedisLockStore{client: client}
}

// NewRedisLockStoreAddr connects to a single Redis node.
func NewRedisLockStoreAddr(addr, password string, db int) *RedisLockStore {
	return NewRedisLockStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func (s *RedisLockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisLockStore) Close() error {
	return s.client.Close()
}

func lockKey(tenantID, lockID string) string {
	return redisKeyPrefix + "lock:" + tenantID + ":" + lockID
}

func lockIndexKey(tenantID string) string {
	return redisKeyPrefix + "locks:" + tenantID
}

// SaveLock writes the lock and its index entry in one MULTI/EXEC. The key is
// watched so a concurrent save of the same id aborts instead of overwriting.
func (s *RedisLockStore) SaveLock(ctx context.Context, lock *contracts.ComplianceLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	key := lockKey(lock.TenantID, lock.LockID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrLockExists, lock.LockID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, lockIndexKey(lock.TenantID), redis.Z{
				Score:  float64(lock.Timestamp.UnixMilli()),
				Member: lock.LockID,
			})
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil, errors.Is(err, ErrLockExists):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s", ErrLockExists, lock.LockID)
	default:
		return fmt.Errorf("redis lock store: save %s: %w", lock.LockID, err)
	}
}

func (s *RedisLockStore) GetLock(ctx context.Context, tenantID, lockID string) (*contracts.ComplianceLock, error) {
	data, err := s.client.Get(ctx, lockKey(tenantID, lockID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis lock store: %w", err)
	}
	return decodeLock(data)
}

func (s *RedisLockStore) ListLocks(ctx context.Context, tenantID string) ([]*contracts.ComplianceLock, error) {
	ids, err := s.client.ZRevRange(ctx, lockIndexKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock store: %w", err)
	}
	locks := []*contracts.ComplianceLock{}
	if len(ids) == 0 {
		return locks, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = lockKey(tenantID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock store: %w", err)
	}
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		l, err := decodeLock(data)
		if err != nil {
			return nil, err
		}
		if l.Status == contracts.LockActive {
			locks = append(locks, l)
		}
	}
	sortLocks(locks)
	return locks, nil
}

// Supersede rewrites the lock under WATCH so a concurrent writer aborts the
// transaction instead of being overwritten.
func (s *RedisLockStore) Supersede(ctx context.Context, tenantID, lockID string) error {
	key := lockKey(tenantID, lockID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
		}
		if err != nil {
			return err
		}
		lock, err := decodeLock(data)
		if err != nil {
			return err
		}
		if lock.Status != contracts.LockActive {
			return nil
		}
		lock.Status = contracts.LockSuperseded
		updated, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, ErrLockNotFound) {
		return fmt.Errorf("redis lock store: supersede %s: %w", lockID, err)
	}
	return err
}
