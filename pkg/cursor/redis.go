package cursor

import (
	"github.com/go-redis/redis"
)

// DefaultRedisPrefix is the default prefix of the keys written by RedisStore.
const DefaultRedisPrefix = "harvestd:cursor"

// RedisStore emulates extended attributes with one Redis string per cursor, keyed
// <prefix>:<path>\x00<attr>.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a RedisStore using client.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (rs *RedisStore) key(path, attr string) string {
	return rs.prefix + ":" + emulationKey(path, attr)
}

func (rs *RedisStore) Get(path, attr string) ([]byte, error) {
	value, err := rs.client.Get(rs.key(path, attr)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return value, err
}

func (rs *RedisStore) Set(path, attr string, value []byte) error {
	return rs.client.Set(rs.key(path, attr), value, 0).Err()
}
