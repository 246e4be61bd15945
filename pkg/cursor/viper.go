package cursor

import (
	"fmt"

	"github.com/go-redis/redis"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	paramStore         = "store"
	paramFilePath      = "file-path"
	paramRedisAddress  = "redis-address"
	paramRedisPassword = "redis-password"
	paramRedisDB       = "redis-db"
	paramRedisPrefix   = "redis-prefix"

	// StoreXattr selects extended attributes, falling back to an emulation store when one is configured.
	StoreXattr = "xattr"
	// StoreFile selects the FileStore emulation.
	StoreFile = "file"
	// StoreRedis selects the RedisStore emulation.
	StoreRedis = "redis"

	defaultStore = StoreXattr
)

// ClosableStore is a Store which may hold resources that must be released.
type ClosableStore interface {
	Store
	Close() error
}

type closableStore struct {
	Store
	closers []func() error
}

func (cs closableStore) Close() error {
	var err error
	for _, c := range cs.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// NewStoreFromViper creates the Store described by v.
func NewStoreFromViper(v *viper.Viper) (ClosableStore, error) {
	v.SetDefault(paramStore, defaultStore)
	store := v.GetString(paramStore)
	filePath := v.GetString(paramFilePath)
	redisAddress := v.GetString(paramRedisAddress)

	switch store {
	case StoreXattr:
		switch {
		case filePath != "":
			fs, err := NewFileStore(filePath)
			if err != nil {
				return nil, err
			}
			return closableStore{Store: &FallbackStore{Primary: XattrStore{}, Fallback: fs}}, nil
		case redisAddress != "":
			rs, closer := newRedisStoreFromViper(v)
			return closableStore{Store: &FallbackStore{Primary: XattrStore{}, Fallback: rs}, closers: []func() error{closer}}, nil
		default:
			return closableStore{Store: XattrStore{}}, nil
		}
	case StoreFile:
		if filePath == "" {
			return nil, fmt.Errorf("%s %q requires %s", paramStore, store, paramFilePath)
		}
		fs, err := NewFileStore(filePath)
		if err != nil {
			return nil, err
		}
		return closableStore{Store: fs}, nil
	case StoreRedis:
		if redisAddress == "" {
			return nil, fmt.Errorf("%s %q requires %s", paramStore, store, paramRedisAddress)
		}
		rs, closer := newRedisStoreFromViper(v)
		return closableStore{Store: rs, closers: []func() error{closer}}, nil
	default:
		return nil, fmt.Errorf("%s (%s) not one of %s, %s, or %s", paramStore, store, StoreXattr, StoreFile, StoreRedis)
	}
}

func newRedisStoreFromViper(v *viper.Viper) (*RedisStore, func() error) {
	client := redis.NewClient(&redis.Options{
		Addr:     v.GetString(paramRedisAddress),
		Password: v.GetString(paramRedisPassword),
		DB:       v.GetInt(paramRedisDB),
	})
	return NewRedisStore(client, v.GetString(paramRedisPrefix)), client.Close
}
