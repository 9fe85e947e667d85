package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

var ErrKeyNotFound = errors.New("key not found")

// KvConfig configures a KvStore bucket.
type KvConfig struct {
	Connect  Connector
	Bucket   string
	MaxBytes int64
}

// KvStore is a typed JSON view over a JetStream key/value bucket.
type KvStore[T any] struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewKvStore[T any](cfg KvConfig) (*KvStore[T], error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 16 * 1024 * 1024
	}
	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	return &KvStore[T]{kv: kv, closeNc: closeNc}, nil
}

func newKvStoreFrom[T any](js jetstream.JetStream, bucket string) (*KvStore[T], error) {
	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	return &KvStore[T]{kv: kv}, nil
}

func (k *KvStore[T]) Set(ctx context.Context, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := k.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore[T]) Get(ctx context.Context, key string) (out T, err error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return out, ErrKeyNotFound
		}
		return out, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(v.Value(), &out); err != nil {
		return out, err
	}
	return out, nil
}

func (k *KvStore[T]) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// All returns every stored value keyed by key.
func (k *KvStore[T]) All(ctx context.Context) (map[string]T, error) {
	keys, err := k.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[string]T, len(keys))
	for _, key := range keys {
		v, err := k.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// Close releases the underlying connection when this store owns one.
func (k *KvStore[T]) Close() {
	if k.closeNc != nil {
		k.closeNc()
	}
}
