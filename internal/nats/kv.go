package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/docsmith/chat-engine/internal/store"
)

// KVBucket adapts a JetStream key-value bucket to the store.KV interface.
type KVBucket struct {
	kv jetstream.KeyValue
}

// EnsureKV opens the named bucket, creating it if missing.
func (c *Client) EnsureKV(ctx context.Context, bucket string) (*KVBucket, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Chat sessions and the current-session pointer",
			History:     1,
			TTL:         0,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", bucket, err)
	}
	return &KVBucket{kv: kv}, nil
}

// Get returns the value for key, mapping missing keys to store.ErrKeyNotFound.
func (b *KVBucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, store.ErrKeyNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

// Put stores value under key.
func (b *KVBucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

// Delete removes key. Missing keys are not an error.
func (b *KVBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Keys lists all keys in the bucket. An empty bucket yields an empty slice.
func (b *KVBucket) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys, err := b.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}
