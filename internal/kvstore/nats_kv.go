// Package kvstore provides a NATS JetStream key-value implementation of core.KeyValue.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/stream-worker/internal/core"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultHistory = 1

// BucketConfig describes a KV bucket to create or bind.
type BucketConfig struct {
	Bucket      string
	Description string
	// TTL is the maximum age of any value. Zero keeps values forever.
	TTL time.Duration
}

// NatsKeyValue implements core.KeyValue on a JetStream KV bucket.
type NatsKeyValue struct {
	bucket string
	kv     jetstream.KeyValue
}

// New creates the bucket, or binds to it when it already exists.
func New(ctx context.Context, js jetstream.JetStream, cfg BucketConfig) (*NatsKeyValue, error) {
	description := cfg.Description
	if description == "" {
		description = fmt.Sprintf("Storage for the %s bucket.", cfg.Bucket)
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  description,
		MaxValueSize: 0,
		History:      defaultHistory,
		TTL:          cfg.TTL,
		MaxBytes:     0,
		Storage:      jetstream.FileStorage,
		Replicas:     1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create kv bucket '%s': %w", cfg.Bucket, err)
		}

		kv, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing kv bucket '%s': %w", cfg.Bucket, err)
		}
	}

	return &NatsKeyValue{bucket: cfg.Bucket, kv: kv}, nil
}

// Get returns the latest value and its revision.
func (n *NatsKeyValue) Get(ctx context.Context, key string) (core.Entry, error) {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return core.Entry{}, fmt.Errorf("failed to get key '%s' from bucket '%s': %w", key, n.bucket, core.ErrKeyNotFound)
		}

		return core.Entry{}, fmt.Errorf("failed to get key '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return core.Entry{Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Create stores value only if key holds no live value.
func (n *NatsKeyValue) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	revision, err := n.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("failed to create key '%s': %w", key, core.ErrKeyExists)
		}

		return 0, fmt.Errorf("failed to create key '%s' in bucket '%s': %w", key, n.bucket, err)
	}

	return revision, nil
}

// Update stores value only if the latest revision of key equals revision.
func (n *NatsKeyValue) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	newRevision, err := n.kv.Update(ctx, key, value, revision)
	if err != nil {
		// A wrong last sequence carries the same API error code as ErrKeyExists.
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("failed to update key '%s' at revision %d: %w", key, revision, core.ErrRevisionMismatch)
		}

		return 0, fmt.Errorf("failed to update key '%s' in bucket '%s': %w", key, n.bucket, err)
	}

	return newRevision, nil
}

// Put stores value unconditionally.
func (n *NatsKeyValue) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	revision, err := n.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to put key '%s' in bucket '%s': %w", key, n.bucket, err)
	}

	return revision, nil
}

// Delete removes key if its latest revision equals revision.
func (n *NatsKeyValue) Delete(ctx context.Context, key string, revision uint64) error {
	err := n.kv.Delete(ctx, key, jetstream.LastRevision(revision))
	if err == nil {
		return nil
	}

	// Same error code as in Update.
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("failed to delete key '%s' at revision %d: %w", key, revision, core.ErrRevisionMismatch)
	}

	return fmt.Errorf("failed to delete key '%s' from bucket '%s': %w", key, n.bucket, err)
}

// Keys lists the live keys of the bucket in sorted order.
func (n *NatsKeyValue) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to list keys of bucket '%s': %w", n.bucket, err)
	}

	sort.Strings(keys)

	return keys, nil
}
