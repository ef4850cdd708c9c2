// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/book-expert/stream-worker/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerCacheControl = "Cache-Control"
	headerContentType  = "Content-Type"
)

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket string
	store  jetstream.ObjectStore
}

// New creates and initializes a new NatsObjectStore.
func New(ctx context.Context, js jetstream.JetStream, bucketName string) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Compression: false,
		Metadata:    nil,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = js.ObjectStore(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := n.store.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, core.ErrObjectNotFound)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return data, nil
}

// Put saves an object along with its content type and cache policy headers.
func (n *NatsObjectStore) Put(ctx context.Context, object core.Object) error {
	headers := nats.Header{}
	if object.ContentType != "" {
		headers.Set(headerContentType, object.ContentType)
	}

	if object.CacheControl != "" {
		headers.Set(headerCacheControl, object.CacheControl)
	}

	_, err := n.store.Put(ctx, jetstream.ObjectMeta{
		Name:        object.Key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(object.Data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", object.Key, n.bucket, err)
	}

	return nil
}

// Headers returns the stored HTTP metadata of an object.
func (n *NatsObjectStore) Headers(ctx context.Context, key string) (contentType, cacheControl string, err error) {
	info, err := n.store.GetInfo(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return "", "", fmt.Errorf("failed to stat object '%s': %w", key, core.ErrObjectNotFound)
		}

		return "", "", fmt.Errorf("failed to stat object '%s': %w", key, err)
	}

	return info.Headers.Get(headerContentType), info.Headers.Get(headerCacheControl), nil
}

// Exists reports whether a live object with the given key is stored.
func (n *NatsObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	info, err := n.store.GetInfo(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat object '%s' in bucket '%s': %w", key, n.bucket, err)
	}

	return !info.Deleted, nil
}

// List returns the sorted names of live objects that start with prefix.
func (n *NatsObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := n.store.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		names = append(names, info.Name)
	}

	sort.Strings(names)

	return names, nil
}
