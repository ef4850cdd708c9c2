// Package core defines the interfaces shared by the stream worker components.
package core

import (
	"context"
	"errors"
	"time"
)

// Storage errors shared by every backend.
var (
	// ErrObjectNotFound indicates that the requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrKeyNotFound indicates that the key does not exist or was deleted.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists indicates a create on a key that already holds a value.
	ErrKeyExists = errors.New("key already exists")
	// ErrRevisionMismatch indicates a conditional update lost a race.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Object is a stored artifact together with its HTTP metadata.
type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	CacheControl string
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, object Object) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Entry is a single revisioned KV value.
type Entry struct {
	Value    []byte
	Revision uint64
}

// KeyValue is a durable key-value store with compare-and-swap semantics.
type KeyValue interface {
	Get(ctx context.Context, key string) (Entry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Delete removes key only if its latest revision equals revision.
	Delete(ctx context.Context, key string, revision uint64) error
	Keys(ctx context.Context) ([]string, error)
}

// SynthesisRequest is the input to the speech engine.
type SynthesisRequest struct {
	Text     string
	VoiceID  string
	Language string
	Speed    float64
}

// Synthesizer turns text into raw 24kHz mono s16le PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// Delivery is one leased queue message.
type Delivery interface {
	Data() []byte
	Ack() error
	Nak(delay time.Duration) error
	Term() error
	InProgress() error
	NumDelivered() uint64
}

// JobSource is the bounded long-poll side of the work queue.
type JobSource interface {
	Fetch(ctx context.Context, maxMessages int, wait time.Duration) ([]Delivery, error)
	SetLeaseTimeout(ctx context.Context, timeout time.Duration) error
}

// Notifier publishes fire-and-forget notifications. *nats.Conn satisfies it.
type Notifier interface {
	Publish(subject string, data []byte) error
}
