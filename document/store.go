package document

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrStoreClosed     = errors.New("store is closed")
	ErrInvalidInput    = errors.New("invalid input")
	ErrVersionConflict = errors.New("version conflict")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// LockTimeout bounds how long the file store waits for a task lock
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	// AutoMigrate creates the SQL tables through gorm instead of golang-migrate
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:        StoreTypeMemory,
		BaseDir:     "./data/documents",
		LockTimeout: 5 * time.Second,
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "stageflow:",
		},
	}
}

// ListFilter narrows document listings.
type ListFilter struct {
	Status []Status
	Limit  int
	Offset int
}

// PayloadValidator checks a payload against the schema of the stage that
// produces the anchor. Returning an error turns the write into a
// VALIDATION_ERROR and leaves the section untouched.
type PayloadValidator interface {
	ValidatePayload(stage string, payload json.RawMessage) error
}

// Store owns every persisted document. Callers never hold a section across
// suspension points; every read returns a fresh copy.
type Store interface {
	// Create persists a new document with one placeholder section per anchor.
	Create(ctx context.Context, doc *Document) error

	// Get returns the document header.
	Get(ctx context.Context, taskID string) (*Document, error)

	// List returns document headers, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Document, error)

	// SetStatus updates the global document status.
	SetStatus(ctx context.Context, taskID string, status Status, reason string) error

	// Read returns one section without loading the rest of the document.
	Read(ctx context.Context, taskID, anchor string) (*Section, error)

	// ReadAll returns every section in anchor order.
	ReadAll(ctx context.Context, taskID string) ([]*Section, error)

	// Write replaces a section if its version still equals req.ExpectedVersion.
	Write(ctx context.Context, taskID string, req WriteRequest) (*WriteResult, error)

	// Audit returns audit records oldest first. An empty anchor returns all.
	Audit(ctx context.Context, taskID, anchor string) ([]*AuditRecord, error)

	// SaveRun upserts a stage run record.
	SaveRun(ctx context.Context, run *StageRun) error

	// ListRuns returns the runs of a task ordered by queue time.
	ListRuns(ctx context.Context, taskID string) ([]*StageRun, error)

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// Close closes the store and releases resources
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	validator PayloadValidator
	now       func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithValidator attaches a schema validator to the write path.
func WithValidator(v PayloadValidator) Option {
	return func(o *options) {
		o.validator = v
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
