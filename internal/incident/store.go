// Package incident records transfers that need an operator: funds burned but not deliverable, or
// a transaction whose broadcast status is unknown. Reports are JSON objects in S3, or in memory
// for local runs.
package incident

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	maxReportBytes int64 = 4 << 20
)

var (
	ErrInvalidConfig = errors.New("incident: invalid config")
	ErrNotFound      = errors.New("incident: not found")
)

// Store is the object storage behind the reporter.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3Client is the subset of *s3.Client the store uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type StoreConfig struct {
	Driver string
	Prefix string
	Bucket string
	Client S3Client
}

func NewStore(cfg StoreConfig) (Store, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return &MemoryStore{prefix: prefix, objects: make(map[string][]byte)}, nil
	case DriverS3, "":
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Store{client: cfg.Client, bucket: bucket, prefix: prefix}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func join(prefix, key string) string {
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type MemoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func (m *MemoryStore) Put(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[join(m.prefix, key)] = append([]byte(nil), body...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[join(m.prefix, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), b...), nil
}

// Keys lists stored object keys, prefix included.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

type s3Store struct {
	client S3Client
	bucket string
	prefix string
}

func (s *s3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(join(s.prefix, key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("incident/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(join(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("incident/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxReportBytes+1))
	if err != nil {
		return nil, fmt.Errorf("incident/s3: read %q: %w", key, err)
	}
	if int64(len(b)) > maxReportBytes {
		return nil, fmt.Errorf("incident/s3: %q exceeds %d bytes", key, maxReportBytes)
	}
	return b, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	}
	return false
}
