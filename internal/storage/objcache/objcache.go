// Package objcache is a cache.Backend on a MinIO bucket. Payloads are stored zstd
// compressed with their expiry in object metadata; expired objects read as missing.
package objcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/scriptlens/internal/cache"
	platformstore "github.com/animus-labs/scriptlens/internal/platform/objectstore"
)

const (
	metaStoredAt  = "Stored-At"
	metaExpiresAt = "Expires-At"
	contentType   = "application/zstd"
)

type Store struct {
	client  *minio.Client
	bucket  string
	now     func() time.Time
	open    atomic.Bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func New(cfg platformstore.Config) (*Store, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.BucketCache)
}

func NewWithClient(client *minio.Client, bucket string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	s := &Store{client: client, bucket: bucket, now: time.Now, encoder: encoder, decoder: decoder}
	s.open.Store(true)
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	if s == nil || s.client == nil {
		return cache.Entry{}, fmt.Errorf("minio cache not initialized")
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return cache.Entry{}, mapError(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return cache.Entry{}, mapError(err)
	}
	storedAt, expiresAt, err := parseTimes(info.UserMetadata)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("object %s: %w", key, err)
	}
	if !s.now().Before(expiresAt) {
		_ = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		return cache.Entry{}, cache.ErrNotFound
	}

	compressed, err := io.ReadAll(obj)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read object %s: %w", key, mapError(err))
	}
	payload, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("decompress object %s: %w", key, err)
	}
	return cache.Entry{Key: key, Payload: payload, StoredAt: storedAt, ExpiresAt: expiresAt}, nil
}

func (s *Store) SetEx(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio cache not initialized")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	now := s.now().UTC()
	body := s.encoder.EncodeAll(payload, nil)
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: formatTimes(now, now.Add(ttl)),
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), opts); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio cache not initialized")
	}
	var errs []error
	for _, key := range keys {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("remove object %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("minio cache not initialized")
	}
	keys := make([]string, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *Store) FlushAll(ctx context.Context) error {
	keys, err := s.Keys(ctx, "")
	if err != nil {
		return err
	}
	return s.Delete(ctx, keys...)
}

// IsOpen reports the outcome of the most recent Ping. A new store starts open.
func (s *Store) IsOpen() bool {
	return s != nil && s.client != nil && s.open.Load()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio cache not initialized")
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err == nil && !exists {
		err = fmt.Errorf("cache bucket missing: %s", s.bucket)
	}
	s.open.Store(err == nil)
	return err
}

func formatTimes(storedAt, expiresAt time.Time) map[string]string {
	return map[string]string{
		metaStoredAt:  storedAt.UTC().Format(time.RFC3339Nano),
		metaExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// parseTimes reads the timestamps written by formatTimes. MinIO hands user metadata
// back with canonicalised header names, so lookups ignore case.
func parseTimes(meta map[string]string) (time.Time, time.Time, error) {
	lookup := func(name string) (time.Time, error) {
		for k, v := range meta {
			if strings.EqualFold(k, name) {
				return time.Parse(time.RFC3339Nano, v)
			}
		}
		return time.Time{}, fmt.Errorf("metadata %s missing", name)
	}
	expiresAt, err := lookup(metaExpiresAt)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	storedAt, err := lookup(metaStoredAt)
	if err != nil {
		storedAt = time.Time{}
	}
	return storedAt, expiresAt, nil
}

func mapError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return cache.ErrNotFound
	}
	return err
}
