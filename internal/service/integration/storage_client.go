package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

const maxMediaBytes = 512 << 20

type MediaMetadata struct {
	FileName    string
	ContentType string
	OwnerID     string
}

// StorageClient resolves media references to bytes and stores uploads.
type StorageClient interface {
	FetchBytes(ctx context.Context, mediaRef string) ([]byte, string, error)
	PutBytes(ctx context.Context, data []byte, meta MediaMetadata) (string, error)
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Timeout   time.Duration
}

type minioStorageClient struct {
	client  *minio.Client
	bucket  string
	region  string
	timeout time.Duration
	logger  zerolog.Logger

	ensureMu      sync.Mutex
	bucketEnsured bool
}

func NewMinIOStorageClient(cfg StorageConfig, logger zerolog.Logger) (StorageClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &minioStorageClient{
		client:  client,
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		timeout: cfg.Timeout,
		logger:  logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := s.ensureBucket(ctx); err != nil {
		logger.Error().Err(err).
			Str("endpoint", cfg.Endpoint).
			Str("bucket", cfg.Bucket).
			Msg("MinIO not ready during startup; will retry on demand")
	}

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Bool("ssl", cfg.UseSSL).
		Msg("Connected to MinIO")

	return s, nil
}

func (s *minioStorageClient) ensureBucket(ctx context.Context) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.bucketEnsured {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("%w: create bucket: %w", ErrStorageUnavailable, err)
		}
		s.logger.Info().Str("bucket", s.bucket).Msg("Created new bucket")
	}

	s.bucketEnsured = true
	return nil
}

func (s *minioStorageClient) FetchBytes(ctx context.Context, mediaRef string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureBucket(ctx); err != nil {
		return nil, "", err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, mediaRef, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", s.classify(mediaRef, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", s.classify(mediaRef, err)
	}
	if info.Size > maxMediaBytes {
		return nil, "", fmt.Errorf("%w: media %s is %d bytes", ErrInvalidInput, mediaRef, info.Size)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", s.classify(mediaRef, err)
	}

	s.logger.Debug().
		Str("media_ref", mediaRef).
		Int64("size", info.Size).
		Msg("Media fetched from MinIO")

	return data, info.ContentType, nil
}

func (s *minioStorageClient) PutBytes(ctx context.Context, data []byte, meta MediaMetadata) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	mediaRef := NewMediaRef(meta)
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.PutObject(ctx, s.bucket, mediaRef, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"original-name": meta.FileName, "owner": meta.OwnerID},
	})
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %w", ErrStorageUnavailable, mediaRef, err)
	}

	s.logger.Debug().
		Str("media_ref", mediaRef).
		Str("etag", info.ETag).
		Int("size", len(data)).
		Msg("Media uploaded to MinIO")

	return mediaRef, nil
}

func (s *minioStorageClient) classify(mediaRef string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrMediaNotFound, mediaRef)
	}
	return fmt.Errorf("%w: fetch %s: %w", ErrStorageUnavailable, mediaRef, err)
}

// NewMediaRef builds an object key of the form media/<owner>/<uuid><ext>.
func NewMediaRef(meta MediaMetadata) string {
	owner := meta.OwnerID
	if owner == "" {
		owner = "anonymous"
	}
	ext := strings.ToLower(path.Ext(meta.FileName))
	return fmt.Sprintf("media/%s/%s%s", owner, uuid.New().String(), ext)
}

type storedMedia struct {
	data        []byte
	contentType string
}

// MemoryStorageClient keeps media in process memory.
type MemoryStorageClient struct {
	mu    sync.RWMutex
	media map[string]storedMedia
}

func NewMemoryStorageClient() *MemoryStorageClient {
	return &MemoryStorageClient{media: make(map[string]storedMedia)}
}

func (m *MemoryStorageClient) FetchBytes(_ context.Context, mediaRef string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.media[mediaRef]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrMediaNotFound, mediaRef)
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

func (m *MemoryStorageClient) PutBytes(_ context.Context, data []byte, meta MediaMetadata) (string, error) {
	mediaRef := NewMediaRef(meta)
	m.Store(mediaRef, data, meta.ContentType)
	return mediaRef, nil
}

// Store places data under a fixed media reference.
func (m *MemoryStorageClient) Store(mediaRef string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[mediaRef] = storedMedia{data: append([]byte(nil), data...), contentType: contentType}
}
