package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/relay/internal/types"
)

// ErrNoBackup is returned by Load when no backup exists yet.
var ErrNoBackup = errors.New("no queue backup present")

// Backup is the secondary durable channel mirroring the mutation queue.
// Clearing the primary store (e.g. the user wipes app data) must not lose
// unsynced work; Restore replays this mirror back into the primary queue.
type Backup interface {
	// Save replaces the mirror with the full current queue state.
	Save(ctx context.Context, mutations []types.Mutation) error

	// Load returns the mirrored queue state, or ErrNoBackup.
	Load(ctx context.Context) ([]types.Mutation, error)
}

// FileBackup mirrors the queue to a JSON file outside the primary database
// directory. Writes go through a temp file and rename so a crash mid-write
// never corrupts the mirror.
type FileBackup struct {
	path string
}

// NewFileBackup creates a file-backed mirror at path.
func NewFileBackup(path string) (*FileBackup, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create backup directory: %w", err)
		}
	}
	return &FileBackup{path: path}, nil
}

func (b *FileBackup) Save(ctx context.Context, mutations []types.Mutation) error {
	data, err := json.Marshal(mutations)
	if err != nil {
		return fmt.Errorf("marshal queue backup: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write queue backup: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("commit queue backup: %w", err)
	}
	return nil
}

func (b *FileBackup) Load(ctx context.Context) ([]types.Mutation, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBackup
		}
		return nil, fmt.Errorf("read queue backup: %w", err)
	}

	var mutations []types.Mutation
	if err := json.Unmarshal(data, &mutations); err != nil {
		return nil, fmt.Errorf("parse queue backup: %w", err)
	}
	return mutations, nil
}

// objectClient defines the minimal minio.Client operations used by
// S3Backup. This interface enables testing with mock implementations.
type objectClient interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64) error
	GetObject(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the objectClient
// interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (w *minioClientWrapper) GetObject(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	obj, err := w.client.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// S3Backup mirrors the queue to S3-compatible object storage, keyed by the
// device's source ID.
type S3Backup struct {
	client   objectClient
	bucket   string
	sourceID string
}

// S3Config configures the object-store mirror. An empty bucket disables it.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewS3Backup creates an object-store mirror for the given device.
func NewS3Backup(cfg S3Config, sourceID string) (*S3Backup, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &S3Backup{
		client:   &minioClientWrapper{client: client},
		bucket:   cfg.Bucket,
		sourceID: sourceID,
	}, nil
}

// objectKey returns the object key for a device's queue mirror.
// Convention: {source_id}/queue/current.json
func (b *S3Backup) objectKey() string {
	return b.sourceID + "/queue/current.json"
}

func (b *S3Backup) Save(ctx context.Context, mutations []types.Mutation) error {
	data, err := json.Marshal(mutations)
	if err != nil {
		return fmt.Errorf("marshal queue backup: %w", err)
	}
	if err := b.client.PutObject(ctx, b.bucket, b.objectKey(), bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("upload queue backup: %w", err)
	}
	return nil
}

func (b *S3Backup) Load(ctx context.Context) ([]types.Mutation, error) {
	reader, err := b.client.GetObject(ctx, b.bucket, b.objectKey())
	if err != nil {
		return nil, fmt.Errorf("download queue backup: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read queue backup: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoBackup
	}

	var mutations []types.Mutation
	if err := json.Unmarshal(data, &mutations); err != nil {
		return nil, fmt.Errorf("parse queue backup: %w", err)
	}
	return mutations, nil
}

// NoopBackup is used when no backup channel is configured.
type NoopBackup struct{}

func (*NoopBackup) Save(ctx context.Context, mutations []types.Mutation) error { return nil }

func (*NoopBackup) Load(ctx context.Context) ([]types.Mutation, error) { return nil, ErrNoBackup }
