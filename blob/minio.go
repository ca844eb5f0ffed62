package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for a MinIO or S3-compatible
// endpoint.
type MinioConfig struct {
	// Endpoint is the server URL, e.g. "https://minio.internal:9000".
	// A bare host:port is accepted and treated as plain HTTP.
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// MinioStore implements ObjectStore over the minio-go SDK.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinioStore builds a client from config. It does not contact the
// server; call Ping to verify connectivity.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("blob: endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("blob: credentials are required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("blob: invalid endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = cfg.Endpoint
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: create client: %w", err)
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.ListBuckets(ctx)
	return err
}

func (s *MinioStore) EnsureContainer(ctx context.Context, container string) error {
	if container == "" {
		return errors.New("blob: container name is required")
	}
	exists, err := s.client.BucketExists(ctx, container)
	if err != nil {
		return fmt.Errorf("blob: check container %s: %w", container, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, container, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		return fmt.Errorf("blob: create container %s: %w", container, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, container, key string, data []byte) error {
	if container == "" || key == "" {
		return errors.New("blob: container and key are required")
	}
	_, err := s.client.PutObject(ctx, container, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("blob: put %s/%s: %w", container, key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, container, key string) ([]byte, error) {
	if container == "" || key == "" {
		return nil, errors.New("blob: container and key are required")
	}
	obj, err := s.client.GetObject(ctx, container, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinio(container, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateMinio(container, key, err)
	}
	return data, nil
}

func (s *MinioStore) ListPrefix(ctx context.Context, container, prefix string) ([]string, error) {
	if container == "" {
		return nil, errors.New("blob: container name is required")
	}
	var keys []string
	for obj := range s.client.ListObjects(ctx, container, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, translateMinio(container, prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// translateMinio maps missing-object responses to ErrNotFound so callers
// don't inspect SDK error codes.
func translateMinio(container, key string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s/%s", ErrNotFound, container, key)
		}
	}
	return fmt.Errorf("blob: %s/%s: %w", container, key, err)
}
