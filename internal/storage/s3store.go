package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // List, Head, Stat, Delete operations
	DefaultDataTimeout     = 60 * time.Second // Get, Put operations (data transfer)
)

// S3Config holds connection and timeout settings for S3/MinIO-backed storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// Prefix is prepended to every key (e.g. a "wdl/" or the configured
	// report_storage_prefix), so one bucket can host both WDL content and
	// report artifacts without collision.
	Prefix string

	// MetadataTimeout is the context timeout for metadata operations
	// (list, stat, delete). Defaults to 10s if zero.
	MetadataTimeout time.Duration

	// DataTimeout is the context timeout for data-transfer operations
	// (get, put). Defaults to 60s if zero.
	DataTimeout time.Duration
}

// S3Store implements ObjectStore using MinIO / S3-compatible storage — the
// backend selected when WDL_STORAGE_GS_PREFIX is set (spec.md §6: "for WDL
// locations beginning with gs:// ... and for report artifacts").
type S3Store struct {
	client          *minio.Client
	bucket          string
	prefix          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// NewS3Store creates an S3Store connected to the given endpoint.
// It auto-creates the bucket if it doesn't exist.
func NewS3Store(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Store, error) {
	return NewS3StoreFromConfig(ctx, S3Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
		UseSSL:    useSSL,
	})
}

// NewS3StoreFromConfig creates an S3Store with explicit timeout configuration.
// It configures the underlying HTTP transport with connection and TLS timeouts,
// and applies per-operation context timeouts to all S3 calls.
func NewS3StoreFromConfig(ctx context.Context, cfg S3Config) (*S3Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	// Custom transport with explicit dial and TLS timeouts.
	// ResponseHeaderTimeout is set to the metadata timeout — it bounds the
	// time waiting for the server to start replying, not the full download.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &S3Store{
		client:          client,
		bucket:          cfg.Bucket,
		prefix:          cfg.Prefix,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// withMetadataTimeout returns a child context with the metadata operation timeout.
func (s *S3Store) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metadataTimeout)
}

// withDataTimeout returns a child context with the data operation timeout.
func (s *S3Store) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dataTimeout)
}

// ensureBucket creates the bucket if it doesn't already exist.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// objectKey joins the configured prefix and key into an S3 object key.
func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}

// LocationFor returns the gs://-style location Put(key, ...) would produce.
func (s *S3Store) LocationFor(key string) string {
	return "gs://" + s.bucket + "/" + s.objectKey(key)
}

// locationKey extracts the object key from a location previously returned
// by LocationFor/Put. Accepts bare keys too, for callers that never went
// through LocationFor (e.g. pre-migration data).
func (s *S3Store) locationKey(location string) string {
	if rest, ok := strings.CutPrefix(location, "gs://"+s.bucket+"/"); ok {
		return rest
	}
	return location
}

// Put writes content under key and returns its gs://-style location.
func (s *S3Store) Put(ctx context.Context, key string, content []byte) (string, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	objKey := s.objectKey(key)
	reader := bytes.NewReader(content)
	contentType := detectContentType(objKey)

	_, err := s.client.PutObject(ctx, s.bucket, objKey, reader, int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objKey, err)
	}
	return s.LocationFor(key), nil
}

// Get reads the object at location.
func (s *S3Store) Get(ctx context.Context, location string) ([]byte, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	objKey := s.locationKey(location)
	obj, err := s.client.GetObject(ctx, s.bucket, objKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objKey, err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object %s: %w", objKey, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objKey, err)
	}
	return data, nil
}

// Exists reports whether an object is already stored at Put(key, ...)'s
// location, without reading its content.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", s.objectKey(key), err)
	}
	return true, nil
}
