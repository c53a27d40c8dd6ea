package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// S3Store is the S3-compatible RawStore backend (§6 store.backend "s3"),
// built on minio-go rather than a hand-rolled SigV4 client.
type S3Store struct {
	client     *minio.Client
	bucket     string
	prefix     string
	presignTTL time.Duration
}

type S3Options struct {
	Bucket     string
	Prefix     string
	PresignTTL time.Duration
}

func NewS3Store(client *minio.Client, opts S3Options) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrInvalid)
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("%w: bucket required", ErrInvalid)
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if prefix == "" {
		prefix = "xrayiot/raw"
	}
	ttl := opts.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Store{client: client, bucket: opts.Bucket, prefix: prefix, presignTTL: ttl}, nil
}

func (s *S3Store) objectKey(h Handle) string {
	hs := string(h)
	a, b := "00", "00"
	if len(hs) >= 2 {
		a = hs[:2]
	}
	if len(hs) >= 4 {
		b = hs[2:4]
	}
	return fmt.Sprintf("%s/%s/%s/%s.gz", s.prefix, a, b, hs)
}

func (s *S3Store) Put(ctx context.Context, raw []byte) (Handle, error) {
	compressed, hash, err := compress(raw)
	if err != nil {
		return "", err
	}
	key := s.objectKey(hash)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return hash, nil // already stored: dedup
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), minio.PutObjectOptions{
		ContentType: "application/gzip",
		UserMetadata: map[string]string{
			"x-original-size": fmt.Sprintf("%d", len(raw)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("rawstore: s3 put: %w", err)
	}
	return hash, nil
}

func (s *S3Store) OpenRead(ctx context.Context, h Handle) (io.ReadCloser, error) {
	if err := validateHandle(h); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(h), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("rawstore: s3 get: %w", err)
	}
	return newLazyGunzipReader(obj), nil
}

func (s *S3Store) Metadata(ctx context.Context, h Handle) (Metadata, error) {
	if err := validateHandle(h); err != nil {
		return Metadata{}, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, s.objectKey(h), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return Metadata{}, fmt.Errorf("rawstore: s3 stat: %w", err)
	}
	var originalSize int64
	_, _ = fmt.Sscanf(info.UserMetadata["X-Original-Size"], "%d", &originalSize)
	return Metadata{
		Hash:           h,
		OriginalSize:   originalSize,
		CompressedSize: info.Size,
		ContentType:    info.ContentType,
		UploadedAt:     info.LastModified.UTC(),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, h Handle) (bool, error) {
	if err := validateHandle(h); err != nil {
		return false, err
	}
	if _, err := s.Metadata(ctx, h); err != nil {
		if ErrorIsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(h), minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("rawstore: s3 delete: %w", err)
	}
	return true, nil
}

func (s *S3Store) Exists(ctx context.Context, h Handle) (bool, error) {
	_, err := s.Metadata(ctx, h)
	if err == nil {
		return true, nil
	}
	if ErrorIsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Stats scans the configured prefix. This is O(n) in object count; an
// acceptable cost for the reference raw-store backend, which is not on
// the hot path.
func (s *S3Store) Stats(ctx context.Context) (Stats, error) {
	var count, total int64
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if obj.Err != nil {
			return Stats{}, fmt.Errorf("rawstore: s3 list: %w", obj.Err)
		}
		count++
		total += obj.Size
	}
	var avg int64
	if count > 0 {
		avg = total / count
	}
	return Stats{TotalBlobs: count, TotalBytes: total, AvgBlobBytes: avg}, nil
}

// PresignGet returns a temporary download URL for the blob, honoring
// store.presignTtlSec (§6).
func (s *S3Store) PresignGet(ctx context.Context, h Handle) (string, error) {
	if err := validateHandle(h); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.objectKey(h), s.presignTTL, nil)
	if err != nil {
		return "", fmt.Errorf("rawstore: s3 presign: %w", err)
	}
	return u.String(), nil
}

func ErrorIsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrNotFound.Error())
}
