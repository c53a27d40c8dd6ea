// Package rawstore implements RawStore (§4.4): content-addressed blob
// persistence with gzip compression and sha256 dedup. Two backends are
// provided: Postgres (config value "postgres", the default, grounded in
// the teacher's database/sql object-store idiom) and an S3-compatible
// backend via minio-go (config value "s3").
package rawstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// Handle is the opaque, content-addressed reference returned by Put.
// It is the sha256 hex digest of the compressed bytes.
type Handle string

var (
	ErrNotFound = errors.New("rawstore: blob not found")
	ErrInvalid  = errors.New("rawstore: invalid input")
)

// Metadata describes a stored blob.
type Metadata struct {
	Hash           Handle    `json:"hash"`
	OriginalSize   int64     `json:"originalSize"`
	CompressedSize int64     `json:"compressedSize"`
	ContentType    string    `json:"contentType"`
	UploadedAt     time.Time `json:"uploadedAt"`
}

// Stats aggregates blob counts/sizes across the whole store.
type Stats struct {
	TotalBlobs   int64 `json:"totalBlobs"`
	TotalBytes   int64 `json:"totalBytes"`
	AvgBlobBytes int64 `json:"avgBlobBytes"`
}

// Store is the RawStore contract. Implementations must make Put
// idempotent under concurrent identical-content calls: the store, not
// the caller, is responsible for enforcing hash uniqueness (§4.4, P2).
type Store interface {
	Put(ctx context.Context, raw []byte) (Handle, error)
	OpenRead(ctx context.Context, h Handle) (io.ReadCloser, error)
	Metadata(ctx context.Context, h Handle) (Metadata, error)
	Delete(ctx context.Context, h Handle) (bool, error)
	Exists(ctx context.Context, h Handle) (bool, error)
	Stats(ctx context.Context) (Stats, error)
}

// compress gzips raw and returns the compressed bytes plus the sha256
// hex digest of the compressed result — the hash that identifies the
// blob, per the spec's rationale that hashing the compressed bytes
// avoids a separate normalization step on the store side.
func compress(raw []byte) (compressed []byte, hash Handle, err error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, "", fmt.Errorf("rawstore: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, "", fmt.Errorf("rawstore: gzip close: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), Handle(hex.EncodeToString(sum[:])), nil
}

// lazyGunzipReader defers gzip header parsing to the first Read call,
// so a malformed stored blob surfaces its error from the stream rather
// than from OpenRead itself (§4.4).
type lazyGunzipReader struct {
	src    io.ReadCloser
	gz     *gzip.Reader
	opened bool
}

func newLazyGunzipReader(src io.ReadCloser) io.ReadCloser {
	return &lazyGunzipReader{src: src}
}

func (r *lazyGunzipReader) Read(p []byte) (int, error) {
	if !r.opened {
		gz, err := gzip.NewReader(r.src)
		if err != nil {
			return 0, fmt.Errorf("rawstore: corrupt blob: %w", err)
		}
		r.gz = gz
		r.opened = true
	}
	return r.gz.Read(p)
}

func (r *lazyGunzipReader) Close() error {
	var err error
	if r.gz != nil {
		err = r.gz.Close()
	}
	if cerr := r.src.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func validateHandle(h Handle) error {
	if len(h) != 64 {
		return fmt.Errorf("%w: malformed handle", ErrInvalid)
	}
	for _, r := range string(h) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return fmt.Errorf("%w: malformed handle", ErrInvalid)
	}
	return nil
}
