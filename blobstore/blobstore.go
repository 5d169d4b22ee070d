// Package blobstore stores the binary artifacts produced by ingestion —
// the raw uploaded file, rendered page images, and per-page OCR
// payloads — content-addressed in MinIO/S3, separately from the
// relational metadata that references them by key.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned by any operation when the store was
// built from an environment with no MinIO credentials set.
var ErrNotConfigured = errors.New("blobstore: object storage not configured")

// Store puts and gets content-addressed document artifacts.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewFromEnv initializes Store using BLOB_* environment variables,
// falling back to the shared MINIO_* settings when BLOB_* is unset so a
// deployment with only one MinIO endpoint doesn't need to duplicate
// credentials across env vars.
func NewFromEnv() (*Store, error) {
	endpoint := firstNonEmpty(os.Getenv("BLOB_MINIO_ENDPOINT"), os.Getenv("MINIO_ENDPOINT"))
	accessKey := firstNonEmpty(os.Getenv("BLOB_MINIO_ACCESS_KEY"), os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := firstNonEmpty(os.Getenv("BLOB_MINIO_SECRET_KEY"), os.Getenv("MINIO_SECRET_KEY"))
	bucket := firstNonEmpty(os.Getenv("BLOB_MINIO_BUCKET"), "documents")
	if endpoint == "" || accessKey == "" || secretKey == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(firstNonEmpty(os.Getenv("BLOB_MINIO_USE_SSL"), os.Getenv("MINIO_USE_SSL"))), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blobstore: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(firstNonEmpty(os.Getenv("BLOB_MINIO_PUBLIC_URL"), os.Getenv("MINIO_PUBLIC_URL")))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &Store{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Checksum returns the hex-encoded SHA-256 of data, the identity used
// both as the content-address key component and as the dedup check
// before re-ingesting an identical upload.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RawDocumentKey is the object key for the original uploaded file.
func RawDocumentKey(checksum string) string {
	return fmt.Sprintf("docs/%s/raw", checksum)
}

// PageImageKey is the object key for a rendered page image.
func PageImageKey(versionID uint64, pageNumber int) string {
	return fmt.Sprintf("pages/%d/%d/image.png", versionID, pageNumber)
}

// PageOCRKey is the object key for a page's OCR JSON payload.
func PageOCRKey(versionID uint64, pageNumber int) string {
	return fmt.Sprintf("pages/%d/%d/ocr.json", versionID, pageNumber)
}

// Put uploads data under key with the given content type, overwriting
// any existing object — content-addressed keys make this idempotent,
// since two uploads that hash identically are byte-identical.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s == nil || s.client == nil {
		return ErrNotConfigured
	}
	uploadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", key, err)
	}
	return nil
}

// Get downloads the object at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	getCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	obj, err := s.client.GetObject(getCtx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether an object already lives at key, used to skip
// re-uploading a raw document whose checksum already has a blob.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrNotConfigured
	}
	statCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.StatObject(statCtx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	return true, nil
}

// Delete removes the object at key. Deleting a missing key is not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return ErrNotConfigured
	}
	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.RemoveObject(removeCtx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix — used when a whole
// version is hard-deleted, to drop its page images and OCR payloads
// (everything under pages/{version_id}/) in one call.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if s == nil || s.client == nil {
		return ErrNotConfigured
	}
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	objectCh := s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	errCh := s.client.RemoveObjects(ctx, s.bucket, objectCh, minio.RemoveObjectsOptions{})
	for result := range errCh {
		if result.Err != nil {
			return fmt.Errorf("blobstore: delete prefix %s: %w", prefix, result.Err)
		}
	}
	return nil
}

// ListKeys returns every object key under prefix, used by the orphan
// cleanup tool to find blobs with no referencing metadata row. Recursive
// so page-image and OCR-payload keys nested under a document's prefix
// are all visited.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var keys []string
	for object := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("blobstore: list keys under %s: %w", prefix, object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// PresignedURL returns a temporary, publicly fetchable URL for key —
// used to hand a VLM backend (which only accepts URLs, not raw bytes) a
// reachable page image, and to serve original-file downloads without
// proxying bytes through the API process.
func (s *Store) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrNotConfigured
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url, err := s.client.PresignedGetObject(presignCtx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("blobstore: presign %s: %w", key, err)
	}
	return url.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
