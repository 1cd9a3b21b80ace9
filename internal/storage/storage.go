// Package storage keeps attachment blobs: temp files on local disk
// while an intake session is in flight, and permanent objects in the
// object store once a ticket owns them.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/puripat-lakornthai/line-bot-backend/internal/session"
)

// ObjectStore is the subset of the MinIO client we use.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Store implements the intake flow's blob contract.
type Store struct {
	TempDir string
	Objects ObjectStore
	Bucket  string
}

// New returns a Store rooted at tempDir for in-flight files.
func New(tempDir string, objects ObjectStore, bucket string) *Store {
	return &Store{TempDir: tempDir, Objects: objects, Bucket: bucket}
}

// CreateTemp opens a writable temp file under the kind's subdirectory
// and returns its absolute path.
func (s *Store) CreateTemp(kind, filename string) (io.WriteCloser, string, error) {
	if kind == "" {
		kind = "others"
	}
	dir := filepath.Join(s.TempDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, filepath.Base(filename))
	f, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// ObjectKey is the permanent key for a promoted attachment.
func ObjectKey(ticketID int64, kind, filename string) string {
	if kind == "" {
		kind = "others"
	}
	return fmt.Sprintf("tickets/%d/%s/%s", ticketID, kind, filepath.Base(filename))
}

// Promote uploads a temp blob to permanent storage keyed by ticket id
// and removes the temp file. Returns the permanent object key.
func (s *Store) Promote(ctx context.Context, f session.PendingFile, ticketID int64) (string, error) {
	src, err := os.Open(f.TempPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return "", err
	}
	key := ObjectKey(ticketID, f.Kind, f.TempPath)
	opts := minio.PutObjectOptions{ContentType: f.MIMEType}
	if _, err := s.Objects.PutObject(ctx, s.Bucket, key, src, fi.Size(), opts); err != nil {
		return "", err
	}
	if err := os.Remove(f.TempPath); err != nil && !os.IsNotExist(err) {
		return key, err
	}
	return key, nil
}

// Remove deletes a temp blob; a missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveObject deletes one permanent object by key.
func (s *Store) RemoveObject(ctx context.Context, key string) error {
	return s.Objects.RemoveObject(ctx, s.Bucket, key, minio.RemoveObjectOptions{})
}

// SweepTemp deletes temp files older than maxAge. Wired to a cron
// schedule so abandoned downloads do not accumulate.
func (s *Store) SweepTemp(maxAge time.Duration) (removed int, err error) {
	now := time.Now()
	entries, err := os.ReadDir(s.TempDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		sub := filepath.Join(s.TempDir, dir.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > maxAge {
				if os.Remove(filepath.Join(sub, f.Name())) == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}
