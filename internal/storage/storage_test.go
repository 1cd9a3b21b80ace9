package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/puripat-lakornthai/line-bot-backend/internal/session"
)

type putCall struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
	Body        []byte
}

type memObjects struct {
	puts    []putCall
	removed []string
	putErr  error
}

func (m *memObjects) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if m.putErr != nil {
		return minio.UploadInfo{}, m.putErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return minio.UploadInfo{}, err
	}
	m.puts = append(m.puts, putCall{Bucket: bucket, Key: key, Size: size, ContentType: opts.ContentType, Body: buf.Bytes()})
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (m *memObjects) RemoveObject(_ context.Context, _, key string, _ minio.RemoveObjectOptions) error {
	m.removed = append(m.removed, key)
	return nil
}

func TestCreateTempAndPromote(t *testing.T) {
	objects := &memObjects{}
	st := New(t.TempDir(), objects, "attachments")

	w, path, err := st.CreateTemp("image", "ticket_unknown_x.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	key, err := st.Promote(context.Background(), session.PendingFile{
		TempPath: path, MIMEType: "image/jpeg", Kind: "image",
	}, 42)
	if err != nil {
		t.Fatal(err)
	}
	if want := "tickets/42/image/ticket_unknown_x.jpg"; key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
	if len(objects.puts) != 1 {
		t.Fatalf("puts = %d", len(objects.puts))
	}
	put := objects.puts[0]
	if put.Bucket != "attachments" || put.ContentType != "image/jpeg" || string(put.Body) != "payload" {
		t.Fatalf("unexpected upload: %+v", put)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("temp file should be gone after promotion")
	}
}

func TestRemoveTolerantOfMissing(t *testing.T) {
	st := New(t.TempDir(), &memObjects{}, "attachments")
	if err := st.Remove(""); err != nil {
		t.Fatal(err)
	}
	if err := st.Remove(filepath.Join(st.TempDir, "never-existed")); err != nil {
		t.Fatal(err)
	}
}

func TestObjectKeyDefaultsKind(t *testing.T) {
	if got := ObjectKey(7, "", "/tmp/others/a.bin"); got != "tickets/7/others/a.bin" {
		t.Fatalf("got %q", got)
	}
}

func TestSweepTemp(t *testing.T) {
	st := New(t.TempDir(), &memObjects{}, "attachments")

	w, old, err := st.CreateTemp("image", "old.jpg")
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	w, fresh, err := st.CreateTemp("image", "fresh.jpg")
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := st.SweepTemp(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("old temp should be swept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh temp should survive")
	}
}

func TestSweepTempMissingDir(t *testing.T) {
	st := New(filepath.Join(t.TempDir(), "nope"), &memObjects{}, "attachments")
	if n, err := st.SweepTemp(time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir: n=%d err=%v", n, err)
	}
}
