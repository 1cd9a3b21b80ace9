package intake

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/puripat-lakornthai/line-bot-backend/internal/metrics"
	"github.com/puripat-lakornthai/line-bot-backend/internal/session"
)

// MediaKind classifies inbound media events.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
	KindFile  MediaKind = "file"
)

// ackCooldown caps "upload received" replies to one per media kind per
// user within this window.
const ackCooldown = 5 * time.Second

// maxMediaBytes is the per-kind download ceiling.
var maxMediaBytes = map[MediaKind]int64{
	KindImage: 1 << 20,
	KindVideo: 50 << 20,
	KindFile:  20 << 20,
}

const defaultMaxMediaBytes int64 = 10 << 20

// kindLabels maps media kinds to the Thai nouns used in chat replies.
var kindLabels = map[MediaKind]string{
	KindImage: "ภาพ",
	KindVideo: "วิดีโอ",
	KindFile:  "ไฟล์",
}

// ContentInfo describes a media payload before download.
type ContentInfo struct {
	Size     int64
	MIMEType string
}

// MediaOrigin fetches media payloads from the platform.
type MediaOrigin interface {
	Stat(ctx context.Context, messageID string) (ContentInfo, error)
	Open(ctx context.Context, messageID string) (io.ReadCloser, error)
}

// BlobStore holds media blobs: temporary files while the session is in
// flight, permanent objects once a ticket owns them.
type BlobStore interface {
	// CreateTemp opens a writable temp blob under the kind's
	// directory and returns its path.
	CreateTemp(kind, filename string) (io.WriteCloser, string, error)
	// Promote moves a temp blob to permanent storage keyed by ticket
	// id and returns the permanent object key.
	Promote(ctx context.Context, f session.PendingFile, ticketID int64) (string, error)
	// Remove deletes a temp blob.
	Remove(path string) error
}

// MediaMessage is an inbound media event.
type MediaMessage struct {
	UserID     string
	ReplyToken string
	MessageID  string
	Kind       MediaKind
	FileName   string
}

func limitFor(kind MediaKind) int64 {
	if l, ok := maxMediaBytes[kind]; ok {
		return l
	}
	return defaultMaxMediaBytes
}

func (k MediaKind) label() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return "ไฟล์"
}

// HandleMedia accepts an inbound media event. Only sessions waiting at
// the attachment step accept media; anything else is ignored. The
// acknowledgement is sent synchronously, then the download detaches so
// the webhook dispatcher can return to the platform immediately.
func (h *Handler) HandleMedia(ctx context.Context, m MediaMessage) error {
	sess, err := h.store.Get(ctx, m.UserID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Step != session.StepWaitImage {
		return nil
	}

	acked, err := h.ackOnCooldown(ctx, m.UserID, sess, m.Kind)
	if err != nil {
		return err
	}
	if acked {
		h.reply(ctx, m.ReplyToken, fmt.Sprintf("รับ%sแล้ว! กำลังบันทึก...", m.Kind.label()))
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.lg.Error().Interface("panic", r).Msg("media download panic")
			}
		}()
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		h.downloadMedia(dctx, m, sess, acked)
	}()
	return nil
}

// ackOnCooldown decides whether to send the "upload received" reply.
// The decision and its timestamp are persisted in one session write so
// rapid media events cannot each believe they are first.
func (h *Handler) ackOnCooldown(ctx context.Context, uid string, sess *session.Session, kind MediaKind) (bool, error) {
	now := h.now()
	if sess.Data.LastAckByKind == nil {
		sess.Data.LastAckByKind = make(map[string]int64)
	}
	last := sess.Data.LastAckByKind[string(kind)]
	if now.UnixMilli()-last < ackCooldown.Milliseconds() {
		return false, nil
	}
	sess.Data.LastAckByKind[string(kind)] = now.UnixMilli()
	if err := h.store.Set(ctx, uid, sess); err != nil {
		return false, err
	}
	return true, nil
}

// downloadMedia streams the payload to a temp file and appends its
// metadata to the session's pending list. All failures are converted to
// a user notification here; nothing escapes to the dispatcher.
func (h *Handler) downloadMedia(ctx context.Context, m MediaMessage, sess *session.Session, acked bool) {
	label := m.Kind.label()

	info, err := h.origin.Stat(ctx, m.MessageID)
	if err != nil {
		metrics.MediaDownloadsTotal.WithLabelValues("error").Inc()
		h.lg.Error().Err(err).Str("message_id", m.MessageID).Msg("media stat")
		h.push(ctx, m.UserID, fmt.Sprintf("❌ ไม่สามารถบันทึก%sได้ กรุณาลองใหม่", label))
		return
	}
	if limit := limitFor(m.Kind); info.Size > limit {
		metrics.MediaDownloadsTotal.WithLabelValues("too_large").Inc()
		h.push(ctx, m.UserID, fmt.Sprintf("❌ ไฟล์ของคุณมีขนาด %.1f MB เกิน %d MB\nกรุณาส่ง%sที่เล็กกว่านี้",
			float64(info.Size)/(1<<20), limit/(1<<20), label))
		return
	}

	name := tempFileName(sess.Data.TicketID, m.FileName, info.MIMEType, h.now())
	w, tmpPath, err := h.blobs.CreateTemp(string(m.Kind), name)
	if err != nil {
		metrics.MediaDownloadsTotal.WithLabelValues("error").Inc()
		h.lg.Error().Err(err).Msg("create temp blob")
		h.push(ctx, m.UserID, fmt.Sprintf("❌ ไม่สามารถบันทึก%sได้ กรุณาลองใหม่", label))
		return
	}
	rc, err := h.origin.Open(ctx, m.MessageID)
	if err == nil {
		_, err = io.Copy(w, rc)
		rc.Close()
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.MediaDownloadsTotal.WithLabelValues("error").Inc()
		_ = h.blobs.Remove(tmpPath)
		h.lg.Error().Err(err).Str("message_id", m.MessageID).Msg("media download")
		h.push(ctx, m.UserID, fmt.Sprintf("❌ ไม่สามารถบันทึก%sได้ กรุณาลองใหม่", label))
		return
	}

	meta := session.PendingFile{
		TempPath:     tmpPath,
		OriginalName: originalName(m.FileName, name),
		MIMEType:     info.MIMEType,
		Size:         info.Size,
		Kind:         string(m.Kind),
	}

	// The session may have moved on while we were streaming: cancelled,
	// finalized or lapsed back to idle. Appending then would leak the
	// file into a future ticket, so the download is discarded instead.
	latest, err := h.store.Get(ctx, m.UserID)
	if err != nil || latest == nil || latest.Cancelled || latest.Step != session.StepWaitImage {
		_ = h.blobs.Remove(tmpPath)
		if err != nil {
			h.lg.Error().Err(err).Msg("media session reload")
		}
		return
	}
	latest.Data.PendingFiles = append(latest.Data.PendingFiles, meta)
	if err := h.store.Set(ctx, m.UserID, latest); err != nil {
		_ = h.blobs.Remove(tmpPath)
		h.lg.Error().Err(err).Msg("media session persist")
		h.push(ctx, m.UserID, fmt.Sprintf("❌ ไม่สามารถบันทึก%sได้ กรุณาลองใหม่", label))
		return
	}
	metrics.MediaDownloadsTotal.WithLabelValues("ok").Inc()
	if acked {
		h.push(ctx, m.UserID, fmt.Sprintf("✅ บันทึก%sเรียบร้อยแล้ว!", label))
	}
}

// tempFileName builds a collision-resistant temp name: ticket id when
// already known, a sortable timestamp, a short random suffix and a
// resolvable extension.
func tempFileName(ticketID int64, fileName, mimeType string, now time.Time) string {
	ticket := "unknown"
	if ticketID > 0 {
		ticket = fmt.Sprintf("%d", ticketID)
	}
	ext := filepath.Ext(fileName)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".bin"
		}
	}
	suffix := strings.Split(uuid.New().String(), "-")[0]
	return fmt.Sprintf("ticket_%s_%s_%s%s", ticket, now.Format("20060102_150405"), suffix, ext)
}

func originalName(fileName, fallback string) string {
	if fileName != "" {
		return fileName
	}
	return fallback
}
