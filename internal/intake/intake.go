// Package intake implements the conversational ticket-intake flow for
// LINE users: a per-user session state machine that walks the user
// through name, phone, problem detail, priority and attachments, then
// materializes a ticket. Inbound events for the same user may run
// concurrently; coordination is read-modify-write on the session store
// plus idempotent finalization, not locks.
package intake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/puripat-lakornthai/line-bot-backend/internal/metrics"
	"github.com/puripat-lakornthai/line-bot-backend/internal/session"
)

// Keywords recognized by the flow.
const (
	KeywordStart   = "แจ้งปัญหา"
	KeywordMyWork  = "ดูปัญหาของฉัน"
	KeywordCancel  = "ยกเลิก"
	KeywordDone    = "เสร็จแล้ว"
	KeywordNoFiles = "ไม่มี"
)

const maxRetries = 5

// statusLabels maps ticket statuses to the Thai labels shown in chat.
var statusLabels = map[string]string{
	"new":         "ใหม่",
	"assigned":    "มอบหมายแล้ว",
	"in_progress": "กำลังดำเนินการ",
	"pending":     "รอข้อมูลเพิ่มเติม",
	"resolved":    "แก้ไขแล้ว",
	"closed":      "ปิดงานแล้ว",
}

// UserDirectory resolves a LINE user id to a local user id, creating
// the user on first contact. Must be idempotent.
type UserDirectory interface {
	ResolveOrCreate(ctx context.Context, lineUserID string) (int64, error)
}

// NewTicket carries the fields accumulated by the flow.
type NewTicket struct {
	Title          string
	Description    string
	RequesterName  string
	RequesterPhone string
	LineUserID     string
	RequesterID    int64
	Priority       int
	Status         string
}

// Attachment is the committed form of a pending file.
type Attachment struct {
	FileName  string
	ObjectKey string
	MIMEType  string
	Size      int64
}

// TicketSummary is one line of the "my tickets" listing.
type TicketSummary struct {
	ID     int64
	Title  string
	Status string
}

// TicketRepository owns the ticket entity.
type TicketRepository interface {
	Create(ctx context.Context, t NewTicket) (int64, error)
	AddAttachment(ctx context.Context, ticketID int64, att Attachment, uploaderID int64) error
	ListByLineUser(ctx context.Context, lineUserID string) ([]TicketSummary, error)
}

// Messenger sends chat messages. Reply is tied to the triggering
// event's reply token; Push is out-of-band.
type Messenger interface {
	Reply(ctx context.Context, replyToken, text string) error
	Push(ctx context.Context, to, text string) error
}

// Scheduler arms and disarms the per-user expiry timer.
type Scheduler interface {
	Arm(lineUserID string)
	Disarm(lineUserID string)
}

// TextMessage is an inbound text event, already unwrapped from the
// platform payload.
type TextMessage struct {
	UserID     string
	ReplyToken string
	Text       string
}

// Handler drives the intake flow.
type Handler struct {
	store   session.Store
	users   UserDirectory
	tickets TicketRepository
	msg     Messenger
	origin  MediaOrigin
	blobs   BlobStore
	sched   Scheduler
	lg      zerolog.Logger
	now     func() time.Time

	// wg tracks detached media downloads so shutdown and tests can
	// wait for them.
	wg sync.WaitGroup
}

// New wires an intake handler.
func New(store session.Store, users UserDirectory, tickets TicketRepository, msg Messenger, origin MediaOrigin, blobs BlobStore, sched Scheduler, lg zerolog.Logger) *Handler {
	return &Handler{
		store:   store,
		users:   users,
		tickets: tickets,
		msg:     msg,
		origin:  origin,
		blobs:   blobs,
		sched:   sched,
		lg:      lg,
		now:     time.Now,
	}
}

// Wait blocks until all detached media downloads have settled.
func (h *Handler) Wait() { h.wg.Wait() }

// reply sends a reply and swallows delivery failures; the state change
// it describes has already been committed.
func (h *Handler) reply(ctx context.Context, token, text string) {
	if err := h.msg.Reply(ctx, token, text); err != nil {
		h.lg.Error().Err(err).Msg("line reply failed")
	}
}

func (h *Handler) push(ctx context.Context, to, text string) {
	if err := h.msg.Push(ctx, to, text); err != nil {
		h.lg.Error().Err(err).Msg("line push failed")
	}
}

// HandleText consumes one inbound text event.
func (h *Handler) HandleText(ctx context.Context, m TextMessage) error {
	uid := m.UserID
	text := strings.TrimSpace(m.Text)
	lower := strings.ToLower(text)

	if _, err := h.users.ResolveOrCreate(ctx, uid); err != nil {
		return err
	}

	// Ticket listing works at any step and touches no session state.
	if lower == KeywordMyWork {
		return h.listTickets(ctx, uid, m.ReplyToken)
	}

	sess, err := h.store.Get(ctx, uid)
	if err != nil {
		return err
	}
	// Refresh the TTL; a session past its absolute deadline reads as
	// absent even if the row survived expiry-on-read.
	if sess != nil {
		if sess.Expired(h.now()) {
			sess = nil
		} else {
			sess.Touch(h.now())
			if err := h.store.Set(ctx, uid, sess); err != nil {
				return err
			}
		}
	}

	if lower == KeywordCancel {
		return h.cancel(ctx, uid, m.ReplyToken, sess)
	}

	// Absent or expired session re-seeds to idle silently.
	if sess == nil {
		sess = &session.Session{Step: session.StepIdle}
		sess.Touch(h.now())
		if err := h.store.Set(ctx, uid, sess); err != nil {
			return err
		}
	}

	switch sess.Step {
	case session.StepIdle:
		return h.stepIdle(ctx, uid, m.ReplyToken, lower, sess)
	case session.StepAskName:
		return h.stepAskName(ctx, uid, m.ReplyToken, text, sess)
	case session.StepAskPhone:
		return h.stepAskPhone(ctx, uid, m.ReplyToken, text, sess)
	case session.StepAskDetail:
		return h.stepAskDetail(ctx, uid, m.ReplyToken, text, sess)
	case session.StepAskPriority:
		return h.stepAskPriority(ctx, uid, m.ReplyToken, text, sess)
	case session.StepWaitImage:
		return h.finalize(ctx, uid, m.ReplyToken, lower, sess)
	}
	return nil
}

func (h *Handler) listTickets(ctx context.Context, uid, token string) error {
	list, err := h.tickets.ListByLineUser(ctx, uid)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		h.reply(ctx, token, "คุณยังไม่มีงานที่แจ้งเข้ามา")
		return nil
	}
	lines := make([]string, 0, len(list))
	for _, t := range list {
		label := statusLabels[t.Status]
		if label == "" {
			label = t.Status
		}
		lines = append(lines, fmt.Sprintf("#%d - %s (%s)", t.ID, t.Title, label))
	}
	h.reply(ctx, token, fmt.Sprintf("คุณมีปัญหาที่แจ้งทั้งหมด %d งาน\n\n%s", len(list), strings.Join(lines, "\n")))
	return nil
}

// cancel flags the session, discards pending temp files and reseeds to
// idle with the warned flags set so the expiry push stays quiet.
func (h *Handler) cancel(ctx context.Context, uid, token string, sess *session.Session) error {
	data := session.Data{}
	if sess != nil {
		sess.Cancelled = true
		if err := h.store.Set(ctx, uid, sess); err != nil {
			return err
		}
		h.discardPending(sess.Data.PendingFiles)
		data = sess.Data
		data.TicketID = 0
		data.PendingFiles = nil
	}
	data.Warned = true
	data.ExpiredNotified = true
	idle := &session.Session{Step: session.StepIdle, Data: data}
	idle.Touch(h.now())
	if err := h.store.Set(ctx, uid, idle); err != nil {
		return err
	}
	h.sched.Disarm(uid)
	h.reply(ctx, token, `ยกเลิกแล้ว หากต้องการเริ่มใหม่ พิมพ์ "แจ้งปัญหา"`)
	return nil
}

func (h *Handler) discardPending(files []session.PendingFile) {
	for _, f := range files {
		if err := h.blobs.Remove(f.TempPath); err != nil {
			h.lg.Warn().Err(err).Str("path", f.TempPath).Msg("discard temp file")
		}
	}
}

// advance persists the session at its next step with a fresh TTL and
// re-arms (or disarms) the expiry timer.
func (h *Handler) advance(ctx context.Context, uid string, sess *session.Session) error {
	sess.RetryCount = 0
	sess.Touch(h.now())
	if err := h.store.Set(ctx, uid, sess); err != nil {
		return err
	}
	if sess.Step == session.StepIdle {
		h.sched.Disarm(uid)
	} else {
		h.sched.Arm(uid)
	}
	return nil
}

// failRetry counts a validation failure. The fifth failure at any one
// step clears the session outright so a confused or adversarial caller
// cannot hold it open forever.
func (h *Handler) failRetry(ctx context.Context, uid, token string, sess *session.Session, reprompt, giveUp string) error {
	sess.RetryCount++
	if sess.RetryCount >= maxRetries {
		if err := h.store.Clear(ctx, uid); err != nil {
			return err
		}
		h.sched.Disarm(uid)
		h.reply(ctx, token, giveUp)
		return nil
	}
	if err := h.store.Set(ctx, uid, sess); err != nil {
		return err
	}
	h.reply(ctx, token, reprompt)
	return nil
}

func (h *Handler) stepIdle(ctx context.Context, uid, token, lower string, sess *session.Session) error {
	if lower == strings.ToLower(KeywordStart) {
		sess.Step = session.StepAskName
		sess.Cancelled = false
		sess.Data.TicketID = 0
		sess.Data.PendingFiles = nil
		sess.Data.LastAckByKind = nil
		sess.Data.ExpiredNotified = false
		sess.Data.Warned = false
		if err := h.advance(ctx, uid, sess); err != nil {
			return err
		}
		h.reply(ctx, token, "กรุณาระบุชื่อของคุณ")
		return nil
	}
	h.reply(ctx, token, `ยินดีต้อนรับ! หากต้องการแจ้งปัญหา กรุณาพิมพ์ "แจ้งปัญหา"`)
	return nil
}

func (h *Handler) stepAskName(ctx context.Context, uid, token, text string, sess *session.Session) error {
	if IsInvalidName(text) {
		return h.failRetry(ctx, uid, token, sess, "กรุณาระบุชื่ออีกครั้ง", "ระบุผิดหลายครั้งเกินไป กรุณาเริ่มใหม่")
	}
	requesterID, err := h.users.ResolveOrCreate(ctx, uid)
	if err != nil {
		return err
	}
	sess.Step = session.StepAskPhone
	sess.Data.Name = text
	sess.Data.UserID = requesterID
	if err := h.advance(ctx, uid, sess); err != nil {
		return err
	}
	h.reply(ctx, token, "กรุณาระบุเบอร์โทรศัพท์")
	return nil
}

func (h *Handler) stepAskPhone(ctx context.Context, uid, token, text string, sess *session.Session) error {
	if IsInvalidPhone(text) {
		return h.failRetry(ctx, uid, token, sess, "กรุณากรอกเบอร์ให้ถูกต้อง", "ระบุผิดหลายครั้งเกินไป กรุณาเริ่มใหม่")
	}
	sess.Step = session.StepAskDetail
	sess.Data.Phone = text
	if err := h.advance(ctx, uid, sess); err != nil {
		return err
	}
	h.reply(ctx, token, "โปรดอธิบายปัญหา")
	return nil
}

func (h *Handler) stepAskDetail(ctx context.Context, uid, token, text string, sess *session.Session) error {
	if utf8.RuneCountInString(text) < 10 || IsSpammyText(text) {
		return h.failRetry(ctx, uid, token, sess, "รายละเอียดสั้นเกินไป กรุณาอธิบายเพิ่ม", "ระบุผิดหลายครั้งเกินไป กรุณาเริ่มใหม่")
	}
	sess.Step = session.StepAskPriority
	sess.Data.Detail = text
	if err := h.advance(ctx, uid, sess); err != nil {
		return err
	}
	h.reply(ctx, token,
		"กรุณาระบุระดับความสำคัญของปัญหา โดยพิมพ์เลข 1, 2 หรือ 3\n\n"+
			"1 - สำคัญมาก (เช่น ระบบใช้งานไม่ได้, มีผลกระทบรุนแรง)\n"+
			"2 - ปานกลาง (มีปัญหาแต่ยังใช้งานได้)\n"+
			"3 - เล็กน้อย (ข้อเสนอแนะ หรือปัญหาย่อย)")
	return nil
}

func (h *Handler) stepAskPriority(ctx context.Context, uid, token, text string, sess *session.Session) error {
	p, err := strconv.Atoi(text)
	if err != nil || p < 1 || p > 3 {
		return h.failRetry(ctx, uid, token, sess, "โปรดพิมพ์เลข 1, 2 หรือ 3 เท่านั้น", "ระบุผิดหลายครั้งเกินไป กรุณาเริ่มใหม่")
	}
	requesterID, err := h.users.ResolveOrCreate(ctx, uid)
	if err != nil {
		return err
	}
	sess.Step = session.StepWaitImage
	sess.Data.Priority = p
	sess.Data.UserID = requesterID
	if err := h.advance(ctx, uid, sess); err != nil {
		return err
	}
	h.reply(ctx, token,
		"📎 กรุณาส่งภาพ ไฟล์ หรือวิดีโอที่เกี่ยวข้อง\n"+
			"• พิมพ์ \"เสร็จแล้ว\" เพื่อยืนยันการแนบไฟล์\n"+
			"• พิมพ์ \"ไม่มี\" หากไม่ต้องการแนบไฟล์\n"+
			"• พิมพ์ \"ยกเลิก\" เพื่อยกเลิกการแจ้งปัญหา")
	return nil
}

// finalize runs at the attachment-confirmation step. Ticket creation is
// idempotent: the id is persisted into the session before any further
// work, so a redelivered confirmation reuses it instead of creating a
// second ticket.
func (h *Handler) finalize(ctx context.Context, uid, token, lower string, sess *session.Session) error {
	if lower != KeywordDone && lower != KeywordNoFiles {
		// Unrecognized text while waiting for files is not acted on;
		// media events run through the media pipeline instead.
		return nil
	}

	requesterID := sess.Data.UserID
	if requesterID == 0 {
		var err error
		if requesterID, err = h.users.ResolveOrCreate(ctx, uid); err != nil {
			return err
		}
	}

	// Reload to pick up files appended by concurrent media events.
	latest, err := h.store.Get(ctx, uid)
	if err != nil {
		return err
	}
	var pending []session.PendingFile
	ticketID := sess.Data.TicketID
	if latest != nil {
		pending = latest.Data.PendingFiles
		if latest.Data.TicketID != 0 {
			ticketID = latest.Data.TicketID
		}
	}

	if ticketID == 0 {
		ticketID, err = h.tickets.Create(ctx, NewTicket{
			Title:          sess.Data.Name,
			Description:    sess.Data.Detail,
			RequesterName:  sess.Data.Name,
			RequesterPhone: sess.Data.Phone,
			LineUserID:     uid,
			RequesterID:    requesterID,
			Priority:       sess.Data.Priority,
			Status:         "new",
		})
		if err != nil {
			return err
		}
		metrics.ChatTicketsCreatedTotal.Inc()
		sess.Data.TicketID = ticketID
		sess.Data.UserID = requesterID
		sess.Touch(h.now())
		if err := h.store.Set(ctx, uid, sess); err != nil {
			return err
		}
	}

	if lower == KeywordDone && len(pending) > 0 {
		for _, f := range pending {
			key, err := h.blobs.Promote(ctx, f, ticketID)
			if err != nil {
				h.lg.Error().Err(err).Int64("ticket", ticketID).Msg("promote attachment")
				h.reply(ctx, token, "บันทึกไฟล์แนบไม่สำเร็จ กรุณาพิมพ์ \"เสร็จแล้ว\" อีกครั้ง")
				return nil
			}
			att := Attachment{FileName: f.OriginalName, ObjectKey: key, MIMEType: f.MIMEType, Size: f.Size}
			if err := h.tickets.AddAttachment(ctx, ticketID, att, requesterID); err != nil {
				h.lg.Error().Err(err).Int64("ticket", ticketID).Msg("record attachment")
				h.reply(ctx, token, "บันทึกไฟล์แนบไม่สำเร็จ กรุณาพิมพ์ \"เสร็จแล้ว\" อีกครั้ง")
				return nil
			}
		}
	} else if lower == KeywordNoFiles && len(pending) > 0 {
		h.discardPending(pending)
	}

	if err := h.store.Clear(ctx, uid); err != nil {
		return err
	}
	// Re-seed idle with the notified flags set so completing normally
	// never draws the expiry push. The ticket id and pending files must
	// not carry over, or the next flow would reuse this ticket.
	data := sess.Data
	data.TicketID = 0
	data.PendingFiles = nil
	data.Warned = true
	data.ExpiredNotified = true
	idle := &session.Session{Step: session.StepIdle, Data: data}
	if err := h.advance(ctx, uid, idle); err != nil {
		return err
	}
	h.reply(ctx, token, fmt.Sprintf("✅ สร้าง Ticket แล้ว!\nหมายเลข #%d\nขอบคุณที่แจ้งปัญหา 🙏\n\nพิมพ์ \"ดูปัญหาของฉัน\" เพื่อตรวจสอบสถานะ", ticketID))
	return nil
}
