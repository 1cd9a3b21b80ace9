package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/puripat-lakornthai/line-bot-backend/internal/session"
)

// fakeStore is an in-memory session.Store. Values are stored by copy so
// handler-side mutation after Set does not leak back.
type fakeStore struct {
	mu sync.Mutex
	m  map[string]session.Session
}

func newFakeStore() *fakeStore { return &fakeStore{m: make(map[string]session.Session)} }

func (s *fakeStore) Get(ctx context.Context, uid string) (*session.Session, error) {
	return s.Peek(ctx, uid)
}

func (s *fakeStore) Peek(_ context.Context, uid string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[uid]
	if !ok {
		return nil, nil
	}
	cp := v
	cp.Data.PendingFiles = append([]session.PendingFile(nil), v.Data.PendingFiles...)
	return &cp, nil
}

func (s *fakeStore) Set(_ context.Context, uid string, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[uid] = *sess
	return nil
}

func (s *fakeStore) Clear(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, uid)
	return nil
}

func (s *fakeStore) current(uid string) (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[uid]
	return v, ok
}

type fakeDirectory struct{ id int64 }

func (d *fakeDirectory) ResolveOrCreate(context.Context, string) (int64, error) { return d.id, nil }

type fakeTickets struct {
	mu          sync.Mutex
	nextID      int64
	created     []NewTicket
	attachments []Attachment
	listing     []TicketSummary
}

func (t *fakeTickets) Create(_ context.Context, nt NewTicket) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.created = append(t.created, nt)
	return t.nextID, nil
}

func (t *fakeTickets) AddAttachment(_ context.Context, _ int64, att Attachment, _ int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attachments = append(t.attachments, att)
	return nil
}

func (t *fakeTickets) ListByLineUser(context.Context, string) ([]TicketSummary, error) {
	return t.listing, nil
}

type sentMessage struct {
	To   string
	Text string
}

type fakeMessenger struct {
	mu      sync.Mutex
	replies []sentMessage
	pushes  []sentMessage
	pushErr error
}

func (m *fakeMessenger) Reply(_ context.Context, token, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, sentMessage{To: token, Text: text})
	return nil
}

func (m *fakeMessenger) Push(_ context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, sentMessage{To: to, Text: text})
	return m.pushErr
}

func (m *fakeMessenger) lastReply() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return ""
	}
	return m.replies[len(m.replies)-1].Text
}

func (m *fakeMessenger) allPushes() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.pushes...)
}

type fakeSched struct {
	mu       sync.Mutex
	armed    int
	disarmed int
}

func (s *fakeSched) Arm(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed++
}

func (s *fakeSched) Disarm(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmed++
}

type fakeOrigin struct {
	info     ContentInfo
	statErr  error
	payload  []byte
	openHook func()
}

func (o *fakeOrigin) Stat(context.Context, string) (ContentInfo, error) {
	return o.info, o.statErr
}

func (o *fakeOrigin) Open(context.Context, string) (io.ReadCloser, error) {
	if o.openHook != nil {
		o.openHook()
	}
	return io.NopCloser(bytes.NewReader(o.payload)), nil
}

type fakeBlobs struct {
	mu       sync.Mutex
	nextPath int
	removed  []string
	promoted []session.PendingFile
	promErr  error
}

func (b *fakeBlobs) CreateTemp(kind, filename string) (io.WriteCloser, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPath++
	path := fmt.Sprintf("/tmp/%s/%d_%s", kind, b.nextPath, filename)
	return nopWriteCloser{io.Discard}, path, nil
}

func (b *fakeBlobs) Promote(_ context.Context, f session.PendingFile, ticketID int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.promErr != nil {
		return "", b.promErr
	}
	b.promoted = append(b.promoted, f)
	return fmt.Sprintf("tickets/%d/%s/%s", ticketID, f.Kind, f.OriginalName), nil
}

func (b *fakeBlobs) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, path)
	return nil
}

func (b *fakeBlobs) removedPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.removed...)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type fixture struct {
	store   *fakeStore
	tickets *fakeTickets
	msg     *fakeMessenger
	sched   *fakeSched
	origin  *fakeOrigin
	blobs   *fakeBlobs
	h       *Handler
}

func newFixture() *fixture {
	f := &fixture{
		store:   newFakeStore(),
		tickets: &fakeTickets{},
		msg:     &fakeMessenger{},
		sched:   &fakeSched{},
		origin:  &fakeOrigin{info: ContentInfo{Size: 100, MIMEType: "image/jpeg"}, payload: []byte("img")},
		blobs:   &fakeBlobs{},
	}
	f.h = New(f.store, &fakeDirectory{id: 42}, f.tickets, f.msg, f.origin, f.blobs, f.sched, zerolog.Nop())
	return f
}

func (f *fixture) text(t *testing.T, uid, text string) {
	t.Helper()
	if err := f.h.HandleText(context.Background(), TextMessage{UserID: uid, ReplyToken: "tok", Text: text}); err != nil {
		t.Fatalf("HandleText(%q): %v", text, err)
	}
}

func TestFlowHappyPath(t *testing.T) {
	f := newFixture()
	const uid = "U1"

	f.text(t, uid, KeywordStart)
	if got, _ := f.store.current(uid); got.Step != session.StepAskName {
		t.Fatalf("after start: step %q", got.Step)
	}
	f.text(t, uid, "สมชาย ใจดี")
	f.text(t, uid, "0812345678")
	f.text(t, uid, "ปริ้นเตอร์ชั้นสามพิมพ์เอกสารไม่ออกเลย")
	f.text(t, uid, "2")
	if got, _ := f.store.current(uid); got.Step != session.StepWaitImage {
		t.Fatalf("after priority: step %q", got.Step)
	}

	f.text(t, uid, KeywordNoFiles)

	if len(f.tickets.created) != 1 {
		t.Fatalf("created %d tickets", len(f.tickets.created))
	}
	nt := f.tickets.created[0]
	if nt.RequesterName != "สมชาย ใจดี" || nt.RequesterPhone != "0812345678" || nt.Priority != 2 || nt.RequesterID != 42 {
		t.Fatalf("unexpected ticket: %+v", nt)
	}
	if !strings.Contains(f.msg.lastReply(), "#1") {
		t.Fatalf("confirmation reply missing ticket id: %q", f.msg.lastReply())
	}
	got, ok := f.store.current(uid)
	if !ok || got.Step != session.StepIdle {
		t.Fatalf("session not reseeded idle: %+v ok=%v", got, ok)
	}
	if !got.Data.Warned || !got.Data.ExpiredNotified {
		t.Fatalf("reseeded session should carry notified flags: %+v", got.Data)
	}
}

func (f *fixture) runFlow(t *testing.T, uid, name, phone, detail, priority, confirm string) {
	t.Helper()
	f.text(t, uid, KeywordStart)
	f.text(t, uid, name)
	f.text(t, uid, phone)
	f.text(t, uid, detail)
	f.text(t, uid, priority)
	f.text(t, uid, confirm)
}

func TestSecondFlowCreatesNewTicket(t *testing.T) {
	f := newFixture()
	const uid = "U11"

	f.runFlow(t, uid, "สมชาย ใจดี", "0812345678", "ปริ้นเตอร์ชั้นสามพิมพ์เอกสารไม่ออกเลย", "2", KeywordNoFiles)
	if !strings.Contains(f.msg.lastReply(), "#1") {
		t.Fatalf("first confirmation: %q", f.msg.lastReply())
	}
	got, _ := f.store.current(uid)
	if got.Data.TicketID != 0 {
		t.Fatalf("reseeded idle session still holds ticket id %d", got.Data.TicketID)
	}

	// Reporting again from the same chat must open a fresh ticket, not
	// reuse the finished one.
	f.runFlow(t, uid, "สมชาย ใจดี", "0812345678", "อินเทอร์เน็ตชั้นสองหลุดบ่อยมากทั้งวัน", "1", KeywordNoFiles)
	if len(f.tickets.created) != 2 {
		t.Fatalf("second flow created %d tickets in total, want 2", len(f.tickets.created))
	}
	if !strings.Contains(f.msg.lastReply(), "#2") {
		t.Fatalf("second confirmation should carry the new id: %q", f.msg.lastReply())
	}
	if f.tickets.created[1].Description != "อินเทอร์เน็ตชั้นสองหลุดบ่อยมากทั้งวัน" {
		t.Fatalf("second ticket: %+v", f.tickets.created[1])
	}
}

func TestRetryLimitClearsSession(t *testing.T) {
	f := newFixture()
	const uid = "U2"

	f.text(t, uid, KeywordStart)
	for i := 0; i < maxRetries; i++ {
		f.text(t, uid, "!")
	}
	if _, ok := f.store.current(uid); ok {
		t.Fatal("session should be cleared after retry limit")
	}
	if !strings.Contains(f.msg.lastReply(), "เริ่มใหม่") {
		t.Fatalf("expected give-up reply, got %q", f.msg.lastReply())
	}
	if f.sched.disarmed == 0 {
		t.Fatal("expiry timer not disarmed")
	}
}

func TestRetryCountResetsOnValidInput(t *testing.T) {
	f := newFixture()
	const uid = "U3"

	f.text(t, uid, KeywordStart)
	f.text(t, uid, "!")
	f.text(t, uid, "!")
	f.text(t, uid, "สมชาย")
	got, _ := f.store.current(uid)
	if got.Step != session.StepAskPhone || got.RetryCount != 0 {
		t.Fatalf("step=%q retry=%d, want ask_phone/0", got.Step, got.RetryCount)
	}
}

func TestCancelDiscardsPendingFiles(t *testing.T) {
	f := newFixture()
	const uid = "U4"

	sess := &session.Session{
		Step: session.StepWaitImage,
		Data: session.Data{PendingFiles: []session.PendingFile{{TempPath: "/tmp/image/1_a.jpg"}}},
	}
	sess.Touch(time.Now())
	if err := f.store.Set(context.Background(), uid, sess); err != nil {
		t.Fatal(err)
	}

	f.text(t, uid, KeywordCancel)

	if got := f.blobs.removedPaths(); len(got) != 1 || got[0] != "/tmp/image/1_a.jpg" {
		t.Fatalf("pending temp not discarded: %v", got)
	}
	got, ok := f.store.current(uid)
	if !ok || got.Step != session.StepIdle || len(got.Data.PendingFiles) != 0 {
		t.Fatalf("cancel should reseed idle without files: %+v", got)
	}
	if len(f.tickets.created) != 0 {
		t.Fatal("cancel must not create a ticket")
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	f := newFixture()
	const uid = "U5"

	sess := &session.Session{
		Step: session.StepWaitImage,
		Data: session.Data{Name: "สมชาย", Phone: "0812345678", Detail: "เครื่องพิมพ์เสียใช้งานไม่ได้", Priority: 1, UserID: 42, TicketID: 7},
	}
	sess.Touch(time.Now())
	if err := f.store.Set(context.Background(), uid, sess); err != nil {
		t.Fatal(err)
	}

	f.text(t, uid, KeywordDone)

	if len(f.tickets.created) != 0 {
		t.Fatalf("redelivered confirmation created %d extra tickets", len(f.tickets.created))
	}
	if !strings.Contains(f.msg.lastReply(), "#7") {
		t.Fatalf("reply should reuse ticket id 7: %q", f.msg.lastReply())
	}
}

func TestFinalizePromoteFailureKeepsSession(t *testing.T) {
	f := newFixture()
	f.blobs.promErr = errors.New("object store down")
	const uid = "U6"

	sess := &session.Session{
		Step: session.StepWaitImage,
		Data: session.Data{
			Name: "สมชาย", Phone: "0812345678", Detail: "จอคอมพิวเตอร์ดับไปเฉยๆ", Priority: 2,
			PendingFiles: []session.PendingFile{{TempPath: "/tmp/image/1_a.jpg", OriginalName: "a.jpg", Kind: "image"}},
		},
	}
	sess.Touch(time.Now())
	if err := f.store.Set(context.Background(), uid, sess); err != nil {
		t.Fatal(err)
	}

	f.text(t, uid, KeywordDone)

	// Ticket exists (id persisted) but the session survives for a retry.
	got, ok := f.store.current(uid)
	if !ok || got.Step != session.StepWaitImage {
		t.Fatalf("session should survive promote failure: %+v ok=%v", got, ok)
	}
	if got.Data.TicketID == 0 {
		t.Fatal("ticket id should be persisted before promotion")
	}
	if !strings.Contains(f.msg.lastReply(), "ไม่สำเร็จ") {
		t.Fatalf("expected retry prompt, got %q", f.msg.lastReply())
	}

	// Second attempt succeeds and does not create a second ticket.
	f.blobs.promErr = nil
	f.text(t, uid, KeywordDone)
	if len(f.tickets.created) != 1 {
		t.Fatalf("created %d tickets, want 1", len(f.tickets.created))
	}
	if len(f.tickets.attachments) != 1 {
		t.Fatalf("recorded %d attachments, want 1", len(f.tickets.attachments))
	}
}

func TestMyWorkListing(t *testing.T) {
	f := newFixture()
	f.tickets.listing = []TicketSummary{
		{ID: 3, Title: "สมชาย", Status: "in_progress"},
		{ID: 9, Title: "สมหญิง", Status: "resolved"},
	}

	f.text(t, "U7", KeywordMyWork)

	last := f.msg.lastReply()
	for _, want := range []string{"#3", "#9", "กำลังดำเนินการ", "แก้ไขแล้ว"} {
		if !strings.Contains(last, want) {
			t.Fatalf("listing missing %q: %q", want, last)
		}
	}
}

func TestMyWorkEmpty(t *testing.T) {
	f := newFixture()
	f.text(t, "U8", KeywordMyWork)
	if !strings.Contains(f.msg.lastReply(), "ยังไม่มีงาน") {
		t.Fatalf("expected empty listing reply, got %q", f.msg.lastReply())
	}
}

func TestIdleUnknownTextWelcomes(t *testing.T) {
	f := newFixture()
	f.text(t, "U9", "hello")
	if !strings.Contains(f.msg.lastReply(), "ยินดีต้อนรับ") {
		t.Fatalf("expected welcome, got %q", f.msg.lastReply())
	}
	if f.sched.armed != 0 {
		t.Fatal("idle chatter must not arm the expiry timer")
	}
}

func TestExpiredSessionReseedsSilently(t *testing.T) {
	f := newFixture()
	const uid = "U10"

	sess := &session.Session{Step: session.StepAskPhone, Data: session.Data{Name: "สมชาย"}}
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	if err := f.store.Set(context.Background(), uid, sess); err != nil {
		t.Fatal(err)
	}

	f.text(t, uid, "0812345678")

	// The lapsed step is gone; the text is treated as idle chatter.
	got, _ := f.store.current(uid)
	if got.Step != session.StepIdle {
		t.Fatalf("expired session should reseed idle, got %q", got.Step)
	}
	if !strings.Contains(f.msg.lastReply(), "ยินดีต้อนรับ") {
		t.Fatalf("expected welcome reply, got %q", f.msg.lastReply())
	}
}
