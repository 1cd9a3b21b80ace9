package helpdesk

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/puripat-lakornthai/line-bot-backend/internal/intake"
)

type dbCall struct {
	sql  string
	args []any
}

// scriptRow is a pgx.Row whose Scan writes pre-baked values.
type scriptRow struct {
	vals []any
	err  error
}

func (r scriptRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.vals[i].(int64)
		case *string:
			*p = r.vals[i].(string)
		default:
			return fmt.Errorf("scriptRow: unsupported dest %T", d)
		}
	}
	return nil
}

type scriptRows struct {
	rows [][]any
	i    int
}

func (r *scriptRows) Close()                                       {}
func (r *scriptRows) Err() error                                   { return nil }
func (r *scriptRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *scriptRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *scriptRows) Next() bool                                   { r.i++; return r.i <= len(r.rows) }
func (r *scriptRows) Scan(dest ...any) error {
	return scriptRow{vals: r.rows[r.i-1]}.Scan(dest...)
}
func (r *scriptRows) Values() ([]any, error) { return nil, nil }
func (r *scriptRows) RawValues() [][]byte    { return nil }
func (r *scriptRows) Conn() *pgx.Conn        { return nil }

// fakeDB records every statement and plays back scripted rows in order.
type fakeDB struct {
	calls   []dbCall
	rowQ    []scriptRow
	listing [][]any
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, dbCall{sql: sql, args: args})
	if len(f.rowQ) == 0 {
		return scriptRow{err: pgx.ErrNoRows}
	}
	r := f.rowQ[0]
	f.rowQ = f.rowQ[1:]
	return r
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, dbCall{sql: sql, args: args})
	return &scriptRows{rows: f.listing}, nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, dbCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestResolveOrCreateExisting(t *testing.T) {
	db := &fakeDB{rowQ: []scriptRow{{vals: []any{int64(7)}}}}
	r := &Repo{DB: db}
	id, err := r.ResolveOrCreate(context.Background(), "Uaaa")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
	if len(db.calls) != 1 {
		t.Fatalf("issued %d statements, want 1 lookup only", len(db.calls))
	}
}

func TestResolveOrCreateFirstContact(t *testing.T) {
	db := &fakeDB{rowQ: []scriptRow{{err: pgx.ErrNoRows}, {vals: []any{int64(3)}}}}
	r := &Repo{DB: db}
	id, err := r.ResolveOrCreate(context.Background(), "Ubbb")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}
	insert := db.calls[1].sql
	if !strings.Contains(insert, "on conflict (line_user_id)") {
		t.Fatalf("first-contact insert is not race-safe: %s", insert)
	}
}

func TestCreateTicket(t *testing.T) {
	db := &fakeDB{rowQ: []scriptRow{{vals: []any{int64(11)}}}}
	r := &Repo{DB: db}
	id, err := r.Create(context.Background(), intake.NewTicket{
		Title: "สมชาย", Description: "จอฟ้า", RequesterName: "สมชาย",
		RequesterPhone: "0812345678", LineUserID: "Uccc",
		RequesterID: 5, Priority: 1, Status: "new",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != 11 {
		t.Fatalf("id = %d, want 11", id)
	}
	if got := len(db.calls[0].args); got != 8 {
		t.Fatalf("insert bound %d args, want 8", got)
	}
}

func TestListByLineUser(t *testing.T) {
	db := &fakeDB{listing: [][]any{
		{int64(2), "เน็ตล่ม", "new"},
		{int64(1), "จอฟ้า", "resolved"},
	}}
	r := &Repo{DB: db}
	list, err := r.ListByLineUser(context.Background(), "Uddd")
	if err != nil {
		t.Fatalf("ListByLineUser: %v", err)
	}
	if len(list) != 2 || list[0].ID != 2 || list[1].Status != "resolved" {
		t.Fatalf("listing = %+v", list)
	}
}

// The attachment insert must only name columns the migration actually
// creates; a drifted column list fails every promotion in production
// while fake-backed tests stay green.
func TestAddAttachmentColumnsMatchSchema(t *testing.T) {
	db := &fakeDB{}
	r := &Repo{DB: db}
	err := r.AddAttachment(context.Background(), 9, intake.Attachment{
		FileName: "a.jpg", ObjectKey: "tickets/9/image/a.jpg", MIMEType: "image/jpeg", Size: 123,
	}, 5)
	if err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}

	insert := db.calls[0].sql
	open := strings.Index(insert, "(")
	closing := strings.Index(insert, ")")
	if open < 0 || closing < open {
		t.Fatalf("cannot locate column list in: %s", insert)
	}
	cols := strings.Split(insert[open+1:closing], ",")

	schema, err := os.ReadFile("../../cmd/api/migrations/0002_tickets.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	table := string(schema)
	if i := strings.Index(table, "ticket_attachments"); i >= 0 {
		table = table[i:]
	}
	for _, c := range cols {
		c = strings.TrimSpace(c)
		if !strings.Contains(table, c) {
			t.Fatalf("insert names column %q which the migration never creates", c)
		}
	}
	if got := len(db.calls[0].args); got != len(cols) {
		t.Fatalf("insert bound %d args for %d columns", got, len(cols))
	}
}
