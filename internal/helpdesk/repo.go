// Package helpdesk implements the intake flow's database-backed
// collaborators: the user directory and the ticket repository.
package helpdesk

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/puripat-lakornthai/line-bot-backend/internal/intake"
)

// DB is the subset of pgx needed here.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repo satisfies intake.UserDirectory and intake.TicketRepository.
type Repo struct {
	DB DB
}

// ResolveOrCreate maps a LINE user id to a local user id, registering a
// requester on first contact. Idempotent per handle.
func (r *Repo) ResolveOrCreate(ctx context.Context, lineUserID string) (int64, error) {
	var id int64
	err := r.DB.QueryRow(ctx, `select user_id from users where line_user_id=$1`, lineUserID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// Two concurrent first contacts race here; on conflict fall back
	// to the row the winner inserted.
	err = r.DB.QueryRow(ctx,
		`insert into users (role, line_user_id) values ('requester', $1)
		 on conflict (line_user_id) do update set updated_at=now()
		 returning user_id`, lineUserID).Scan(&id)
	return id, err
}

// Create inserts a ticket and returns its id.
func (r *Repo) Create(ctx context.Context, t intake.NewTicket) (int64, error) {
	var id int64
	err := r.DB.QueryRow(ctx,
		`insert into tickets (title, description, requester_name, requester_phone, line_user_id, requester_id, priority, status)
		 values ($1,$2,$3,$4,$5,$6,$7,$8) returning ticket_id`,
		t.Title, t.Description, t.RequesterName, t.RequesterPhone, t.LineUserID, t.RequesterID, t.Priority, t.Status).Scan(&id)
	return id, err
}

// AddAttachment records a promoted attachment on a ticket.
func (r *Repo) AddAttachment(ctx context.Context, ticketID int64, att intake.Attachment, uploaderID int64) error {
	_, err := r.DB.Exec(ctx,
		`insert into ticket_attachments (ticket_id, uploader_id, object_key, file_name, mime_type, file_size)
		 values ($1,$2,$3,$4,$5,$6)`,
		ticketID, uploaderID, att.ObjectKey, att.FileName, att.MIMEType, att.Size)
	return err
}

// ListByLineUser returns the user's tickets, most recent first.
func (r *Repo) ListByLineUser(ctx context.Context, lineUserID string) ([]intake.TicketSummary, error) {
	rows, err := r.DB.Query(ctx,
		`select ticket_id, title, status from tickets where line_user_id=$1 order by created_at desc`, lineUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []intake.TicketSummary
	for rows.Next() {
		var t intake.TicketSummary
		if err := rows.Scan(&t.ID, &t.Title, &t.Status); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
