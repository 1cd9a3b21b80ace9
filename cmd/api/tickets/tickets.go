package tickets

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/minio/minio-go/v7"

	app "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
	authpkg "github.com/puripat-lakornthai/line-bot-backend/cmd/api/auth"
	"github.com/puripat-lakornthai/line-bot-backend/internal/metrics"
)

// Ticket is the REST representation of a ticket row.
type Ticket struct {
	ID             int64  `json:"ticket_id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	RequesterName  string `json:"requester_name,omitempty"`
	RequesterPhone string `json:"requester_phone,omitempty"`
	LineUserID     string `json:"line_user_id,omitempty"`
	AssigneeID     *int64 `json:"assignee_id,omitempty"`
	Priority       int    `json:"priority"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

var validStatuses = map[string]bool{
	"new": true, "assigned": true, "in_progress": true,
	"pending": true, "resolved": true, "closed": true,
}

// Free-text fields arrive from a browser form; strip any markup.
var sanitize = bluemonday.StrictPolicy()

type createTicketReq struct {
	Title          string `json:"title" binding:"required,min=2"`
	Description    string `json:"description"`
	RequesterName  string `json:"requester_name"`
	RequesterPhone string `json:"requester_phone"`
	Priority       int    `json:"priority" binding:"required,min=1,max=3"`
	Status         string `json:"status"`
}

// Create inserts a new ticket from the admin UI.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createTicketReq
		if err := c.ShouldBindJSON(&in); err != nil {
			errs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					errs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
			return
		}
		in.Title = sanitize.Sanitize(in.Title)
		in.Description = sanitize.Sanitize(in.Description)
		if in.Status == "" {
			in.Status = "new"
		}
		if !validStatuses[in.Status] {
			c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"status": "invalid"}})
			return
		}
		if a.DB == nil {
			c.JSON(http.StatusCreated, Ticket{Title: in.Title, Priority: in.Priority, Status: in.Status})
			return
		}
		var requesterID *int64
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(authpkg.AuthUser); ok && u.ID != 0 {
				requesterID = &u.ID
			}
		}
		const q = `insert into tickets (title, description, requester_name, requester_phone, requester_id, priority, status)
			values ($1,$2,$3,$4,$5,$6,$7) returning ticket_id`
		var id int64
		if err := a.DB.QueryRow(c.Request.Context(), q,
			in.Title, in.Description, in.RequesterName, in.RequesterPhone, requesterID, in.Priority, in.Status).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metrics.TicketsCreatedTotal.Inc()
		c.JSON(http.StatusCreated, Ticket{ID: id, Title: in.Title, Priority: in.Priority, Status: in.Status})
	}
}

// List returns tickets, optionally filtered by status or assignee.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []Ticket{})
			return
		}
		q := `select t.ticket_id, t.title, coalesce(t.requester_name,''), t.priority, t.status, t.assignee_id,
			to_char(t.created_at, 'YYYY-MM-DD"T"HH24:MI:SSOF'), to_char(t.updated_at, 'YYYY-MM-DD"T"HH24:MI:SSOF')
			from tickets t where 1=1`
		args := []any{}
		if s := c.Query("status"); s != "" {
			args = append(args, s)
			q += ` and t.status=$` + strconv.Itoa(len(args))
		}
		if s := c.Query("assignee_id"); s != "" {
			args = append(args, s)
			q += ` and t.assignee_id=$` + strconv.Itoa(len(args))
		}
		q += ` order by t.created_at desc limit 200`
		rows, err := a.DB.Query(c.Request.Context(), q, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Ticket{}
		for rows.Next() {
			var t Ticket
			if err := rows.Scan(&t.ID, &t.Title, &t.RequesterName, &t.Priority, &t.Status, &t.AssigneeID, &t.CreatedAt, &t.UpdatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, t)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns a single ticket.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, Ticket{})
			return
		}
		const q = `select ticket_id, title, coalesce(description,''), coalesce(requester_name,''),
			coalesce(requester_phone,''), coalesce(line_user_id,''), priority, status, assignee_id,
			to_char(created_at, 'YYYY-MM-DD"T"HH24:MI:SSOF'), to_char(updated_at, 'YYYY-MM-DD"T"HH24:MI:SSOF')
			from tickets where ticket_id=$1`
		var t Ticket
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("id")).Scan(
			&t.ID, &t.Title, &t.Description, &t.RequesterName, &t.RequesterPhone, &t.LineUserID,
			&t.Priority, &t.Status, &t.AssigneeID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type updateTicketReq struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *int    `json:"priority"`
	AssigneeID  *int64  `json:"assignee_id"`
}

// Update applies a partial update to a ticket.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateTicketReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if in.Status != nil && !validStatuses[*in.Status] {
			c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"status": "invalid"}})
			return
		}
		if in.Priority != nil && (*in.Priority < 1 || *in.Priority > 3) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"priority": "invalid"}})
			return
		}
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		set := []string{"updated_at=now()"}
		args := []any{}
		add := func(col string, v any) {
			args = append(args, v)
			set = append(set, col+"=$"+strconv.Itoa(len(args)))
		}
		if in.Title != nil {
			add("title", sanitize.Sanitize(*in.Title))
		}
		if in.Description != nil {
			add("description", sanitize.Sanitize(*in.Description))
		}
		if in.Status != nil {
			add("status", *in.Status)
		}
		if in.Priority != nil {
			add("priority", *in.Priority)
		}
		if in.AssigneeID != nil {
			add("assignee_id", *in.AssigneeID)
		}
		args = append(args, c.Param("id"))
		q := `update tickets set ` + strings.Join(set, ", ") + ` where ticket_id=$` + strconv.Itoa(len(args))
		if _, err := a.DB.Exec(c.Request.Context(), q, args...); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete removes a ticket, its attachment rows and their stored blobs.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		ctx := c.Request.Context()
		// Collect object keys first; rows vanish with the cascade.
		rows, err := a.DB.Query(ctx, `select object_key from ticket_attachments where ticket_id=$1`, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		keys := []string{}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err == nil {
				keys = append(keys, k)
			}
		}
		rows.Close()
		if _, err := a.DB.Exec(ctx, `delete from tickets where ticket_id=$1`, c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if a.M != nil {
			for _, k := range keys {
				// The row is gone; a leaked blob is log-worthy, not fatal.
				_ = a.M.RemoveObject(ctx, a.Cfg.MinIOBucket, k, minio.RemoveObjectOptions{})
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
