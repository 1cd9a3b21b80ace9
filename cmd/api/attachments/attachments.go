package attachments

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
	s3pkg "github.com/puripat-lakornthai/line-bot-backend/internal/s3"
)

type attachment struct {
	ID       int64  `json:"attachment_id"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"file_size"`
}

// List returns a ticket's attachments.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []attachment{})
			return
		}
		const q = `select attachment_id, file_name, coalesce(mime_type,''), file_size
			from ticket_attachments where ticket_id=$1 order by created_at asc`
		rows, err := a.DB.Query(c.Request.Context(), q, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []attachment{}
		for rows.Next() {
			var at attachment
			if err := rows.Scan(&at.ID, &at.FileName, &at.MIMEType, &at.Size); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, at)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get serves one attachment: directly from the filesystem store when
// configured, otherwise by redirecting to a presigned object URL.
func Get(a *app.App, presign *s3pkg.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"id": c.Param("attID")})
			return
		}
		const q = `select object_key, file_name, coalesce(mime_type,'')
			from ticket_attachments where attachment_id=$1 and ticket_id=$2`
		var key, fn, ct string
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("attID"), c.Param("id")).Scan(&key, &fn, &ct); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if a.Cfg.FileStorePath != "" {
			path := filepath.Join(a.Cfg.FileStorePath, a.Cfg.MinIOBucket, key)
			if _, err := os.Stat(path); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.Header("Content-Disposition", `attachment; filename="`+fn+`"`)
			if ct != "" {
				c.Header("Content-Type", ct)
			}
			c.File(path)
			return
		}
		if presign == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object store not configured"})
			return
		}
		u, err := presign.PresignGet(c.Request.Context(), key, fn, 5*time.Minute)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Redirect(http.StatusFound, u)
	}
}
