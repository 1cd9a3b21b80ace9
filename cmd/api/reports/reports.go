// Package reports builds dashboard summaries and spreadsheet exports
// over the tickets table.
package reports

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	app "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
)

var statusLabels = map[string]string{
	"new":         "ใหม่",
	"assigned":    "มอบหมายแล้ว",
	"in_progress": "กำลังดำเนินการ",
	"pending":     "รอข้อมูลเพิ่มเติม",
	"resolved":    "แก้ไขแล้ว",
	"closed":      "ปิดงาน",
}

// Summary returns ticket counts grouped by status plus totals for the
// dashboard cards.
func Summary(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"total": 0, "by_status": gin.H{}})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(),
			`select status, count(*) from tickets group by status`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		byStatus := map[string]int64{}
		var total int64
		for rows.Next() {
			var st string
			var n int64
			if err := rows.Scan(&st, &n); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			byStatus[st] = n
			total += n
		}
		var today int64
		if err := a.DB.QueryRow(c.Request.Context(),
			`select count(*) from tickets where created_at >= date_trunc('day', now())`).Scan(&today); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"total": total, "today": today, "by_status": byStatus})
	}
}

type workloadRow struct {
	AssigneeID int64  `json:"assignee_id"`
	Name       string `json:"name"`
	Open       int64  `json:"open"`
	Resolved   int64  `json:"resolved"`
}

// Workload reports open/resolved counts per staff member.
func Workload(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []workloadRow{})
			return
		}
		const q = `select u.user_id, u.full_name,
			count(*) filter (where t.status not in ('resolved','closed')),
			count(*) filter (where t.status in ('resolved','closed'))
			from users u join tickets t on t.assignee_id = u.user_id
			group by u.user_id, u.full_name
			order by u.full_name`
		rows, err := a.DB.Query(c.Request.Context(), q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []workloadRow{}
		for rows.Next() {
			var w workloadRow
			if err := rows.Scan(&w.AssigneeID, &w.Name, &w.Open, &w.Resolved); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, w)
		}
		c.JSON(http.StatusOK, out)
	}
}

type exportRow struct {
	ID        int64
	Title     string
	Requester string
	Phone     string
	Priority  int
	Status    string
	Assignee  string
	CreatedAt time.Time
}

// Export streams an xlsx workbook of tickets, optionally bounded by
// ?from=YYYY-MM-DD&to=YYYY-MM-DD on created_at.
func Export(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		q := `select t.ticket_id, t.title, coalesce(t.requester_name,''), coalesce(t.requester_phone,''),
			t.priority, t.status, coalesce(u.full_name,''), t.created_at
			from tickets t left join users u on u.user_id = t.assignee_id`
		args := []any{}
		where := ""
		if from := c.Query("from"); from != "" {
			args = append(args, from)
			where = " where t.created_at >= $1::date"
		}
		if to := c.Query("to"); to != "" {
			args = append(args, to)
			if where == "" {
				where = fmt.Sprintf(" where t.created_at < $%d::date + interval '1 day'", len(args))
			} else {
				where += fmt.Sprintf(" and t.created_at < $%d::date + interval '1 day'", len(args))
			}
		}
		q += where + " order by t.ticket_id"
		rows, err := a.DB.Query(c.Request.Context(), q, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		var data []exportRow
		for rows.Next() {
			var r exportRow
			if err := rows.Scan(&r.ID, &r.Title, &r.Requester, &r.Phone, &r.Priority, &r.Status, &r.Assignee, &r.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			data = append(data, r)
		}

		book, err := BuildWorkbook(data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer book.Close()
		name := "tickets_" + time.Now().Format("20060102") + ".xlsx"
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := book.Write(c.Writer); err != nil {
			_ = c.Error(err)
		}
	}
}

// BuildWorkbook renders ticket rows into a single-sheet workbook with
// Thai column headers.
func BuildWorkbook(data []exportRow) (*excelize.File, error) {
	f := excelize.NewFile()
	const sheet = "Tickets"
	f.SetSheetName("Sheet1", sheet)
	headers := []string{"เลขที่", "หัวข้อ", "ผู้แจ้ง", "เบอร์โทร", "ความสำคัญ", "สถานะ", "ผู้รับผิดชอบ", "วันที่แจ้ง"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}
	for i, r := range data {
		row := i + 2
		label := r.Status
		if th, ok := statusLabels[r.Status]; ok {
			label = th
		}
		vals := []any{r.ID, r.Title, r.Requester, r.Phone, r.Priority, label, r.Assignee,
			r.CreatedAt.Format("2006-01-02 15:04")}
		for j, v := range vals {
			cell, _ := excelize.CoordinatesToCellName(j+1, row)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}
