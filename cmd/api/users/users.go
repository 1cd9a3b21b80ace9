package users

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	app "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
)

// User is the REST representation of a user row.
type User struct {
	ID         int64  `json:"user_id"`
	Username   string `json:"username,omitempty"`
	FullName   string `json:"full_name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Role       string `json:"role"`
	LineUserID string `json:"line_user_id,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

var validRoles = map[string]bool{"admin": true, "staff": true, "requester": true}

// List returns all users.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []User{})
			return
		}
		const q = `select user_id, coalesce(username,''), coalesce(full_name,''), coalesce(email,''),
			coalesce(phone,''), role, coalesce(line_user_id,''), to_char(created_at, 'YYYY-MM-DD"T"HH24:MI:SSOF')
			from users order by user_id`
		rows, err := a.DB.Query(c.Request.Context(), q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []User{}
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.Phone, &u.Role, &u.LineUserID, &u.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, u)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns one user.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, User{})
			return
		}
		const q = `select user_id, coalesce(username,''), coalesce(full_name,''), coalesce(email,''),
			coalesce(phone,''), role, coalesce(line_user_id,''), to_char(created_at, 'YYYY-MM-DD"T"HH24:MI:SSOF')
			from users where user_id=$1`
		var u User
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("id")).Scan(
			&u.ID, &u.Username, &u.FullName, &u.Email, &u.Phone, &u.Role, &u.LineUserID, &u.CreatedAt); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

type createUserReq struct {
	Username string `json:"username" binding:"required,min=3"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name"`
	Email    string `json:"email" binding:"omitempty,email"`
	Phone    string `json:"phone"`
	Role     string `json:"role" binding:"required"`
}

// Create registers a staff or admin account.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createUserReq
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
		if !validRoles[in.Role] {
			c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"role": "invalid"}})
			return
		}
		if a.DB == nil {
			c.JSON(http.StatusCreated, User{Username: in.Username, Role: in.Role})
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		const q = `insert into users (username, password_hash, full_name, email, phone, role)
			values ($1,$2,$3,$4,$5,$6) returning user_id`
		var id int64
		if err := a.DB.QueryRow(c.Request.Context(), q,
			in.Username, string(hash), in.FullName, in.Email, in.Phone, in.Role).Scan(&id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "username or email already exists"})
			return
		}
		c.JSON(http.StatusCreated, User{ID: id, Username: in.Username, FullName: in.FullName, Role: in.Role})
	}
}

type updateUserReq struct {
	FullName *string `json:"full_name"`
	Email    *string `json:"email"`
	Phone    *string `json:"phone"`
	Role     *string `json:"role"`
	Password *string `json:"password"`
}

// Update applies a partial update to a user.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateUserReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if in.Role != nil && !validRoles[*in.Role] {
			c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"role": "invalid"}})
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
		if in.FullName != nil {
			add("full_name", *in.FullName)
		}
		if in.Email != nil {
			add("email", *in.Email)
		}
		if in.Phone != nil {
			add("phone", *in.Phone)
		}
		if in.Role != nil {
			add("role", *in.Role)
		}
		if in.Password != nil {
			hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), bcrypt.DefaultCost)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			add("password_hash", string(hash))
		}
		args = append(args, c.Param("id"))
		q := `update users set ` + strings.Join(set, ", ") + ` where user_id=$` + strconv.Itoa(len(args))
		if _, err := a.DB.Exec(c.Request.Context(), q, args...); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete removes a user.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		if _, err := a.DB.Exec(c.Request.Context(), `delete from users where user_id=$1`, c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
