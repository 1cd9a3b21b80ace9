package users

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	apppkg "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
	authpkg "github.com/puripat-lakornthai/line-bot-backend/cmd/api/auth"
)

func TestUserHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := apppkg.Config{Env: "test", TestBypassAuth: true}
	a := apppkg.NewApp(cfg, nil, nil, nil)
	a.R.GET("/users", authpkg.Middleware(a), List(a))
	a.R.POST("/users", authpkg.Middleware(a), Create(a))
	a.R.GET("/users/:id", authpkg.Middleware(a), Get(a))
	a.R.PATCH("/users/:id", authpkg.Middleware(a), Update(a))
	a.R.DELETE("/users/:id", authpkg.Middleware(a), Delete(a))

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   int
	}{
		{"list", http.MethodGet, "/users", "", http.StatusOK},
		{"create", http.MethodPost, "/users", `{"username":"somchai","password":"secret123","full_name":"สมชาย","role":"staff"}`, http.StatusCreated},
		{"create_short_password", http.MethodPost, "/users", `{"username":"somchai","password":"short","role":"staff"}`, http.StatusBadRequest},
		{"create_bad_role", http.MethodPost, "/users", `{"username":"somchai","password":"secret123","role":"superuser"}`, http.StatusBadRequest},
		{"create_bad_email", http.MethodPost, "/users", `{"username":"somchai","password":"secret123","role":"staff","email":"not-an-email"}`, http.StatusBadRequest},
		{"get", http.MethodGet, "/users/1", "", http.StatusOK},
		{"update", http.MethodPatch, "/users/1", `{"full_name":"ใหม่"}`, http.StatusOK},
		{"delete", http.MethodDelete, "/users/1", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.url, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			a.R.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}
