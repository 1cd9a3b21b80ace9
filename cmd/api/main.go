package main

import (
	"context"
	"database/sql"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	app "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
	"github.com/puripat-lakornthai/line-bot-backend/cmd/api/attachments"
	"github.com/puripat-lakornthai/line-bot-backend/cmd/api/auth"
	linehook "github.com/puripat-lakornthai/line-bot-backend/cmd/api/line"
	"github.com/puripat-lakornthai/line-bot-backend/cmd/api/reports"
	"github.com/puripat-lakornthai/line-bot-backend/cmd/api/tickets"
	"github.com/puripat-lakornthai/line-bot-backend/cmd/api/users"
	"github.com/puripat-lakornthai/line-bot-backend/internal/helpdesk"
	"github.com/puripat-lakornthai/line-bot-backend/internal/intake"
	"github.com/puripat-lakornthai/line-bot-backend/internal/lineapi"
	"github.com/puripat-lakornthai/line-bot-backend/internal/ratelimit"
	s3pkg "github.com/puripat-lakornthai/line-bot-backend/internal/s3"
	"github.com/puripat-lakornthai/line-bot-backend/internal/session"
	"github.com/puripat-lakornthai/line-bot-backend/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	cfg := app.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	// Migrate (embedded goose) using pgx stdlib driver
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("goose dialect")
	}
	sqldb, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("sql open for goose")
	}
	if err := goose.UpContext(ctx, sqldb, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}
	_ = sqldb.Close()

	if cfg.AdminPassword != "" {
		if err := seedAdmin(ctx, pool, cfg.AdminPassword); err != nil {
			log.Error().Err(err).Msg("seed admin")
		}
	}

	var mc *minio.Client
	if cfg.MinIOEndpoint != "" {
		mc, err = minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("minio init")
		}
	}

	// Redis client (optional; per-user webhook throttling degrades off without it)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	var store app.ObjectStore
	if mc != nil {
		store = mc
	} else if cfg.FileStorePath != "" {
		if err := os.MkdirAll(cfg.FileStorePath, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", cfg.FileStorePath).Msg("create filestore path")
		}
		store = &app.FsObjectStore{Base: cfg.FileStorePath}
	}

	a := app.NewApp(cfg, pool, store, rdb)

	// LINE intake wiring
	lineClient := lineapi.NewClient(cfg.LineChannelToken)
	sessions := session.NewPGStore(pool)
	repo := &helpdesk.Repo{DB: pool}
	blobs := storage.New(cfg.UploadTempDir, store, cfg.MinIOBucket)
	sched := intake.NewExpiryScheduler(sessions, lineClient, session.Window, log.Logger)
	handler := intake.New(sessions, repo, repo, lineClient, linehook.MediaOrigin{Client: lineClient}, blobs, sched, log.Logger)

	var userLimiter, loginLimiter *ratelimit.Limiter
	if rdb != nil {
		if cfg.WebhookUserLimit > 0 {
			userLimiter = ratelimit.New(rdb, cfg.WebhookUserLimit, time.Minute, "line")
		}
		loginLimiter = ratelimit.New(rdb, 10, time.Minute, "login")
	}

	var presign *s3pkg.Service
	if mc != nil {
		presign = &s3pkg.Service{Client: mc, Bucket: cfg.MinIOBucket, MaxTTL: time.Hour}
	}

	routes(a, handler, userLimiter, loginLimiter, presign)

	// Periodic sweep of stale in-flight downloads.
	cr := cron.New()
	_, err = cr.AddFunc("@every 10m", func() {
		if n, err := blobs.SweepTemp(time.Hour); err != nil {
			log.Error().Err(err).Msg("temp sweep")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("temp sweep")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cron schedule")
	}
	cr.Start()

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	<-cr.Stop().Done()
	sched.Close()
	handler.Wait()
}

func routes(a *app.App, h *intake.Handler, userLimiter, loginLimiter *ratelimit.Limiter, presign *s3pkg.Service) {
	a.R.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	a.R.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.R.POST("/webhook/line", linehook.Webhook(a, h, userLimiter))

	login := []gin.HandlerFunc{auth.Login(a)}
	if loginLimiter != nil {
		login = append([]gin.HandlerFunc{loginLimiter.PerIP()}, login...)
	}
	a.R.POST("/login", login...)

	authed := a.R.Group("/")
	authed.Use(auth.Middleware(a))
	authed.GET("/me", auth.Me)

	authed.GET("/tickets", tickets.List(a))
	authed.POST("/tickets", tickets.Create(a))
	authed.GET("/tickets/:id", tickets.Get(a))
	authed.PATCH("/tickets/:id", auth.RequireRole("staff", "admin"), tickets.Update(a))
	authed.DELETE("/tickets/:id", auth.RequireRole("admin"), tickets.Delete(a))
	authed.GET("/tickets/:id/attachments", attachments.List(a))
	authed.GET("/tickets/:id/attachments/:attID", attachments.Get(a, presign))

	authed.GET("/users", auth.RequireRole("admin"), users.List(a))
	authed.POST("/users", auth.RequireRole("admin"), users.Create(a))
	authed.GET("/users/:id", auth.RequireRole("admin"), users.Get(a))
	authed.PATCH("/users/:id", auth.RequireRole("admin"), users.Update(a))
	authed.DELETE("/users/:id", auth.RequireRole("admin"), users.Delete(a))

	authed.GET("/reports/summary", auth.RequireRole("staff", "admin"), reports.Summary(a))
	authed.GET("/reports/workload", auth.RequireRole("staff", "admin"), reports.Workload(a))
	authed.GET("/reports/export", auth.RequireRole("staff", "admin"), reports.Export(a))
}

func seedAdmin(ctx context.Context, db *pgxpool.Pool, password string) error {
	var exists bool
	if err := db.QueryRow(ctx, "select exists(select 1 from users where lower(username)='admin')").Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, `insert into users (username, password_hash, full_name, role)
		values ('admin', $1, 'Administrator', 'admin')`, string(hash)); err != nil {
		return err
	}
	log.Info().Str("username", "admin").Msg("seeded admin user")
	return nil
}
