// Package line receives LINE platform webhooks and dispatches events
// into the conversational intake flow.
package line

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/puripat-lakornthai/line-bot-backend/cmd/api/app"
	"github.com/puripat-lakornthai/line-bot-backend/internal/intake"
	"github.com/puripat-lakornthai/line-bot-backend/internal/lineapi"
	"github.com/puripat-lakornthai/line-bot-backend/internal/metrics"
	"github.com/puripat-lakornthai/line-bot-backend/internal/ratelimit"
)

// MediaOrigin adapts the LINE content endpoints to the shape the
// intake handler consumes.
type MediaOrigin struct {
	Client *lineapi.Client
}

func (o MediaOrigin) Stat(ctx context.Context, messageID string) (intake.ContentInfo, error) {
	info, err := o.Client.StatContent(ctx, messageID)
	if err != nil {
		return intake.ContentInfo{}, err
	}
	return intake.ContentInfo{Size: info.Size, MIMEType: info.MIMEType}, nil
}

func (o MediaOrigin) Open(ctx context.Context, messageID string) (io.ReadCloser, error) {
	return o.Client.OpenContent(ctx, messageID)
}

var mediaKinds = map[string]intake.MediaKind{
	"image": intake.KindImage,
	"video": intake.KindVideo,
	"file":  intake.KindFile,
}

// Webhook verifies the channel signature and hands each event to the
// intake handler on its own goroutine, so the 200 goes back to the
// platform before any slow work runs.
func Webhook(a *app.App, h *intake.Handler, users *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		sig := c.GetHeader("X-Line-Signature")
		if !lineapi.ValidateSignature(a.Cfg.LineChannelSecret, body, sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}
		var wb lineapi.WebhookBody
		if err := json.Unmarshal(body, &wb); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
			return
		}
		for _, ev := range wb.Events {
			dispatch(c.Request.Context(), a, h, users, ev)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func dispatch(parent context.Context, a *app.App, h *intake.Handler, users *ratelimit.Limiter, ev lineapi.Event) {
	metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev)).Inc()
	if ev.Type != "message" || ev.Source.UserID == "" {
		return
	}
	if users != nil {
		ok, err := users.Allow(parent, ev.Source.UserID)
		if err != nil {
			log.Ctx(parent).Warn().Err(err).Msg("webhook rate limit check")
		} else if !ok {
			log.Ctx(parent).Info().Str("line_user_id", ev.Source.UserID).Msg("webhook user throttled")
			return
		}
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("line_user_id", ev.Source.UserID).Msg("webhook event handler panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var err error
		switch ev.Message.Type {
		case "text":
			err = h.HandleText(ctx, intake.TextMessage{
				UserID:     ev.Source.UserID,
				ReplyToken: ev.ReplyToken,
				Text:       ev.Message.Text,
			})
		case "image", "video", "file":
			err = h.HandleMedia(ctx, intake.MediaMessage{
				UserID:     ev.Source.UserID,
				ReplyToken: ev.ReplyToken,
				MessageID:  ev.Message.ID,
				Kind:       mediaKinds[ev.Message.Type],
				FileName:   ev.Message.FileName,
			})
		default:
			return
		}
		if err != nil {
			log.Error().Err(err).Str("line_user_id", ev.Source.UserID).Str("message_type", ev.Message.Type).Msg("webhook event failed")
		}
	}()
}

func eventLabel(ev lineapi.Event) string {
	if ev.Type == "message" && ev.Message.Type != "" {
		return "message_" + ev.Message.Type
	}
	return ev.Type
}
