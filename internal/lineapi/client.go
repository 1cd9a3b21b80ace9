// Package lineapi is a thin client for the LINE Messaging API: reply
// and push messages, media content retrieval and webhook signature
// validation.
package lineapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultAPIBase  = "https://api.line.me"
	defaultDataBase = "https://api-data.line.me"
)

// Client talks to the LINE Messaging API with a channel access token.
type Client struct {
	HTTP         *http.Client
	ChannelToken string
	// APIBase and DataBase override the LINE endpoints in tests.
	APIBase  string
	DataBase string
}

// NewClient returns a client with sane timeouts for message sends.
// Content downloads stream and are bounded by the caller's context.
func NewClient(channelToken string) *Client {
	return &Client{
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		ChannelToken: channelToken,
	}
}

func (c *Client) apiBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return defaultAPIBase
}

func (c *Client) dataBase() string {
	if c.DataBase != "" {
		return c.DataBase
	}
	return defaultDataBase
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *Client) send(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.ChannelToken)
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("line api %s: %s: %s", path, res.Status, msg)
	}
	return nil
}

// Reply sends a text reply bound to a webhook event's reply token.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	return c.send(ctx, "/v2/bot/message/reply", map[string]any{
		"replyToken": replyToken,
		"messages":   []textMessage{{Type: "text", Text: text}},
	})
}

// Push sends an out-of-band text message to a user.
func (c *Client) Push(ctx context.Context, to, text string) error {
	return c.send(ctx, "/v2/bot/message/push", map[string]any{
		"to":       to,
		"messages": []textMessage{{Type: "text", Text: text}},
	})
}

// ContentInfo describes a media payload's size and type.
type ContentInfo struct {
	Size     int64
	MIMEType string
}

func (c *Client) contentURL(messageID string) string {
	return c.dataBase() + "/v2/bot/message/" + messageID + "/content"
}

// StatContent queries a payload's size and MIME type without
// downloading it.
func (c *Client) StatContent(ctx context.Context, messageID string) (ContentInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.contentURL(messageID), nil)
	if err != nil {
		return ContentInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.ChannelToken)
	res, err := c.HTTP.Do(req)
	if err != nil {
		return ContentInfo{}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return ContentInfo{}, fmt.Errorf("line content head %s: %s", messageID, res.Status)
	}
	size, _ := strconv.ParseInt(res.Header.Get("Content-Length"), 10, 64)
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ContentInfo{Size: size, MIMEType: ct}, nil
}

// OpenContent streams a payload's bytes. The caller must close the
// returned reader.
func (c *Client) OpenContent(ctx context.Context, messageID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.contentURL(messageID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.ChannelToken)
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		res.Body.Close()
		return nil, fmt.Errorf("line content get %s: %s", messageID, res.Status)
	}
	return res.Body, nil
}

// ValidateSignature checks a webhook body against the X-Line-Signature
// header (base64 HMAC-SHA256 with the channel secret).
func ValidateSignature(channelSecret string, body []byte, signature string) bool {
	if channelSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
