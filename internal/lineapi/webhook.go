package lineapi

// Webhook payload types, trimmed to the fields the intake flow uses.

// WebhookBody is the envelope LINE posts to the webhook endpoint.
type WebhookBody struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is one webhook event.
type Event struct {
	Type       string  `json:"type"`
	ReplyToken string  `json:"replyToken"`
	Source     Source  `json:"source"`
	Message    Message `json:"message"`
}

// Source identifies the sender.
type Source struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Message is the message part of a message event.
type Message struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	FileName string `json:"fileName"`
}
