// Package chat abstracts the owner messaging channel. The supervisor and
// workers speak to this interface; the telegram subpackage provides the
// production implementation and tests substitute fakes.
package chat

import (
	"context"
	"time"
)

// Parse modes accepted by SendMessage. Empty means plain text.
const (
	ParseModeHTML = "HTML"
)

// ActionTyping is the chat action name for the typing indicator.
const ActionTyping = "typing"

// Transport is the minimal surface of the messaging platform the runtime
// needs: long-poll inbound, send outbound, typing hint, photo download.
type Transport interface {
	PollUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID string) (data []byte, mime string, err error)
}

// Update is one inbound long-poll item. UpdateID orders updates and drives
// the persisted poll offset.
type Update struct {
	UpdateID int64
	Message  *IncomingMessage
}

// IncomingMessage is a normalized inbound message.
type IncomingMessage struct {
	From    User
	Chat    Chat
	Text    string
	Caption string
	Photos  []PhotoSize
}

// User identifies a sender.
type User struct {
	ID int64
}

// Chat identifies a conversation.
type Chat struct {
	ID int64
}

// PhotoSize is one variant of an attached photo.
type PhotoSize struct {
	FileID string
	Width  int
	Height int
}

// BestPhoto returns the largest attached photo variant, or nil when the
// message has none. Platforms send variants smallest-first but the order
// is not contractual, so pick by area.
func (m *IncomingMessage) BestPhoto() *PhotoSize {
	if m == nil || len(m.Photos) == 0 {
		return nil
	}
	best := 0
	for i, p := range m.Photos {
		if p.Width*p.Height > m.Photos[best].Width*m.Photos[best].Height {
			best = i
		}
	}
	return &m.Photos[best]
}

// DispatchText is the task text derived from a message: the text body,
// else the photo caption, else a placeholder when only a photo arrived.
// Empty means the message carries nothing actionable.
func (m *IncomingMessage) DispatchText() string {
	if m == nil {
		return ""
	}
	if m.Text != "" {
		return m.Text
	}
	if m.Caption != "" {
		return m.Caption
	}
	if len(m.Photos) > 0 {
		return "(image attached)"
	}
	return ""
}
