// Package telegram implements chat.Transport on the Telegram Bot API via
// go-telegram/bot.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/ouroboros/internal/chat"
)

// maxDownloadBytes caps photo downloads; the Bot API itself refuses files
// over 20 MB.
const maxDownloadBytes = 20 << 20

// botAPI is the slice of *bot.Bot the transport uses. Indirection exists
// for tests; production always passes the real client.
type botAPI interface {
	GetUpdates(ctx context.Context, params *bot.GetUpdatesParams) ([]*models.Update, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	FileDownloadLink(f *models.File) string
}

// Transport adapts the Telegram client to chat.Transport.
type Transport struct {
	api  botAPI
	http *http.Client
}

var _ chat.Transport = (*Transport)(nil)

// New dials nothing: construction succeeds offline and the first poll
// surfaces any auth problem. GetMe is skipped for the same reason.
func New(token string) (*Transport, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("telegram client: %w", err)
	}
	return &Transport{
		api:  b,
		http: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// PollUpdates long-polls for message updates starting at offset.
func (t *Transport) PollUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]chat.Update, error) {
	updates, err := t.api.GetUpdates(ctx, &bot.GetUpdatesParams{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}

	out := make([]chat.Update, 0, len(updates))
	for _, u := range updates {
		if u == nil {
			continue
		}
		cu := chat.Update{UpdateID: u.ID}
		if u.Message != nil {
			cu.Message = convertMessage(u.Message)
		}
		out = append(out, cu)
	}
	return out, nil
}

func convertMessage(m *models.Message) *chat.IncomingMessage {
	msg := &chat.IncomingMessage{
		Chat:    chat.Chat{ID: m.Chat.ID},
		Text:    m.Text,
		Caption: m.Caption,
	}
	if m.From != nil {
		msg.From = chat.User{ID: m.From.ID}
	}
	for _, p := range m.Photo {
		msg.Photos = append(msg.Photos, chat.PhotoSize{
			FileID: p.FileID,
			Width:  p.Width,
			Height: p.Height,
		})
	}
	return msg
}

// SendMessage delivers text; parseMode "" means plain.
func (t *Transport) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if parseMode != "" {
		params.ParseMode = models.ParseMode(parseMode)
	}
	if _, err := t.api.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendChatAction shows the given action (typically "typing") in the chat.
func (t *Transport) SendChatAction(ctx context.Context, chatID int64, action string) error {
	_, err := t.api.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatAction(action),
	})
	if err != nil {
		return fmt.Errorf("send chat action: %w", err)
	}
	return nil
}

// DownloadFile fetches a file's bytes by its Telegram file id. The mime
// type comes from the download response, octet-stream when absent.
func (t *Transport) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	f, err := t.api.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}

	link := t.api.FileDownloadLink(f)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download file: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", fmt.Errorf("file exceeds %d bytes", maxDownloadBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return data, mime, nil
}
