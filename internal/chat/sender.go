package chat

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// maxMessageLen is the platform hard limit per message.
const maxMessageLen = 4096

// splitLimit is where we cut the Markdown source before rendering, leaving
// headroom for the tags and entities rendering adds.
const splitLimit = 3500

// Sender delivers owner-facing text: Markdown rendered to HTML, long
// messages split at paragraph boundaries, plain-text fallback when the
// platform rejects the rendered form. A failed render must never drop a
// message.
type Sender struct {
	transport Transport
	markdown  bool
	logger    *slog.Logger
}

// NewSender wraps a transport. markdown=false skips rendering entirely.
func NewSender(t Transport, markdown bool, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{transport: t, markdown: markdown, logger: logger}
}

// Send delivers text to chatID. Blank input is a no-op.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var firstErr error
	for _, part := range SplitMessage(text, splitLimit) {
		if err := s.sendPart(ctx, chatID, part); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sender) sendPart(ctx context.Context, chatID int64, part string) error {
	if s.markdown {
		rendered := RenderHTML(part)
		if len(rendered) <= maxMessageLen {
			err := s.transport.SendMessage(ctx, chatID, rendered, ParseModeHTML)
			if err == nil {
				return nil
			}
			s.logger.Warn("html send rejected, retrying as plain text",
				"chat_id", chatID, "error", err)
		}
	}
	plain := part
	if s.markdown {
		plain = StripToPlain(part)
	}
	for _, chunk := range SplitMessage(plain, maxMessageLen) {
		if err := s.transport.SendMessage(ctx, chatID, chunk, ""); err != nil {
			return err
		}
	}
	return nil
}

// SplitMessage cuts text into pieces of at most limit bytes, preferring
// paragraph breaks, then line breaks, then a hard cut on a rune boundary.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		window := text[:limit]
		cut := strings.LastIndex(window, "\n\n")
		if cut < limit/2 {
			cut = strings.LastIndex(window, "\n")
		}
		if cut < limit/2 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
