package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/ouroboros/internal/chat"
	"github.com/haasonsaas/ouroboros/internal/media"
	"github.com/haasonsaas/ouroboros/internal/state"
	"github.com/haasonsaas/ouroboros/internal/tasks"
)

// handleUpdate processes one inbound update: owner adoption, auth, pending
// approvals, slash commands, then message dispatch.
func (s *Supervisor) handleUpdate(ctx context.Context, upd chat.Update) {
	msg := upd.Message
	if msg == nil {
		return
	}
	fromID := msg.From.ID
	chatID := msg.Chat.ID
	if fromID == 0 || chatID == 0 {
		return
	}

	s.adoptOwner(fromID, chatID)
	if !s.isOwner(fromID) {
		// Exact text through the raw transport: no rendering, no footer.
		if err := s.transport.SendMessage(ctx, chatID, "Not authorized", ""); err != nil {
			s.logger.Warn("rejection send failed", "chat_id", chatID, "error", err)
		}
		return
	}

	s.noteOwnerContact()

	text := strings.TrimSpace(msg.Text)
	if text != "" {
		if s.resolveApproval(ctx, text) {
			return
		}
		if s.handleCommand(ctx, text, chatID) {
			return
		}
	}

	dispatch := msg.DispatchText()
	if dispatch == "" {
		return
	}
	s.dispatchMessage(ctx, msg, dispatch, chatID)
}

// adoptOwner claims the first sender as owner. Identity is first-come and
// never reassigned.
func (s *Supervisor) adoptOwner(fromID, chatID int64) {
	snap := s.store.Current()
	if snap.OwnerID != 0 && snap.OwnerChatID != 0 {
		return
	}
	err := s.store.Mutate(func(sn *state.Snapshot) {
		if sn.OwnerID == 0 {
			sn.OwnerID = fromID
		}
		if sn.OwnerChatID == 0 {
			sn.OwnerChatID = chatID
		}
	})
	if err != nil {
		s.logger.Error("owner adoption persist failed", "error", err)
		return
	}
	s.logger.Info("owner adopted", "owner_id", fromID, "chat_id", chatID)
}

func (s *Supervisor) isOwner(fromID int64) bool {
	ownerID := s.store.Current().OwnerID
	return ownerID != 0 && ownerID == fromID
}

// noteOwnerContact timestamps the last owner message; the consciousness
// silence heuristic reads it.
func (s *Supervisor) noteOwnerContact() {
	at := s.now().UTC().Format(time.RFC3339)
	err := s.store.Mutate(func(sn *state.Snapshot) { sn.LastOwnerMessageAt = at })
	if err != nil {
		s.logger.Warn("owner contact timestamp persist failed", "error", err)
	}
}

// dispatchMessage injects text into the running chat task when one exists,
// otherwise enqueues a new chat task. Messages carrying a photo always
// become tasks; injection would lose the image.
func (s *Supervisor) dispatchMessage(ctx context.Context, msg *chat.IncomingMessage, text string, chatID int64) {
	if msg.BestPhoto() == nil {
		if t := s.queue.RunningChat(); t != nil && s.pool.Inject(t.ID, text) {
			s.logger.Info("owner message injected", "task_id", t.ID)
			return
		}
	}

	t := tasks.New(tasks.TypeChat, text, chatID, 0)
	s.attachPhoto(ctx, msg, t)
	if !s.queue.Enqueue(t) {
		s.logger.Warn("chat task dropped as duplicate", "task_id", t.ID)
		return
	}
	s.logger.Info("chat task enqueued",
		"task_id", t.ID, "has_image", t.ImageB64 != "")
}

// attachPhoto downloads and downscales the best photo variant onto the
// task. Failures degrade to a text-only task.
func (s *Supervisor) attachPhoto(ctx context.Context, msg *chat.IncomingMessage, t *tasks.Task) {
	photo := msg.BestPhoto()
	if photo == nil {
		return
	}
	data, _, err := s.transport.DownloadFile(ctx, photo.FileID)
	if err != nil {
		s.logger.Warn("photo download failed", "file_id", photo.FileID, "error", err)
		return
	}
	// The source mime is irrelevant: PrepareVisionImage re-encodes as JPEG.
	b64, err := media.PrepareVisionImage(data)
	if err != nil {
		s.logger.Warn("photo unusable for vision", "error", err)
		return
	}
	t.ImageB64 = b64
	t.ImageMime = "image/jpeg"
}
