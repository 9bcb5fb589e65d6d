package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type fakeBot struct {
	updates      []*models.Update
	getParams    *bot.GetUpdatesParams
	sendParams   *bot.SendMessageParams
	actionParams *bot.SendChatActionParams
	file         *models.File
	fileLink     string
}

func (f *fakeBot) GetUpdates(_ context.Context, params *bot.GetUpdatesParams) ([]*models.Update, error) {
	f.getParams = params
	return f.updates, nil
}

func (f *fakeBot) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.sendParams = params
	return &models.Message{}, nil
}

func (f *fakeBot) SendChatAction(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
	f.actionParams = params
	return true, nil
}

func (f *fakeBot) GetFile(_ context.Context, _ *bot.GetFileParams) (*models.File, error) {
	return f.file, nil
}

func (f *fakeBot) FileDownloadLink(_ *models.File) string {
	return f.fileLink
}

func TestPollUpdatesConvertsMessages(t *testing.T) {
	api := &fakeBot{
		updates: []*models.Update{
			{
				ID: 101,
				Message: &models.Message{
					From: &models.User{ID: 555},
					Chat: models.Chat{ID: 777},
					Text: "hello",
				},
			},
			{
				ID: 102,
				Message: &models.Message{
					From:    &models.User{ID: 555},
					Chat:    models.Chat{ID: 777},
					Caption: "look at this",
					Photo: []models.PhotoSize{
						{FileID: "small", Width: 90, Height: 60},
						{FileID: "large", Width: 1280, Height: 960},
					},
				},
			},
			{ID: 103}, // non-message update
		},
	}
	tr := &Transport{api: api, http: http.DefaultClient}

	got, err := tr.PollUpdates(context.Background(), 42, 15*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if api.getParams.Offset != 42 {
		t.Errorf("offset = %d, want 42", api.getParams.Offset)
	}
	if api.getParams.Timeout != 15 {
		t.Errorf("timeout = %d, want 15 seconds", api.getParams.Timeout)
	}

	if len(got) != 3 {
		t.Fatalf("got %d updates, want 3", len(got))
	}
	if got[0].UpdateID != 101 || got[0].Message.Text != "hello" || got[0].Message.From.ID != 555 {
		t.Errorf("update[0] = %+v", got[0])
	}
	if got[1].Message.Caption != "look at this" || len(got[1].Message.Photos) != 2 {
		t.Errorf("update[1] = %+v", got[1].Message)
	}
	if best := got[1].Message.BestPhoto(); best.FileID != "large" {
		t.Errorf("best photo = %q", best.FileID)
	}
	if got[2].Message != nil {
		t.Error("non-message update should have nil Message")
	}
}

func TestSendMessageParseMode(t *testing.T) {
	api := &fakeBot{}
	tr := &Transport{api: api, http: http.DefaultClient}

	if err := tr.SendMessage(context.Background(), 777, "<b>x</b>", "HTML"); err != nil {
		t.Fatal(err)
	}
	if api.sendParams.ParseMode != models.ParseModeHTML {
		t.Errorf("parse mode = %q", api.sendParams.ParseMode)
	}

	if err := tr.SendMessage(context.Background(), 777, "plain", ""); err != nil {
		t.Fatal(err)
	}
	if api.sendParams.ParseMode != "" {
		t.Errorf("plain send should leave parse mode empty, got %q", api.sendParams.ParseMode)
	}
}

func TestSendChatAction(t *testing.T) {
	api := &fakeBot{}
	tr := &Transport{api: api, http: http.DefaultClient}

	if err := tr.SendChatAction(context.Background(), 777, "typing"); err != nil {
		t.Fatal(err)
	}
	if api.actionParams.Action != models.ChatActionTyping {
		t.Errorf("action = %q", api.actionParams.Action)
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	api := &fakeBot{
		file:     &models.File{FileID: "f1", FilePath: "photos/1.jpg"},
		fileLink: srv.URL + "/photos/1.jpg",
	}
	tr := &Transport{api: api, http: srv.Client()}

	data, mime, err := tr.DownloadFile(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "image-bytes" {
		t.Errorf("data = %q", data)
	}
	if mime != "image/jpeg" {
		t.Errorf("mime = %q", mime)
	}
}

func TestDownloadFileRejectsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	api := &fakeBot{
		file:     &models.File{FileID: "f1"},
		fileLink: srv.URL + "/missing",
	}
	tr := &Transport{api: api, http: srv.Client()}

	if _, _, err := tr.DownloadFile(context.Background(), "f1"); err == nil {
		t.Fatal("expected error on HTTP 404")
	}
}
