package notifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeAPI struct {
	sent      []tgbotapi.Chattable
	failOnNth int // 1-indexed; 0 means never fail
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if f.failOnNth != 0 && len(f.sent) == f.failOnNth {
		return tgbotapi.Message{}, errors.New("send failed")
	}
	return tgbotapi.Message{}, nil
}

func makePages(t *testing.T, n int) []Page {
	t.Helper()
	dir := t.TempDir()
	pages := make([]Page, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, "page.png")
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write page: %v", err)
		}
		pages[i] = Page{Index: i, Path: p}
	}
	return pages
}

func TestSendMediaGroupBatchGeometry(t *testing.T) {
	cases := []struct {
		pages        int
		wantBatches  int
		lastBatchLen int
	}{
		{pages: 1, wantBatches: 1, lastBatchLen: 1},
		{pages: 10, wantBatches: 1, lastBatchLen: 10},
		{pages: 11, wantBatches: 2, lastBatchLen: 1},
		{pages: 25, wantBatches: 3, lastBatchLen: 5},
	}

	for _, tc := range cases {
		api := &fakeAPI{}
		n := New(api)
		pages := makePages(t, tc.pages)

		result := n.SendMediaGroup(context.Background(), 1, pages, "caption", 0, tc.wantBatches)
		if result.TerminalError != nil {
			t.Fatalf("pages=%d: unexpected error: %v", tc.pages, result.TerminalError)
		}
		if len(api.sent) != tc.wantBatches {
			t.Fatalf("pages=%d: expected %d sends, got %d", tc.pages, tc.wantBatches, len(api.sent))
		}
		if len(result.DeliveredPageIndices) != tc.pages {
			t.Fatalf("pages=%d: expected %d delivered indices, got %d", tc.pages, tc.pages, len(result.DeliveredPageIndices))
		}
	}
}

func TestSendMediaGroupContinuedCaption(t *testing.T) {
	api := &fakeAPI{}
	n := New(api)
	pages := makePages(t, 25)

	result := n.SendMediaGroup(context.Background(), 1, pages, Escape("title"), 0, 3)
	if result.TerminalError != nil {
		t.Fatalf("unexpected error: %v", result.TerminalError)
	}

	group1, ok := api.sent[1].(tgbotapi.MediaGroupConfig)
	if !ok {
		t.Fatalf("expected batch 1 to be a media group, got %T", api.sent[1])
	}
	photo, ok := group1.Media[0].(tgbotapi.InputMediaPhoto)
	if !ok {
		t.Fatalf("expected first media item to be a photo, got %T", group1.Media[0])
	}
	want := Escape("(continued 2/3)")
	if photo.Caption != want {
		t.Fatalf("caption = %q, want %q", photo.Caption, want)
	}
}

func TestSendMediaGroupResumeStartsAtGivenBatch(t *testing.T) {
	api := &fakeAPI{}
	n := New(api)
	// Resuming work 20 from S3: pages 10..24 remain, original geometry had 3
	// batches, so this call starts at batch 1.
	pages := makePages(t, 15)

	result := n.SendMediaGroup(context.Background(), 1, pages, "unused", 1, 3)
	if result.TerminalError != nil {
		t.Fatalf("unexpected error: %v", result.TerminalError)
	}
	group0, ok := api.sent[0].(tgbotapi.MediaGroupConfig)
	if !ok {
		t.Fatalf("expected media group, got %T", api.sent[0])
	}
	photo := group0.Media[0].(tgbotapi.InputMediaPhoto)
	want := Escape("(continued 2/3)")
	if photo.Caption != want {
		t.Fatalf("caption = %q, want %q", photo.Caption, want)
	}
}

func TestSendMediaGroupStopsAtFirstFailedBatch(t *testing.T) {
	api := &fakeAPI{failOnNth: 2}
	n := New(api)
	pages := makePages(t, 25)

	result := n.SendMediaGroup(context.Background(), 1, pages, "caption", 0, 3)
	if result.TerminalError == nil {
		t.Fatalf("expected terminal error")
	}
	if result.FirstFailedBatch == nil || *result.FirstFailedBatch != 1 {
		t.Fatalf("expected first failed batch 1, got %v", result.FirstFailedBatch)
	}
	if len(result.DeliveredPageIndices) != 10 {
		t.Fatalf("expected 10 delivered indices (batch 0 only), got %d", len(result.DeliveredPageIndices))
	}
}

func TestSingleImageUsesSendPhoto(t *testing.T) {
	api := &fakeAPI{}
	n := New(api)
	pages := makePages(t, 1)

	n.SendMediaGroup(context.Background(), 1, pages, "caption", 0, 1)
	if _, ok := api.sent[0].(tgbotapi.PhotoConfig); !ok {
		t.Fatalf("expected PhotoConfig for single-page batch, got %T", api.sent[0])
	}
}

func TestEscapeHandlesMarkdownV2Specials(t *testing.T) {
	got := Escape("a.b_c-d")
	want := `a\.b\_c\-d`
	if got != want {
		t.Fatalf("Escape() = %q, want %q", got, want)
	}
}
