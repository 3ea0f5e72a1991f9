package tts

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/local/audiobooker/internal/ai"
	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/storage"
)

type fakeEngine struct {
	mu     sync.Mutex
	inputs []string
	fail   func(call int) error
}

func (f *fakeEngine) Name() string   { return "fake" }
func (f *fakeEngine) Format() string { return "mp3" }
func (f *fakeEngine) Speak(_ context.Context, text, _ string, _ book.Tone) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.inputs)
	f.inputs = append(f.inputs, text)
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	return []byte("ID3"), nil
}

func newNarrator(t *testing.T, e Engine) (*Narrator, *storage.Local) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewNarrator(e, store, nil, Options{MaxChars: 100, RetryDelay: time.Millisecond}), store
}

func TestSynthesizeSplitsAndStores(t *testing.T) {
	e := &fakeEngine{}
	n, _ := newNarrator(t, e)
	text := strings.Repeat("The tide came in slowly over the flats. ", 30)

	asset, err := n.Synthesize(context.Background(), Request{BookID: "b", Chapter: 1, Text: text, OutputPath: "b/audio/ch-001.mp3"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(e.inputs) < 2 {
		t.Fatalf("expected the text to be split, got %d pieces", len(e.inputs))
	}
	for _, in := range e.inputs {
		if utf8.RuneCountInString(in) > 100 {
			t.Fatalf("piece exceeds limit: %d", utf8.RuneCountInString(in))
		}
	}
	if asset.Bytes != 3*len(e.inputs) || asset.Format != "mp3" {
		t.Fatalf("unexpected asset %+v", asset)
	}
	data, err := os.ReadFile(strings.TrimPrefix(asset.Ref, "file://"))
	if err != nil || len(data) != asset.Bytes {
		t.Fatalf("stored file mismatch: %v", err)
	}
	// 240 words at 150 wpm
	if asset.Duration != 96*time.Second {
		t.Fatalf("unexpected duration %s", asset.Duration)
	}
}

func TestSynthesizeRetriesTransientErrors(t *testing.T) {
	e := &fakeEngine{fail: func(call int) error {
		if call == 0 {
			return &ai.RateLimitError{Provider: "fake", Model: "tts"}
		}
		return nil
	}}
	n, _ := newNarrator(t, e)
	if _, err := n.Synthesize(context.Background(), Request{Chapter: 1, Text: "Short text.", OutputPath: "a.mp3"}); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if len(e.inputs) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(e.inputs))
	}
}

func TestSynthesizeFatalErrorIsChapterFailure(t *testing.T) {
	e := &fakeEngine{fail: func(int) error { return &ai.HTTPError{StatusCode: 400, Provider: "fake"} }}
	n, _ := newNarrator(t, e)
	_, err := n.Synthesize(context.Background(), Request{Chapter: 4, Text: "Short text.", OutputPath: "a.mp3"})
	var se *SynthesisError
	if !errors.As(err, &se) || se.Chapter != 4 {
		t.Fatalf("expected SynthesisError for chapter 4, got %v", err)
	}
	if len(e.inputs) != 1 {
		t.Fatalf("fatal errors must not be retried, got %d calls", len(e.inputs))
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	n, _ := newNarrator(t, &fakeEngine{})
	_, err := n.Synthesize(context.Background(), Request{Chapter: 2, Text: "  ", OutputPath: "a.mp3"})
	if !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestEstimateDuration(t *testing.T) {
	if d := EstimateDuration(strings.Repeat("w ", 150), 150); d != time.Minute {
		t.Fatalf("expected 1m, got %s", d)
	}
}
