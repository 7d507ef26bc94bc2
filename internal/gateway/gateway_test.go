package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kestrelworks/parley/internal/conversation"
	"github.com/kestrelworks/parley/internal/convlog"
	"github.com/kestrelworks/parley/internal/history"
	"github.com/kestrelworks/parley/internal/relay"
	"github.com/kestrelworks/parley/internal/worker"
)

type fakeResolver struct{ addr string }

func (f *fakeResolver) Resolve(ctx context.Context, model string) (string, error) {
	return f.addr, nil
}

// fakeGenerator replays cumulative outputs on top of whatever prompt the
// turn rendered, mirroring the worker's prompt-echo behavior.
type fakeGenerator struct {
	mu       sync.Mutex
	partials []string
	calls    int
	req      worker.GenerateRequest
	block    chan struct{} // when set, the stream stalls until closed
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, addr string, req worker.GenerateRequest, fn func(worker.Chunk) error) error {
	f.mu.Lock()
	f.calls++
	f.req = req
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, p := range f.partials {
		if err := fn(worker.Chunk{Text: req.Prompt + p}); err != nil {
			if errors.Is(err, worker.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu      sync.Mutex
	records []convlog.Record
}

func (f *fakeSink) Append(rec convlog.Record) error {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) all() []convlog.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]convlog.Record(nil), f.records...)
}

type fakeImageStore struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (f *fakeImageStore) Save(id string, jpeg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[id] = jpeg
	return nil
}

type fakeModels struct{ names []string }

func (f *fakeModels) Models() []string { return f.names }

type flagAll struct{}

func (flagAll) Flagged(context.Context, string) (bool, error) { return true, nil }

func newTestGateway(t *testing.T, gen *fakeGenerator, sink *fakeSink) *Gateway {
	t.Helper()
	r := relay.New(&fakeResolver{addr: "http://w"}, gen, sink)
	r.SetPace(0)
	return New(r, &fakeModels{names: []string{"vicuna-13b"}}, sink, &fakeImageStore{}, nil, Defaults{
		Temperature:  0.2,
		TopP:         0.7,
		MaxNewTokens: 512,
	})
}

func drain(t *testing.T, ch <-chan *conversation.Conversation) []*conversation.Conversation {
	t.Helper()
	var out []*conversation.Conversation
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestSubmitTurnStreamsToCompletion(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"The", "The image shows", "The image shows a man ironing."}}
	sink := &fakeSink{}
	g := newTestGateway(t, gen, sink)

	ch, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{
		Model: "vicuna-13b",
		Text:  "What is unusual about this image?",
		Image: []byte{0xff, 0xd8},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	seen := drain(t, ch)
	if len(seen) == 0 {
		t.Fatal("no snapshots emitted")
	}

	final := g.Conversation("sess-1")
	if got := final.LastText(); got != "The image shows a man ironing." {
		t.Errorf("final text: %q", got)
	}
	if !strings.Contains(final.Messages[0].Text, conversation.ImageTag) {
		t.Errorf("image placeholder missing: %q", final.Messages[0].Text)
	}
	if final.Messages[0].Image == nil || final.Messages[0].Image.ID == "" {
		t.Error("image not attached with an id")
	}

	recs := sink.all()
	if len(recs) != 1 || recs[0].Type != convlog.EventChat {
		t.Fatalf("records: %+v", recs)
	}
	if len(recs[0].Images) != 1 {
		t.Errorf("image ids: %v", recs[0].Images)
	}
}

func TestSubmitTurnRejectsBusySession(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"hi"}, block: make(chan struct{})}
	g := newTestGateway(t, gen, &fakeSink{})

	ch, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "first"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	if _, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "second"}); !errors.Is(err, ErrBusy) {
		t.Errorf("second submit err = %v, want ErrBusy", err)
	}

	// a different session is not affected
	gen2 := &fakeGenerator{partials: []string{"ok"}}
	g2 := newTestGateway(t, gen2, &fakeSink{})
	if _, err := g2.SubmitTurn(context.Background(), "sess-2", TurnInput{Model: "vicuna-13b", Text: "hello"}); err != nil {
		t.Errorf("other session: %v", err)
	}

	close(gen.block)
	drain(t, ch)

	// the slot frees once the turn finishes
	ch, err = g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "third"})
	if err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
	drain(t, ch)
}

func TestEmptyInputSkipsGeneration(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"never"}}
	sink := &fakeSink{}
	g := newTestGateway(t, gen, sink)

	ch, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "   "})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	seen := drain(t, ch)
	if len(seen) != 1 {
		t.Errorf("emissions = %d, want 1", len(seen))
	}
	if gen.callCount() != 0 {
		t.Errorf("generator called %d times", gen.callCount())
	}
	if len(sink.all()) != 0 {
		t.Errorf("skip turn logged: %+v", sink.all())
	}
}

func TestModeratedInputIsRejected(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"never"}}
	r := relay.New(&fakeResolver{addr: "http://w"}, gen, &fakeSink{})
	r.SetPace(0)
	g := New(r, &fakeModels{}, &fakeSink{}, &fakeImageStore{}, flagAll{}, Defaults{})

	_, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "bad words"})
	if !errors.Is(err, ErrModerated) {
		t.Fatalf("err = %v, want ErrModerated", err)
	}
	if gen.callCount() != 0 {
		t.Errorf("generator called after moderation rejection")
	}

	// the session is released; a following turn is accepted
	if _, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "also flagged"}); !errors.Is(err, ErrModerated) {
		t.Errorf("second submit err = %v", err)
	}
}

func TestFirstTurnSwitchesTemplate(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"ok"}}
	g := newTestGateway(t, gen, &fakeSink{})

	ch, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "llava-v1.6-34b", Text: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, ch)

	conv := g.Conversation("sess-1")
	if conv.Template != "chatml_direct" {
		t.Errorf("template = %q, want chatml_direct", conv.Template)
	}
	if conv.Messages[0].Role != conv.Roles[0] {
		t.Errorf("user role not carried over: %q", conv.Messages[0].Role)
	}
}

func TestRegenerateReplaysLastTurn(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"first answer"}}
	g := newTestGateway(t, gen, &fakeSink{})

	ch, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "tell me"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, ch)

	if got := g.Conversation("sess-1").LastText(); got != "first answer" {
		t.Fatalf("first answer: %q", got)
	}

	gen.partials = []string{"second answer"}
	ch, err = g.Regenerate(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b"})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	drain(t, ch)

	conv := g.Conversation("sess-1")
	if got := conv.LastText(); got != "second answer" {
		t.Errorf("after regenerate: %q", got)
	}
	if len(conv.Messages) != 2 {
		t.Errorf("message count = %d, want 2", len(conv.Messages))
	}
	if gen.callCount() != 2 {
		t.Errorf("generator calls = %d, want 2", gen.callCount())
	}
}

func TestRegenerateWithoutTurnFails(t *testing.T) {
	g := newTestGateway(t, &fakeGenerator{}, &fakeSink{})
	if _, err := g.Regenerate(context.Background(), "sess-1", TurnInput{Model: "m"}); !errors.Is(err, ErrNoTurn) {
		t.Errorf("err = %v, want ErrNoTurn", err)
	}
}

func TestVoteAppendsRecord(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"answer"}}
	sink := &fakeSink{}
	g := newTestGateway(t, gen, sink)

	if err := g.Vote("sess-1", "vicuna-13b", convlog.EventUpvote); !errors.Is(err, ErrNoTurn) {
		t.Errorf("vote before any turn: %v", err)
	}

	ch, _ := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "hi"})
	drain(t, ch)

	if err := g.Vote("sess-1", "vicuna-13b", convlog.EventUpvote); err != nil {
		t.Fatalf("vote: %v", err)
	}

	recs := sink.all()
	last := recs[len(recs)-1]
	if last.Type != convlog.EventUpvote || last.Model != "vicuna-13b" || last.IP != "sess-1" {
		t.Errorf("vote record: %+v", last)
	}
}

func TestClearResetsSession(t *testing.T) {
	gen := &fakeGenerator{partials: []string{"answer"}}
	g := newTestGateway(t, gen, &fakeSink{})

	ch, _ := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "hi"})
	drain(t, ch)

	if err := g.Clear("sess-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if conv := g.Conversation("sess-1"); conv != nil {
		t.Errorf("conversation survived clear: %+v", conv)
	}
}

func TestHistoryRehydratesReturningSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	h, err := history.Open(dbPath, 10)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer h.Close()

	gen := &fakeGenerator{partials: []string{"the answer"}}
	g := newTestGateway(t, gen, &fakeSink{})
	g.SetHistory(h)

	ch, err := g.SubmitTurn(context.Background(), "sess-1", TurnInput{Model: "vicuna-13b", Text: "remember this"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, ch)

	// a fresh gateway over the same store sees the prior turn
	g2 := newTestGateway(t, &fakeGenerator{}, &fakeSink{})
	g2.SetHistory(h)

	conv := g2.Conversation("sess-1")
	if conv == nil {
		t.Fatal("no rehydrated conversation")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Text != "remember this" || conv.Messages[1].Text != "the answer" {
		t.Errorf("rehydrated turns: %+v", conv.Messages)
	}
}
