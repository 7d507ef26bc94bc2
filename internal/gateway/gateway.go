// Package gateway is the surface a front-end talks to: it owns per-session
// conversation state, validates and moderates input, persists images, and
// hands turns to the relay one at a time per session.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kestrelworks/parley/internal/conversation"
	"github.com/kestrelworks/parley/internal/convlog"
	"github.com/kestrelworks/parley/internal/history"
	"github.com/kestrelworks/parley/internal/images"
	"github.com/kestrelworks/parley/internal/logger"
	"github.com/kestrelworks/parley/internal/moderation"
	"github.com/kestrelworks/parley/internal/relay"
)

var (
	// ErrBusy means the session already has a turn in flight.
	ErrBusy = errors.New("session busy")
	// ErrModerated means the input was rejected by the moderation gate.
	ErrModerated = errors.New(moderation.Msg)
	// ErrNoTurn means there is nothing to regenerate or vote on.
	ErrNoTurn = errors.New("no previous turn")
)

// TurnInput is one submission from a front-end.
type TurnInput struct {
	Model        string
	Text         string
	Image        []byte
	ProcessMode  conversation.ProcessMode
	Temperature  float64
	TopP         float64
	MaxNewTokens int
	ClientID     string
}

// Defaults fill in sampling parameters a submission leaves at zero.
type Defaults struct {
	Temperature  float64
	TopP         float64
	MaxNewTokens int
}

// ModelLister exposes the cached model list.
type ModelLister interface {
	Models() []string
}

type session struct {
	mu         sync.Mutex
	processing sync.Mutex
	conv       *conversation.Conversation
}

func (s *session) tryAcquire() bool {
	return s.processing.TryLock()
}

func (s *session) release() {
	s.processing.Unlock()
}

func (s *session) snapshot() *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

func (s *session) store(conv *conversation.Conversation) {
	s.mu.Lock()
	s.conv = conv
	s.mu.Unlock()
}

// Gateway coordinates sessions, the relay and the supporting stores.
type Gateway struct {
	relay     *relay.Relay
	models    ModelLister
	sink      relay.Sink
	images    images.Store
	moderator moderation.Moderator
	history   *history.Store // nil when disabled
	defaults  Defaults

	mu       sync.RWMutex
	sessions map[string]*session
}

func New(r *relay.Relay, models ModelLister, sink relay.Sink, store images.Store, mod moderation.Moderator, defaults Defaults) *Gateway {
	if mod == nil {
		mod = moderation.Disabled{}
	}
	return &Gateway{
		relay:     r,
		models:    models,
		sink:      sink,
		images:    store,
		moderator: mod,
		defaults:  defaults,
		sessions:  make(map[string]*session),
	}
}

// SetHistory enables turn persistence and session rehydration.
func (g *Gateway) SetHistory(h *history.Store) {
	g.history = h
}

// Models returns the cached model list.
func (g *Gateway) Models() []string {
	return g.models.Models()
}

// Conversation returns the session's current state, or nil for a fresh
// session.
func (g *Gateway) Conversation(sessionID string) *conversation.Conversation {
	return g.getSession(sessionID).snapshot()
}

func (g *Gateway) getSession(sessionID string) *session {
	g.mu.RLock()
	sess, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if ok {
		return sess
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if sess, ok = g.sessions[sessionID]; ok {
		return sess
	}

	sess = &session{}
	if g.history != nil {
		sess.conv = g.rehydrate(sessionID)
	}
	g.sessions[sessionID] = sess
	return sess
}

// rehydrate rebuilds a conversation from stored turns for a returning
// session. Image attachments are not restored; only text survives.
func (g *Gateway) rehydrate(sessionID string) *conversation.Conversation {
	turns, err := g.history.Recent(sessionID)
	if err != nil {
		logger.Warn("history rehydration failed", "session", sessionID, "error", err)
		return nil
	}
	if len(turns) == 0 {
		return nil
	}

	tpl, _ := conversation.Lookup(conversation.DefaultTemplate)
	conv := conversation.New(tpl)
	for _, t := range turns {
		conv = conv.Append(conversation.Message{Role: t.Role, Text: t.Content})
	}
	return conv
}

// SubmitTurn validates one submission, extends the session's conversation and
// dispatches it to the relay. The returned channel carries every conversation
// snapshot the turn emits and is closed when the turn reaches a terminal
// state. A session with a turn in flight returns ErrBusy.
func (g *Gateway) SubmitTurn(ctx context.Context, sessionID string, in TurnInput) (<-chan *conversation.Conversation, error) {
	sess := g.getSession(sessionID)
	if !sess.tryAcquire() {
		return nil, ErrBusy
	}

	conv, err := g.addText(ctx, sess.snapshot(), in)
	if err != nil {
		sess.release()
		return nil, err
	}
	sess.store(conv)

	return g.dispatch(ctx, sessionID, sess, conv, in), nil
}

// addText implements input validation, moderation, image attachment and the
// append of the user message plus the pending response slot.
func (g *Gateway) addText(ctx context.Context, conv *conversation.Conversation, in TurnInput) (*conversation.Conversation, error) {
	text := strings.TrimSpace(in.Text)
	hasImage := len(in.Image) > 0

	if conv == nil {
		tpl, _ := conversation.Lookup(conversation.DefaultTemplate)
		conv = conversation.New(tpl)
	}

	if text == "" && !hasImage {
		conv = conv.Clone()
		conv.SkipNext = true
		return conv, nil
	}

	flagged, err := g.moderator.Flagged(ctx, text)
	if err != nil {
		logger.Warn("moderation check failed", "error", err)
	}
	if flagged {
		conv = conv.Clone()
		conv.SkipNext = true
		return conv, ErrModerated
	}

	text = conversation.BuildUserText(text, hasImage)

	// A conversation carries at most one image. Attaching another starts
	// over from the default template.
	if hasImage && len(conv.Images()) > 0 {
		tpl, _ := conversation.Lookup(conversation.DefaultTemplate)
		conv = conversation.New(tpl)
	}

	msg := conversation.Message{Role: conv.Roles[0], Text: text}
	if hasImage {
		mode := in.ProcessMode
		if mode == "" {
			mode = conversation.ProcessDefault
		}
		id := images.NewID()
		if err := g.images.Save(id, in.Image); err != nil {
			logger.Error("image save failed", "id", id, "error", err)
		}
		msg.Image = &conversation.Image{ID: id, Data: in.Image, ProcessMode: mode}
	}

	conv = conv.Append(msg).AppendPending(conv.Roles[1])
	conv.SkipNext = false
	return conv, nil
}

// Regenerate clears the last response and replays the turn.
func (g *Gateway) Regenerate(ctx context.Context, sessionID string, in TurnInput) (<-chan *conversation.Conversation, error) {
	sess := g.getSession(sessionID)
	if !sess.tryAcquire() {
		return nil, ErrBusy
	}

	conv := sess.snapshot()
	if conv == nil || len(conv.Messages) < 2 {
		sess.release()
		return nil, ErrNoTurn
	}

	conv = conv.ResetLast()
	conv.SkipNext = false
	sess.store(conv)

	return g.dispatch(ctx, sessionID, sess, conv, in), nil
}

// dispatch applies the first-turn template switch and runs the relay in the
// background, publishing every snapshot on the returned channel.
func (g *Gateway) dispatch(ctx context.Context, sessionID string, sess *session, conv *conversation.Conversation, in TurnInput) <-chan *conversation.Conversation {
	if !conv.SkipNext && len(conv.Messages) == conv.Offset+2 {
		conv = switchTemplate(conv, in.Model)
		sess.store(conv)
	}

	clientID := in.ClientID
	if clientID == "" {
		clientID = sessionID
	}

	turn := relay.Turn{
		Model:        in.Model,
		Conv:         conv,
		Temperature:  pick(in.Temperature, g.defaults.Temperature),
		TopP:         pick(in.TopP, g.defaults.TopP),
		MaxNewTokens: pickInt(in.MaxNewTokens, g.defaults.MaxNewTokens),
		ClientID:     clientID,
	}

	ch := make(chan *conversation.Conversation, 16)
	go func() {
		defer close(ch)
		defer sess.release()

		res := g.relay.Run(ctx, turn, func(c *conversation.Conversation) {
			sess.store(c)
			ch <- c
		})
		sess.store(res.Conv)

		if res.State == relay.StateCompleted && !res.Conv.SkipNext {
			g.recordHistory(sessionID, res.Conv)
		}
	}()
	return ch
}

// switchTemplate re-selects the template on the first real turn, carrying the
// just-appended user message and pending slot over to the new variant.
func switchTemplate(conv *conversation.Conversation, model string) *conversation.Conversation {
	tpl := conversation.Select(model)
	if tpl.Name == conv.Template {
		return conv
	}

	user := conv.Messages[len(conv.Messages)-2]
	fresh := conversation.New(tpl)
	user.Role = fresh.Roles[0]
	return fresh.Append(user).AppendPending(fresh.Roles[1])
}

func (g *Gateway) recordHistory(sessionID string, conv *conversation.Conversation) {
	if g.history == nil || len(conv.Messages) < 2 {
		return
	}
	n := len(conv.Messages)
	for _, m := range conv.Messages[n-2 : n] {
		if err := g.history.Add(sessionID, m.Role, m.Text); err != nil {
			logger.Warn("history append failed", "session", sessionID, "error", err)
			return
		}
	}
}

// Vote records user feedback on the session's last turn.
func (g *Gateway) Vote(sessionID, model, event string) error {
	conv := g.getSession(sessionID).snapshot()
	if conv == nil || len(conv.Messages) == 0 {
		return ErrNoTurn
	}

	now := time.Now()
	return g.sink.Append(convlog.Record{
		Tstamp: convlog.Stamp(now),
		Type:   event,
		Model:  model,
		State:  conv.Dict(),
		IP:     sessionID,
	})
}

// Clear resets the session to a fresh conversation.
func (g *Gateway) Clear(sessionID string) error {
	sess := g.getSession(sessionID)
	sess.store(nil)

	if g.history != nil {
		return g.history.Clear(sessionID)
	}
	return nil
}

func pick(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func pickInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
