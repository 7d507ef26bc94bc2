// Package relay drives one conversation turn from submission to completion:
// resolve a worker, stream the generation, republish conversation snapshots
// on every chunk, and hand the finished turn to the log sink.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kestrelworks/parley/internal/conversation"
	"github.com/kestrelworks/parley/internal/convlog"
	"github.com/kestrelworks/parley/internal/logger"
	"github.com/kestrelworks/parley/internal/worker"
)

// ServerErrorMsg is the user-visible text shown when a turn dies on
// infrastructure rather than on model output.
const ServerErrorMsg = "**NETWORK ERROR DUE TO HIGH TRAFFIC. PLEASE REGENERATE OR REFRESH THIS PAGE.**"

// defaultPace is the courtesy delay between chunk emissions so observers are
// not overwhelmed. Not a correctness requirement.
const defaultPace = 10 * time.Millisecond

// State of a turn inside the relay.
type State int

const (
	StateIdle State = iota
	StatePromptReady
	StateAwaitingWorker
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePromptReady:
		return "prompt_ready"
	case StateAwaitingWorker:
		return "awaiting_worker"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// FailureKind classifies terminal failures. Every failure is rendered into
// the conversation's last message; none propagates past the turn.
type FailureKind int

const (
	FailNone FailureKind = iota
	FailRegistry
	FailNoWorkerAvailable
	FailWorkerUnreachable
	FailMalformedChunk
	FailUpstreamGeneration
	FailCancelled
)

// Resolver maps a model name to a live worker address ("" = none).
type Resolver interface {
	Resolve(ctx context.Context, model string) (string, error)
}

// Generator issues one streaming generation request.
type Generator interface {
	GenerateStream(ctx context.Context, addr string, req worker.GenerateRequest, fn func(worker.Chunk) error) error
}

// Sink records completed turns.
type Sink interface {
	Append(rec convlog.Record) error
}

// Observer receives every conversation snapshot after the worker is
// resolved, in emission order.
type Observer func(*conversation.Conversation)

// Turn is one pending request: the conversation to extend plus sampling
// parameters. The relay owns the conversation snapshot for the duration of
// the turn.
type Turn struct {
	Model        string
	Conv         *conversation.Conversation
	Temperature  float64
	TopP         float64
	MaxNewTokens int
	ClientID     string
}

// Result is the terminal outcome of a turn.
type Result struct {
	State State
	Kind  FailureKind
	Conv  *conversation.Conversation
	Err   error
}

// Relay executes turns one at a time; callers serialize turns per session.
type Relay struct {
	resolver  Resolver
	generator Generator
	sink      Sink
	pace      time.Duration
}

func New(resolver Resolver, generator Generator, sink Sink) *Relay {
	return &Relay{
		resolver:  resolver,
		generator: generator,
		sink:      sink,
		pace:      defaultPace,
	}
}

// SetPace overrides the inter-chunk delay (tests set it to zero).
func (r *Relay) SetPace(d time.Duration) {
	r.pace = d
}

// Run drives one turn to completion. The observer is invoked for every
// state emission after worker resolution; the returned Result carries the
// final snapshot. Cancelling ctx closes the worker connection and fails the
// turn.
func (r *Relay) Run(ctx context.Context, turn Turn, observe Observer) Result {
	start := time.Now()
	conv := turn.Conv

	// Invalid input or moderation rejection was handled upstream: nothing
	// to generate, no network calls.
	if conv.SkipNext {
		observe(conv)
		return Result{State: StateCompleted, Conv: conv}
	}

	prompt := conv.Render()

	addr, err := r.resolver.Resolve(ctx, turn.Model)
	if err != nil {
		return r.fail(conv, observe, FailRegistry, ServerErrorMsg+"_"+err.Error(), err)
	}
	if addr == "" {
		return r.fail(conv, observe, FailNoWorkerAvailable, ServerErrorMsg+"_Empty worker_addr", nil)
	}

	logger.Debug("worker resolved", "model", turn.Model, "addr", addr)

	images := conv.Images()
	payload := make([]string, len(images))
	imageIDs := make([]string, len(images))
	for i, img := range images {
		payload[i] = base64.StdEncoding.EncodeToString(img.Data)
		imageIDs[i] = img.ID
	}

	req := worker.GenerateRequest{
		Model:        turn.Model,
		Prompt:       prompt,
		Temperature:  turn.Temperature,
		TopP:         turn.TopP,
		MaxNewTokens: turn.MaxNewTokens,
		Stop:         conv.Stop(),
		Images:       payload,
	}

	// Open the response slot before the first chunk lands.
	conv = conv.SetLast("")
	observe(conv)

	var upstream *Result
	err = r.generator.GenerateStream(ctx, addr, req, func(ch worker.Chunk) error {
		if ch.ErrorCode != 0 {
			text := fmt.Sprintf("%s (error_code: %d)", ch.Text, ch.ErrorCode)
			conv = conv.SetLast(text)
			observe(conv)
			upstream = &Result{State: StateFailed, Kind: FailUpstreamGeneration, Conv: conv}
			return worker.ErrStop
		}

		// Each record carries the full text so far, prompt included.
		output := strings.TrimSpace(strings.TrimPrefix(ch.Text, prompt))
		conv = conv.SetLast(output)
		observe(conv)

		if r.pace > 0 {
			select {
			case <-time.After(r.pace):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if upstream != nil {
		return *upstream
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return r.fail(conv, observe, FailCancelled, ServerErrorMsg+"_"+err.Error(), err)
		}

		var cerr *worker.ClientError
		kind := FailWorkerUnreachable
		if errors.As(err, &cerr) && cerr.Kind == worker.KindMalformedChunk {
			kind = FailMalformedChunk
		}
		return r.fail(conv, observe, kind, ServerErrorMsg+"_"+err.Error(), err)
	}

	finish := time.Now()
	rec := convlog.Record{
		Tstamp: convlog.Stamp(finish),
		Type:   convlog.EventChat,
		Model:  turn.Model,
		Start:  convlog.Stamp(start),
		Finish: convlog.Stamp(finish),
		State:  conv.Dict(),
		Images: imageIDs,
		IP:     turn.ClientID,
	}
	if err := r.sink.Append(rec); err != nil {
		logger.Error("conversation log append failed", "error", err)
	}

	return Result{State: StateCompleted, Conv: conv}
}

func (r *Relay) fail(conv *conversation.Conversation, observe Observer, kind FailureKind, msg string, cause error) Result {
	conv = conv.SetLast(msg)
	observe(conv)
	logger.Warn("turn failed", "kind", int(kind), "error", cause)
	return Result{State: StateFailed, Kind: kind, Conv: conv, Err: cause}
}
