// Package moderation gates user text through a content moderation API
// before it reaches a worker. A flagged turn is skipped, not failed.
package moderation

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Msg is the user-visible text for a moderation rejection.
const Msg = "YOUR INPUT VIOLATES OUR CONTENT MODERATION GUIDELINES. PLEASE TRY AGAIN."

// Moderator decides whether text violates content policy.
type Moderator interface {
	Flagged(ctx context.Context, text string) (bool, error)
}

// Disabled never flags anything.
type Disabled struct{}

func (Disabled) Flagged(context.Context, string) (bool, error) {
	return false, nil
}

// OpenAI asks the OpenAI moderation endpoint.
type OpenAI struct {
	client openai.Client
}

func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (m *OpenAI) Flagged(ctx context.Context, text string) (bool, error) {
	resp, err := m.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return false, err
	}

	for _, r := range resp.Results {
		if r.Flagged {
			return true, nil
		}
	}
	return false, nil
}
