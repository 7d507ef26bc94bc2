// Package conversation holds the dialogue state shared between the gateway
// and the stream relay, and renders it into the exact prompt string a worker
// expects. Conversations are value types: every mutation returns a copy, so
// snapshots handed to observers stay immutable.
package conversation

import (
	"strings"
	"unicode/utf8"
)

// SepStyle selects how rendered messages are joined.
type SepStyle int

const (
	// StyleSingle joins every message with the same separator.
	StyleSingle SepStyle = iota
	// StyleTwo alternates between Sep and Sep2 by message index parity.
	StyleTwo
	// StyleMPT is like StyleSingle but role labels already carry their own
	// delimiters, so no ": " is inserted between role and content.
	StyleMPT
)

// ImageTag is the placeholder token the worker substitutes with image
// embeddings. Its exact spelling is part of the wire contract.
const ImageTag = "<image>"

// Hard caps on the editable user message, applied before the image
// placeholder is appended.
const (
	MaxUserTextWithImage = 1200
	MaxUserText          = 1536
)

// ProcessMode describes how a non-square image should be preprocessed by the
// worker.
type ProcessMode string

const (
	ProcessCrop    ProcessMode = "Crop"
	ProcessResize  ProcessMode = "Resize"
	ProcessPad     ProcessMode = "Pad"
	ProcessDefault ProcessMode = "Default"
)

// Image is an attachment on a single user message. Data is the encoded JPEG
// payload; ID is assigned when the image is persisted and is not derived
// from content.
type Image struct {
	ID          string
	Data        []byte
	ProcessMode ProcessMode
}

// Message is one entry in the dialogue. Pending marks a response slot whose
// content has not arrived yet (the original's null content).
type Message struct {
	Role    string
	Text    string
	Pending bool
	Image   *Image
}

// Conversation is an immutable snapshot of one dialogue. The zero value is
// not usable; start from a template via New.
type Conversation struct {
	Template string
	System   string
	Roles    [2]string
	Messages []Message
	// Offset counts leading few-shot messages that are fixed context.
	Offset   int
	Style    SepStyle
	Sep      string
	Sep2     string
	// WrapImageTag wraps the placeholder in <Image>...</Image> at render
	// time (mmtag template family).
	WrapImageTag bool
	// SkipNext tells the relay to bypass generation for the current turn.
	SkipNext bool
}

// New starts a fresh conversation from a template variant.
func New(t Template) *Conversation {
	return &Conversation{
		Template:     t.Name,
		System:       t.System,
		Roles:        t.Roles,
		Messages:     nil,
		Offset:       0,
		Style:        t.Style,
		Sep:          t.Sep,
		Sep2:         t.Sep2,
		WrapImageTag: t.WrapImageTag,
	}
}

// Clone deep-copies the conversation. Image payloads are shared (they are
// never mutated after attachment); everything else is independent.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	for i := range out.Messages {
		if img := out.Messages[i].Image; img != nil {
			cp := *img
			out.Messages[i].Image = &cp
		}
	}
	return &out
}

// Append returns a copy with a message added.
func (c *Conversation) Append(msg Message) *Conversation {
	out := c.Clone()
	out.Messages = append(out.Messages, msg)
	return out
}

// AppendPending returns a copy with an empty response slot for role.
func (c *Conversation) AppendPending(role string) *Conversation {
	return c.Append(Message{Role: role, Pending: true})
}

// SetLast returns a copy whose last message content is replaced by text. The
// slot is no longer pending: partial streamed output is still a string.
func (c *Conversation) SetLast(text string) *Conversation {
	out := c.Clone()
	if n := len(out.Messages); n > 0 {
		out.Messages[n-1].Text = text
		out.Messages[n-1].Pending = false
	}
	return out
}

// ResetLast returns a copy whose last message is pending again (regenerate).
func (c *Conversation) ResetLast() *Conversation {
	out := c.Clone()
	if n := len(out.Messages); n > 0 {
		out.Messages[n-1].Text = ""
		out.Messages[n-1].Pending = true
	}
	return out
}

// LastText reports the content of the last message.
func (c *Conversation) LastText() string {
	if n := len(c.Messages); n > 0 {
		return c.Messages[n-1].Text
	}
	return ""
}

// PendingResponse reports whether a response slot is currently open.
func (c *Conversation) PendingResponse() bool {
	n := len(c.Messages)
	return n > 0 && c.Messages[n-1].Pending
}

// Images collects the attached images in message order. At most one image is
// attached per conversation; attaching another starts a new conversation.
func (c *Conversation) Images() []*Image {
	var imgs []*Image
	for i := range c.Messages {
		if c.Messages[i].Image != nil {
			imgs = append(imgs, c.Messages[i].Image)
		}
	}
	return imgs
}

// BuildUserText applies the hard length cap and appends the image
// placeholder when an image accompanies the text and the placeholder is not
// already present. The cap is applied before the placeholder is inserted.
func BuildUserText(text string, hasImage bool) string {
	if hasImage {
		text = truncate(text, MaxUserTextWithImage)
		if !strings.Contains(text, ImageTag) {
			text += "\n" + ImageTag
		}
		return text
	}
	return truncate(text, MaxUserText)
}

// truncate caps text at max characters, never splitting a rune.
func truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max])
}

// Render serializes the conversation into the prompt string the worker
// expects. Workers perform no normalization, so separator placement is
// byte-exact. Rendering never mutates the conversation.
func (c *Conversation) Render() string {
	var b strings.Builder

	switch c.Style {
	case StyleTwo:
		seps := [2]string{c.Sep, c.Sep2}
		b.WriteString(c.System)
		b.WriteString(seps[0])
		for i, m := range c.Messages {
			if m.Pending {
				b.WriteString(m.Role)
				b.WriteString(":")
				continue
			}
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(c.messageText(m))
			b.WriteString(seps[i%2])
		}
	case StyleMPT:
		b.WriteString(c.System)
		b.WriteString(c.Sep)
		for _, m := range c.Messages {
			if m.Pending {
				b.WriteString(m.Role)
				continue
			}
			b.WriteString(m.Role)
			b.WriteString(c.messageText(m))
			b.WriteString(c.Sep)
		}
	default: // StyleSingle
		b.WriteString(c.System)
		b.WriteString(c.Sep)
		for _, m := range c.Messages {
			if m.Pending {
				b.WriteString(m.Role)
				b.WriteString(":")
				continue
			}
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(c.messageText(m))
			b.WriteString(c.Sep)
		}
	}

	return b.String()
}

func (c *Conversation) messageText(m Message) string {
	if m.Image != nil && c.WrapImageTag {
		return strings.Replace(m.Text, ImageTag, "<Image>"+ImageTag+"</Image>", 1)
	}
	return m.Text
}

// Stop returns the stop sequence for generation, derived from the separator
// style.
func (c *Conversation) Stop() string {
	if c.Style == StyleSingle || c.Style == StyleMPT {
		return c.Sep
	}
	return c.Sep2
}

// Snapshot is the JSON shape of a conversation in log records, mirroring the
// layout consumers of the conversation log already parse.
type Snapshot struct {
	Template string      `json:"template_name"`
	System   string      `json:"system"`
	Roles    [2]string   `json:"roles"`
	Messages [][2]string `json:"messages"`
	Offset   int         `json:"offset"`
}

// Dict flattens the conversation for logging. Image attachments are reduced
// to their text (image payloads are persisted separately and referenced by
// id in the record).
func (c *Conversation) Dict() Snapshot {
	msgs := make([][2]string, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = [2]string{m.Role, m.Text}
	}
	return Snapshot{
		Template: c.Template,
		System:   c.System,
		Roles:    c.Roles,
		Messages: msgs,
		Offset:   c.Offset,
	}
}
