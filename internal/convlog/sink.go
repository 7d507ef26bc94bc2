// Package convlog appends completed turns and feedback events to
// date-partitioned JSONL files. Appends are line-atomic; concurrent writers
// may interleave lines but never corrupt them.
package convlog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kestrelworks/parley/internal/conversation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event kinds recorded by the sink.
const (
	EventChat     = "chat"
	EventUpvote   = "upvote"
	EventDownvote = "downvote"
	EventFlag     = "flag"
)

// Record is one log line.
type Record struct {
	Tstamp float64               `json:"tstamp"`
	Type   string                `json:"type"`
	Model  string                `json:"model"`
	Start  float64               `json:"start,omitempty"`
	Finish float64               `json:"finish,omitempty"`
	State  conversation.Snapshot `json:"state"`
	Images []string              `json:"images,omitempty"`
	IP     string                `json:"ip"`
}

// Stamp converts a time to the log's unix-seconds form, rounded to 0.1ms.
func Stamp(t time.Time) float64 {
	return math.Round(float64(t.UnixNano())/1e9*1e4) / 1e4
}

// Sink writes to one file per calendar day under dir.
type Sink struct {
	dir string
}

func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

// Path returns the log file for a given day.
func (s *Sink) Path(t time.Time) string {
	return filepath.Join(s.dir, t.Format("2006-01-02")+"-conv.json")
}

// Append writes one JSON line to today's file, creating the directory and
// file as needed. Existing content is never rewritten or reordered.
func (s *Sink) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	path := s.Path(time.Now())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}

	return nil
}
