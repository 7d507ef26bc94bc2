package convlog

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/kestrelworks/parley/internal/conversation"
)

func TestAppendRoundTripInOrder(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir)

	snap := conversation.Snapshot{
		Template: "vicuna_v1",
		Roles:    [2]string{"USER", "ASSISTANT"},
		Messages: [][2]string{{"USER", "hi"}, {"ASSISTANT", "hello"}},
	}

	recs := []Record{
		{Tstamp: Stamp(time.Now()), Type: EventChat, Model: "vicuna-13b", State: snap, IP: "1.2.3.4"},
		{Tstamp: Stamp(time.Now()), Type: EventUpvote, Model: "vicuna-13b", State: snap, IP: "1.2.3.4"},
		{Tstamp: Stamp(time.Now()), Type: EventFlag, Model: "vicuna-13b", State: snap, IP: "5.6.7.8"},
	}
	for _, r := range recs {
		if err := sink.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(sink.Path(time.Now()))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var got []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		got = append(got, r)
	}

	if len(got) != len(recs) {
		t.Fatalf("expected %d records, got %d", len(recs), len(got))
	}
	for i := range recs {
		if got[i].Type != recs[i].Type {
			t.Errorf("record %d type = %q, want %q", i, got[i].Type, recs[i].Type)
		}
	}
	if got[0].State.Messages[1][1] != "hello" {
		t.Errorf("state snapshot lost: %+v", got[0].State)
	}
}

func TestAppendCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/logs"
	sink := NewSink(dir)

	if err := sink.Append(Record{Type: EventChat}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(sink.Path(time.Now())); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

func TestStampRounding(t *testing.T) {
	ts := time.Unix(1700000000, 123456789)
	got := Stamp(ts)
	want := 1700000000.1235
	if got != want {
		t.Errorf("Stamp = %v, want %v", got, want)
	}
}
