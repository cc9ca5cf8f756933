package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

type chunkReader struct {
	chunks []string
	idx    int
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.idx >= len(r.chunks) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.idx])
	r.idx++
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

type capture struct {
	text     strings.Builder
	topicIDs []string
	complete int
}

func (c *capture) handlers() Handlers {
	return Handlers{
		OnTopicID: func(id string) { c.topicIDs = append(c.topicIDs, id) },
		OnChunk:   func(text, _ string) { c.text.WriteString(text) },
		OnComplete: func() {
			c.complete++
		},
	}
}

func process(t *testing.T, chunks ...string) *capture {
	t.Helper()
	c := &capture{}
	NewDecoder(nil).Process(&chunkReader{chunks: chunks}, c.handlers())
	return c
}

func TestProcessPlainText(t *testing.T) {
	c := process(t, "Hello, ", "world")
	if got := c.text.String(); got != "Hello, world" {
		t.Fatalf("text = %q", got)
	}
	if len(c.topicIDs) != 0 {
		t.Fatalf("unexpected topic ids %v", c.topicIDs)
	}
	if c.complete != 1 {
		t.Fatalf("complete fired %d times", c.complete)
	}
}

func TestProcessStripsMarker(t *testing.T) {
	c := process(t, "topic_id: 0b51e180-4cb6-4c0e-a6c6-6c8f39f8a4d3\nОтвет готов.")
	if got := c.text.String(); got != "\nОтвет готов." {
		t.Fatalf("text = %q", got)
	}
	if len(c.topicIDs) != 1 || c.topicIDs[0] != "0b51e180-4cb6-4c0e-a6c6-6c8f39f8a4d3" {
		t.Fatalf("topic ids = %v", c.topicIDs)
	}
}

func TestProcessMarkerSplitAcrossChunks(t *testing.T) {
	c := process(t, "до topic_i", "d: abc12", "3-def после")
	if got := c.text.String(); got != "до  после" {
		t.Fatalf("text = %q", got)
	}
	if len(c.topicIDs) != 1 || c.topicIDs[0] != "abc123-def" {
		t.Fatalf("topic ids = %v", c.topicIDs)
	}
}

func TestProcessMarkerAtEndOfStream(t *testing.T) {
	c := process(t, "ответ\n", "topic_id: deadbeef")
	if got := c.text.String(); got != "ответ\n" {
		t.Fatalf("text = %q", got)
	}
	if len(c.topicIDs) != 1 || c.topicIDs[0] != "deadbeef" {
		t.Fatalf("topic ids = %v", c.topicIDs)
	}
}

func TestProcessHoldsSplitRune(t *testing.T) {
	// "я" is two bytes; split them across reads.
	raw := []byte("привет")
	c := process(t, string(raw[:3]), string(raw[3:]))
	if got := c.text.String(); got != "привет" {
		t.Fatalf("text = %q", got)
	}
}

func TestProcessReadErrorStillCompletes(t *testing.T) {
	c := &capture{}
	body := &chunkReader{chunks: []string{"partial "}, err: errors.New("connection reset")}
	NewDecoder(nil).Process(body, c.handlers())
	if got := c.text.String(); got != "partial " {
		t.Fatalf("text = %q", got)
	}
	if c.complete != 1 {
		t.Fatalf("complete fired %d times", c.complete)
	}
}

func TestProcessFalseMarkerPrefix(t *testing.T) {
	// Text that merely resembles the prefix must pass through untouched.
	c := process(t, "topic_identity is a different word")
	if got := c.text.String(); got != "topic_identity is a different word" {
		t.Fatalf("text = %q", got)
	}
	if len(c.topicIDs) != 0 {
		t.Fatalf("topic ids = %v", c.topicIDs)
	}
}

func TestHoldbackLen(t *testing.T) {
	cases := []struct {
		data string
		want int
	}{
		{"hello", 0},
		{"hello topic_", 6},
		{"hello topic_id:", 9},
		{"hello topic_id: abc", 13},
		{"topic_id: abc done", 0},
	}
	for _, tc := range cases {
		if got := holdbackLen([]byte(tc.data)); got != tc.want {
			t.Errorf("holdbackLen(%q) = %d, want %d", tc.data, got, tc.want)
		}
	}
}
