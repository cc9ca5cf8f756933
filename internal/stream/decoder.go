// Package stream decodes the backend's chunked text responses. The stream is
// plain UTF-8 text with one quirk: the backend may embed a control marker of
// the form "topic_id: <uuid-or-hex>" inline in the text. The decoder strips
// every marker occurrence from the emitted text and reports the identifier
// through a dedicated callback.
package stream

import (
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"egpt/internal/logging"
)

const markerPrefix = "topic_id:"

// markerHoldMax bounds how many trailing bytes may be withheld while waiting
// to see whether they complete a marker: the prefix, its whitespace, and a
// generous identifier length (a UUID is 36 bytes).
const markerHoldMax = len(markerPrefix) + 1 + 64

var markerPattern = regexp.MustCompile(`topic_id:\s[0-9a-fA-F-]+`)

// Handlers receives the decoded stream. OnChunk gets cleaned text plus the
// identifier detected in that fragment, if any. OnTopicID fires on marker
// detection; only the first invocation per stream carries new information.
// OnComplete fires exactly once, on every exit path, after the body is
// released; downstream state must never be left waiting on a stream that
// already ended.
type Handlers struct {
	OnTopicID  func(topicID string)
	OnChunk    func(text string, topicID string)
	OnComplete func()
}

type Decoder struct {
	log logging.Logger
}

func NewDecoder(log logging.Logger) *Decoder {
	if log == nil {
		log = logging.Nop()
	}
	return &Decoder{log: log}
}

// Process reads body to completion, invoking the handlers sequentially (one
// fragment at a time, in arrival order). Read errors are logged and
// swallowed: the stream is best-effort and the UI must not hang on a broken
// connection, so the caller sees completion either way.
func (d *Decoder) Process(body io.ReadCloser, handlers Handlers) {
	defer func() {
		_ = body.Close()
		if handlers.OnComplete != nil {
			handlers.OnComplete()
		}
	}()

	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			hold := holdbackLen(carry)
			if emit := carry[:len(carry)-hold]; len(emit) > 0 {
				d.emit(string(emit), handlers)
			}
			carry = append([]byte(nil), carry[len(carry)-hold:]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			d.log.Warn("stream read failed", logging.F("err", err))
			return
		}
	}
	// A marker terminated by end-of-stream is still a marker.
	if len(carry) > 0 {
		d.emit(string(carry), handlers)
	}
}

func (d *Decoder) emit(fragment string, handlers Handlers) {
	detected := ""
	if loc := markerPattern.FindStringIndex(fragment); loc != nil {
		rest := fragment[loc[0]+len(markerPrefix):]
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			detected = fields[0]
		}
		if detected != "" && handlers.OnTopicID != nil {
			handlers.OnTopicID(detected)
		}
	}
	cleaned := markerPattern.ReplaceAllString(fragment, "")
	if handlers.OnChunk != nil {
		handlers.OnChunk(cleaned, detected)
	}
}

// holdbackLen returns how many trailing bytes of data must be withheld from
// emission because they could still grow into a marker on the next read, or
// because they are an incomplete UTF-8 sequence. This is the boundary policy
// for markers split across chunk boundaries: hold, never miss.
func holdbackLen(data []byte) int {
	start := 0
	if len(data) > markerHoldMax {
		start = len(data) - markerHoldMax
	}
	for i := start; i < len(data); i++ {
		if couldBeMarkerPrefix(data[i:]) {
			return len(data) - i
		}
	}
	return utf8Holdback(data)
}

// couldBeMarkerPrefix reports whether tail is a proper prefix of a marker:
// either part of "topic_id:" plus its whitespace, or that prefix followed
// only by identifier characters (which the next read may extend).
func couldBeMarkerPrefix(tail []byte) bool {
	head := markerPrefix + " "
	if len(tail) < len(head) {
		return strings.HasPrefix(head, string(tail))
	}
	if string(tail[:len(markerPrefix)]) != markerPrefix || !isMarkerSpace(tail[len(markerPrefix)]) {
		return false
	}
	for _, b := range tail[len(markerPrefix)+1:] {
		if !isIdentByte(b) {
			return false
		}
	}
	return true
}

func isMarkerSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

func isIdentByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b >= 'a' && b <= 'f':
		return true
	case b >= 'A' && b <= 'F':
		return true
	case b == '-':
		return true
	}
	return false
}

// utf8Holdback returns the length of a trailing incomplete UTF-8 sequence,
// so multi-byte runes split across reads are never emitted in halves.
func utf8Holdback(data []byte) int {
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b < utf8.RuneSelf {
			return 0
		}
		if b >= 0xC0 {
			// start byte: held only if the rune is incomplete
			if r, size := utf8.DecodeRune(data[len(data)-i:]); r == utf8.RuneError && size <= 1 {
				return i
			}
			if !utf8.FullRune(data[len(data)-i:]) {
				return i
			}
			return 0
		}
	}
	return 0
}
