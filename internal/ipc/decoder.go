package ipc

import (
	"bytes"
	"fmt"
	"strings"
)

// DefaultMaxLine bounds a single line, a FRAME carries a base64 encoded image.
const DefaultMaxLine = 16 << 20

var kinds = []Kind{KindStatus, KindWarning, KindError, KindData, KindFrame}

// Decoder turns an arbitrarily chunked byte stream into classified messages.
// Bytes are buffered until a newline arrives, so a message split across reads
// is only emitted once complete. A Decoder is not safe for concurrent use.
type Decoder struct {
	// MaxLine is the longest line kept, DefaultMaxLine when zero. A longer
	// line is dropped up to its newline and reported as a KindError message.
	MaxLine int

	buf     []byte
	discard bool
}

// Feed appends chunk to the internal buffer and returns every message
// completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []Message {
	d.buf = append(d.buf, chunk...)
	var out []Message
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if d.discard {
			d.buf = d.buf[i+1:]
			d.discard = false
			continue
		}
		if i > d.maxLine() {
			out = append(out, d.overflow())
			d.buf = d.buf[i+1:]
			continue
		}
		line := string(bytes.TrimSuffix(d.buf[:i], []byte{'\r'}))
		d.buf = d.buf[i+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, Classify(line))
	}
	if len(d.buf) > d.maxLine() {
		if !d.discard {
			out = append(out, d.overflow())
		}
		d.discard = true
		d.buf = nil
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

func (d *Decoder) maxLine() int {
	if d.MaxLine <= 0 {
		return DefaultMaxLine
	}
	return d.MaxLine
}

func (d *Decoder) overflow() Message {
	return Message{Kind: KindError, Payload: fmt.Sprintf("line exceeds %d bytes, dropped", d.maxLine())}
}

// Flush returns the unterminated remainder as a message, if any. Call it at EOF.
func (d *Decoder) Flush() (Message, bool) {
	rest := strings.TrimSpace(string(d.buf))
	d.buf = nil
	if d.discard {
		d.discard = false
		return Message{}, false
	}
	if rest == "" {
		return Message{}, false
	}
	return Classify(rest), true
}

// Classify maps a single line to a Message by its prefix.
func Classify(line string) Message {
	for _, k := range kinds {
		if payload, ok := strings.CutPrefix(line, string(k)+":"); ok {
			return Message{Kind: k, Payload: payload}
		}
	}
	return Message{Kind: KindUnknown, Payload: line}
}
