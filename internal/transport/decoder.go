package transport

import (
	"bytes"
	"unicode/utf8"
)

// StreamDecoder splits a relay response body into text deltas and at most
// one trailing error frame. Its output depends only on the bytes fed, never
// on how they were chunked: partial UTF-8 sequences and partial error
// markers are held back until the next Feed or Flush.
//
// A literal "event: error\n" inside assistant text is read as a frame start;
// the wire format has no escaping for it.
type StreamDecoder struct {
	pending []byte
	inFrame bool
	done    bool
}

// Feed consumes p and returns any text now safe to emit, plus the error
// frame once it has been fully received. Input after a frame is ignored.
func (d *StreamDecoder) Feed(p []byte) (string, *ErrorFrame) {
	if d.done {
		return "", nil
	}
	d.pending = append(d.pending, p...)
	return d.drain(false)
}

// Flush ends the stream, releasing held-back bytes. An unterminated frame is
// still reported.
func (d *StreamDecoder) Flush() (string, *ErrorFrame) {
	if d.done {
		return "", nil
	}
	return d.drain(true)
}

// Done reports whether an error frame has been returned.
func (d *StreamDecoder) Done() bool { return d.done }

func (d *StreamDecoder) drain(final bool) (string, *ErrorFrame) {
	var text []byte
	for {
		if d.inFrame {
			end := bytes.Index(d.pending, []byte(frameTerminator))
			if end < 0 && !final {
				return string(text), nil
			}
			frame := d.pending
			if end >= 0 {
				frame = d.pending[:end]
			}
			d.done = true
			d.pending = nil
			return string(text), parseErrorFrame(frame)
		}

		if i := bytes.Index(d.pending, []byte(ErrorMarker)); i >= 0 {
			text = append(text, d.pending[:i]...)
			d.pending = d.pending[i:]
			d.inFrame = true
			continue
		}

		if final {
			text = append(text, d.pending...)
			d.pending = nil
			return string(text), nil
		}

		keep := markerPrefixLen(d.pending)
		cut := len(d.pending) - keep
		cut -= incompleteRuneLen(d.pending[:cut])
		text = append(text, d.pending[:cut]...)
		d.pending = append([]byte(nil), d.pending[cut:]...)
		return string(text), nil
	}
}

// markerPrefixLen is the length of the longest suffix of b that is a proper
// prefix of ErrorMarker.
func markerPrefixLen(b []byte) int {
	n := len(ErrorMarker) - 1
	if n > len(b) {
		n = len(b)
	}
	for ; n > 0; n-- {
		if bytes.HasSuffix(b, []byte(ErrorMarker[:n])) {
			return n
		}
	}
	return 0
}

// incompleteRuneLen is the number of trailing bytes of b that start a UTF-8
// sequence not yet complete.
func incompleteRuneLen(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
