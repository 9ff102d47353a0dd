package ble

import (
	"bytes"
	"strings"
)

// DefaultMaxLineBytes caps the undelimited tail held by a LineDecoder.
const DefaultMaxLineBytes = 4096

// LineDecoder reassembles newline-terminated text lines from arbitrarily
// fragmented notification payloads. Not safe for concurrent use.
type LineDecoder struct {
	buf []byte
	max int // 0 = unbounded
}

// NewLineDecoder creates a decoder. maxLineBytes <= 0 disables the cap.
func NewLineDecoder(maxLineBytes int) *LineDecoder {
	if maxLineBytes < 0 {
		maxLineBytes = 0
	}
	return &LineDecoder{max: maxLineBytes}
}

// Feed appends chunk and returns every line completed by it, in order.
// Lines are trimmed of surrounding CR, LF and spaces; blank lines are
// skipped. If the remaining partial line grows past the cap it is
// discarded and ErrFrameTooLong is returned along with the completed lines.
func (d *LineDecoder) Feed(chunk []byte) ([]string, error) {
	d.buf = append(d.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.Trim(string(d.buf[:i]), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	} else if d.max > 0 && len(d.buf) > d.max {
		d.buf = nil
		return lines, ErrFrameTooLong
	}
	return lines, nil
}

// Buffered returns a copy of the bytes not yet terminated by a newline.
func (d *LineDecoder) Buffered() []byte {
	return bytes.Clone(d.buf)
}

// Reset discards any partial line.
func (d *LineDecoder) Reset() {
	d.buf = nil
}
