package stdio

import (
	"bytes"
	"fmt"
	"io"
)

// LineBuffer accumulates task output until a newline or the buffer fills,
// so line-buffered mode frames whole lines.
type LineBuffer struct {
	buf bytes.Buffer
	max int
}

// NewLineBuffer returns a line buffer flushing at max bytes.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = BufSize
	}
	return &LineBuffer{max: max}
}

// Add appends data and returns every complete chunk ready to frame:
// full lines, plus a forced flush whenever the buffer reaches max.
func (l *LineBuffer) Add(data []byte) [][]byte {
	var out [][]byte
	l.buf.Write(data)
	for {
		b := l.buf.Bytes()
		nl := bytes.IndexByte(b, '\n')
		switch {
		case nl >= 0:
			line := make([]byte, nl+1)
			copy(line, b[:nl+1])
			l.buf.Next(nl + 1)
			out = append(out, line)
		case l.buf.Len() >= l.max:
			chunk := make([]byte, l.max)
			copy(chunk, b[:l.max])
			l.buf.Next(l.max)
			out = append(out, chunk)
		default:
			return out
		}
	}
}

// Flush drains whatever remains.
func (l *LineBuffer) Flush() []byte {
	if l.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, l.buf.Len())
	copy(out, l.buf.Bytes())
	l.buf.Reset()
	return out
}

// LabelWriter prefixes each emitted line with its global task id, the
// client-side label-io mode.
type LabelWriter struct {
	w       io.Writer
	gtaskid uint16
	midline bool
}

// NewLabelWriter wraps w labeling lines for one task.
func NewLabelWriter(w io.Writer, gtaskid uint16) *LabelWriter {
	return &LabelWriter{w: w, gtaskid: gtaskid}
}

func (l *LabelWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if !l.midline {
			if _, err := fmt.Fprintf(l.w, "%d: ", l.gtaskid); err != nil {
				return total - len(p), err
			}
			l.midline = true
		}
		nl := bytes.IndexByte(p, '\n')
		if nl < 0 {
			if _, err := l.w.Write(p); err != nil {
				return total - len(p), err
			}
			break
		}
		if _, err := l.w.Write(p[:nl+1]); err != nil {
			return total - len(p), err
		}
		l.midline = false
		p = p[nl+1:]
	}
	return total, nil
}
