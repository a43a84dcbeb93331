package kfmt

import "io"

// PrefixWriter wraps an io.Writer and emits Prefix at the start of every
// line written through it. The prefix bytes are not counted in the values
// returned by Write. A nil Sink selects the early print buffer.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	midLine bool
}

// Write implements io.Writer.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	sink := w.Sink
	if sink == nil {
		sink = &earlyPrintBuffer
	}

	for len(p) > 0 {
		if !w.midLine {
			if _, err := sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := len(p)
		for i, b := range p {
			if b == '\n' {
				end = i + 1
				w.midLine = false
				break
			}
		}

		n, err := sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}
		p = p[end:]
	}

	return written, nil
}
