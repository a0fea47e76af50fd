package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink sends output to the
	// same place as Printf.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes p to the sink, emitting Prefix before the first byte of every
// line. The returned byte count does not include injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for i := 0; i < len(p); i++ {
		if !w.midLine {
			write(w.Sink, w.Prefix)
			w.midLine = true
		}

		if p[i] != '\n' {
			continue
		}

		write(w.Sink, p[lineStart:i+1])
		written += i + 1 - lineStart
		lineStart = i + 1
		w.midLine = false
	}

	if lineStart < len(p) {
		write(w.Sink, p[lineStart:])
		written += len(p) - lineStart
	}

	return written, nil
}
