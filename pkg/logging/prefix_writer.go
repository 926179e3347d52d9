package logging

import (
	"bytes"
	"io"
)

// PrefixWriter puts a prefix in front of every complete line written to
// it. A trailing partial line is held back until its newline arrives or
// Flush is called.
type PrefixWriter struct {
	prefix []byte
	writer io.Writer
	buffer bytes.Buffer
}

// NewPrefixWriter creates a new PrefixWriter.
func NewPrefixWriter(prefix string, w io.Writer) *PrefixWriter {
	return &PrefixWriter{prefix: []byte(prefix), writer: w}
}

// Write implements io.Writer. Each prefixed line reaches the underlying
// writer in a single Write call.
func (pw *PrefixWriter) Write(p []byte) (int, error) {
	pw.buffer.Write(p)

	for {
		data := pw.buffer.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if err := pw.emit(data[:i+1]); err != nil {
			return 0, err
		}
		pw.buffer.Next(i + 1)
	}
	return len(p), nil
}

// Flush writes out a held-back partial line, if any.
func (pw *PrefixWriter) Flush() error {
	if pw.buffer.Len() == 0 {
		return nil
	}
	err := pw.emit(pw.buffer.Bytes())
	pw.buffer.Reset()
	return err
}

func (pw *PrefixWriter) emit(line []byte) error {
	out := make([]byte, 0, len(pw.prefix)+len(line))
	out = append(out, pw.prefix...)
	out = append(out, line...)
	_, err := pw.writer.Write(out)
	return err
}
