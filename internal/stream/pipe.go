package stream

import "io"

type pipeReader struct {
	r *io.PipeReader
}

func (p *pipeReader) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeReader) Write(b []byte) (int, error) { return 0, ErrNotSupported }
func (p *pipeReader) Close() error                { return p.r.Close() }

type pipeWriter struct {
	w *io.PipeWriter
}

func (p *pipeWriter) Read(b []byte) (int, error)  { return 0, ErrNotSupported }
func (p *pipeWriter) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeWriter) Close() error                { return p.w.Close() }

// Creates a connected in-process pipe.
//
// Data written to w becomes readable from r. Closing w delivers end of
// input to r. The two ends are meant for different goroutines.
func NewPipe() (r, w *Stream) {
	pr, pw := io.Pipe()
	return New(&pipeReader{r: pr}, FlagRead), New(&pipeWriter{w: pw}, FlagWrite)
}
