package wire

import (
	"io"
	"sync"
)

// FrameTransform rewrites one inbound frame into zero or more outbound
// frames. Transforms run in write order and must not block.
type FrameTransform interface {
	Transform(Frame) []Frame
	// Flush emits any frames needed to terminate the transform's state,
	// called once when the stream closes.
	Flush() []Frame
}

// DataStream is the producer side of one outbound response stream. Writers
// push frames; the HTTP handler copies Reader() to the response body. A
// DataStream is safe for concurrent writers.
type DataStream struct {
	mu         sync.Mutex
	pr         *io.PipeReader
	pw         *io.PipeWriter
	transforms []FrameTransform
	closed     bool
}

func NewDataStream(transforms ...FrameTransform) *DataStream {
	pr, pw := io.Pipe()
	return &DataStream{pr: pr, pw: pw, transforms: transforms}
}

// Reader returns the consumer end of the stream.
func (d *DataStream) Reader() io.Reader { return d.pr }

// WriteFrame pushes one frame through the transform chain onto the wire.
func (d *DataStream) WriteFrame(f Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.ErrClosedPipe
	}
	frames := []Frame{f}
	for _, tr := range d.transforms {
		next := make([]Frame, 0, len(frames))
		for _, in := range frames {
			next = append(next, tr.Transform(in)...)
		}
		frames = next
	}
	return d.writeLocked(frames)
}

func (d *DataStream) writeLocked(frames []Frame) error {
	for _, f := range frames {
		if _, err := d.pw.Write(f.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// WriteText emits a text delta frame.
func (d *DataStream) WriteText(s string) error { return d.WriteFrame(Text(s)) }

// WriteReasoning emits a reasoning delta frame.
func (d *DataStream) WriteReasoning(s string) error { return d.WriteFrame(Reasoning(s)) }

// WriteData emits a data frame.
func (d *DataStream) WriteData(v any) error {
	f, err := Data(v)
	if err != nil {
		return err
	}
	return d.WriteFrame(f)
}

// WriteAnnotation emits a message-annotation frame.
func (d *DataStream) WriteAnnotation(v any) error {
	f, err := Annotation(v)
	if err != nil {
		return err
	}
	return d.WriteFrame(f)
}

// WriteError emits an error frame.
func (d *DataStream) WriteError(msg string) error { return d.WriteFrame(Error(msg)) }

// Close flushes transform state and closes the stream. Subsequent writes
// fail with io.ErrClosedPipe.
func (d *DataStream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, tr := range d.transforms {
		if err := d.writeLocked(tr.Flush()); err != nil {
			d.pw.CloseWithError(err)
			return err
		}
	}
	return d.pw.Close()
}

// CloseReader shuts the consumer end of the stream. The HTTP handler calls
// it once its copy loop exits so a departed client cannot strand producers:
// pending and future writes fail with io.ErrClosedPipe.
func (d *DataStream) CloseReader() error {
	return d.pr.CloseWithError(io.ErrClosedPipe)
}

// CloseWithError terminates the stream; the reader observes err.
func (d *DataStream) CloseWithError(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.pw.CloseWithError(err)
}
