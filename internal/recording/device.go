package recording

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDeviceUnavailable is returned when the capture device cannot be opened.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrStreamClosed is returned when using a released stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrEncoderBusy is returned when a stream already has an open encoder.
	ErrEncoderBusy = errors.New("encoder already open")
)

// Device opens the shared capture stream for a module.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Switchable is a Device whose availability is reported by the client, for
// example when the candidate grants or revokes capture permission.
type Switchable interface {
	SetAvailable(ok bool)
}

// Stream is an acquired capture stream. Each recording opens one encoder
// session on it.
type Stream interface {
	NewEncoder() (Encoder, error)
	Release() error
}

// Encoder is one recording session against a stream.
type Encoder interface {
	// Stop ends the session and returns the encoded clip and its duration.
	Stop() ([]byte, time.Duration, error)
	// Cancel ends the session and drops what was captured.
	Cancel()
}

// ChunkDevice is a Device fed by the client: captured media arrives as
// chunks pushed into the stream.
type ChunkDevice struct {
	mu          sync.Mutex
	contentType string
	now         func() time.Time
	available   bool
}

// NewChunkDevice creates a device producing clips of the given content type.
func NewChunkDevice(contentType string) *ChunkDevice {
	return &ChunkDevice{contentType: contentType, now: time.Now, available: true}
}

// SetAvailable records the client granting or revoking capture permission.
// Later Acquire calls fail while the device is unavailable.
func (d *ChunkDevice) SetAvailable(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available = ok
}

// Acquire returns a new ChunkStream.
func (d *ChunkDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.available {
		return nil, ErrDeviceUnavailable
	}
	return &ChunkStream{contentType: d.contentType, now: d.now}, nil
}

// ChunkStream routes pushed chunks to the open encoder session, if any.
type ChunkStream struct {
	mu          sync.Mutex
	contentType string
	now         func() time.Time
	enc         *chunkEncoder
	closed      bool
}

// ContentType returns the media type of clips from this stream.
func (s *ChunkStream) ContentType() string {
	return s.contentType
}

// Write appends a chunk to the open encoder session. Chunks arriving with
// no session open are dropped.
func (s *ChunkStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	if s.enc == nil {
		return len(p), nil
	}
	return s.enc.buf.Write(p)
}

// NewEncoder opens a session. Only one session may be open at a time.
func (s *ChunkStream) NewEncoder() (Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.enc != nil {
		return nil, ErrEncoderBusy
	}
	s.enc = &chunkEncoder{stream: s, started: s.now()}
	return s.enc, nil
}

// Release closes the stream. Releasing twice is a no-op.
func (s *ChunkStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.enc = nil
	return nil
}

type chunkEncoder struct {
	stream  *ChunkStream
	buf     bytes.Buffer
	started time.Time
}

func (e *chunkEncoder) Stop() ([]byte, time.Duration, error) {
	s := e.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == e {
		s.enc = nil
	}
	data := bytes.Clone(e.buf.Bytes())
	return data, s.now().Sub(e.started), nil
}

func (e *chunkEncoder) Cancel() {
	s := e.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == e {
		s.enc = nil
	}
	e.buf.Reset()
}
