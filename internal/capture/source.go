package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrNoFrame is returned by FrameBuffer.AcquireFrame before the first frame arrives.
var ErrNoFrame = errors.New("capture: no frame available")

// FrameSource yields screen frames. Done is closed when the user stops
// sharing from the browser side.
type FrameSource interface {
	AcquireFrame(ctx context.Context) ([]byte, error)
	Done() <-chan struct{}
}

// Extraction is what ingestion returns for one frame.
type Extraction struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

// Ingestor uploads a frame and extracts its text.
type Ingestor interface {
	Submit(ctx context.Context, image []byte) (Extraction, error)
}

// FrameBuffer is a FrameSource fed by the browser socket. It keeps only the
// latest frame.
type FrameBuffer struct {
	mu    sync.Mutex
	frame []byte
	ended bool
	done  chan struct{}
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{done: make(chan struct{})}
}

// Put replaces the latest frame. Frames after End are ignored.
func (b *FrameBuffer) Put(frame []byte) {
	if len(frame) == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.frame = cp
}

// End signals end of stream.
func (b *FrameBuffer) End() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.ended = true
	close(b.done)
}

func (b *FrameBuffer) Done() <-chan struct{} { return b.done }

// AcquireFrame returns a copy of the latest frame.
func (b *FrameBuffer) AcquireFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frame == nil {
		return nil, ErrNoFrame
	}
	cp := make([]byte, len(b.frame))
	copy(cp, b.frame)
	return cp, nil
}

// IngestorFunc adapts a function to Ingestor.
type IngestorFunc func(ctx context.Context, image []byte) (Extraction, error)

func (f IngestorFunc) Submit(ctx context.Context, image []byte) (Extraction, error) {
	return f(ctx, image)
}
