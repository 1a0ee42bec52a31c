package agent

import (
	"context"
	"errors"

	"github.com/chadiek/support-desk/internal/conversation"
)

// TTS streams 48kHz PCM mono audio for the given text. The error channel
// carries at most one error; both channels are closed when the stream ends.
type TTS interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// PCM48kSink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode to WebRTC).
// Implementations should buffer internally and pace delivery.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately (used when narration is switched off).
	Reset()
}

// MessageSource is the ordered conversation autoplay reads from.
type MessageSource interface {
	All() []conversation.Message
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}

// ErrNoTTS is reported by NoTTS.
var ErrNoTTS = errors.New("agent: speech synthesis not configured")

// NoTTS fails every request. Autoplay still advances past each message.
type NoTTS struct{}

func (NoTTS) StreamPCM48k(_ context.Context, _ string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte)
	errCh := make(chan error, 1)
	close(pcm)
	errCh <- ErrNoTTS
	close(errCh)
	return pcm, errCh
}
