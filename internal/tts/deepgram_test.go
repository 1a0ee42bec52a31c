package tts

import (
	"context"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	"github.com/rs/zerolog"
)

// This is a smoke test for StreamPCM48k without an API key; it should error quickly
func TestDeepgram_StreamPCM48k_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
		// ignore
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgram_DefaultModel(t *testing.T) {
	if d := NewDeepgramClient("k", "", zerolog.Nop()); d.model != DefaultDeepgramModel || d.sampleRate != 48000 {
		t.Fatalf("unexpected defaults %+v", d)
	}
}

func TestSpeakStream_ServerErrorFailsSynthesis(t *testing.T) {
	st := &speakStream{failed: make(chan error, 1)}
	cb := &speakCallback{onError: st.fail}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = cb.Error(&msginterfaces.ErrorResponse{})
	}()
	start := time.Now()
	if err := st.wait(context.Background(), 40*time.Millisecond, 2*time.Second); err == nil {
		t.Fatalf("expected the server error to surface")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("error surfaced only after the stream limit")
	}
}

func TestSpeakStream_NoAudioBeforeLimitIsError(t *testing.T) {
	st := &speakStream{failed: make(chan error, 1)}
	if err := st.wait(context.Background(), 40*time.Millisecond, 100*time.Millisecond); err == nil {
		t.Fatalf("expected error for a silent stream")
	}
}

func TestSpeakStream_IdleAfterAudioEndsCleanly(t *testing.T) {
	st := &speakStream{failed: make(chan error, 1)}
	cb := &speakCallback{onBinary: func([]byte) error { st.heard(); return nil }}
	_ = cb.Binary([]byte{1, 2})
	if err := st.wait(context.Background(), 40*time.Millisecond, 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
