package tts

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type scriptedTTS struct {
	chunks [][]byte
	err    error
	calls  int
}

func (s *scriptedTTS) StreamPCM48k(_ context.Context, _ string) (<-chan []byte, <-chan error) {
	s.calls++
	pcm := make(chan []byte, len(s.chunks))
	errCh := make(chan error, 1)
	for _, c := range s.chunks {
		pcm <- c
	}
	close(pcm)
	if s.err != nil {
		errCh <- s.err
	}
	close(errCh)
	return pcm, errCh
}

func drain(t *testing.T, f *Fallback, text string) ([][]byte, error) {
	t.Helper()
	pcm, errs := f.StreamPCM48k(context.Background(), text)
	var got [][]byte
	for b := range pcm {
		got = append(got, b)
	}
	var err error
	for e := range errs {
		if e != nil {
			err = e
		}
	}
	return got, err
}

func TestFallback_UsesNextProviderWhenFirstFailsSilently(t *testing.T) {
	first := &scriptedTTS{err: errors.New("quota exceeded")}
	second := &scriptedTTS{chunks: [][]byte{{1, 0}, {2, 0}}}
	got, err := drain(t, NewFallback(zerolog.Nop(), first, second), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || first.calls != 1 || second.calls != 1 {
		t.Fatalf("unexpected result %v (calls %d/%d)", got, first.calls, second.calls)
	}
}

func TestFallback_FailureAfterAudioIsNotRetried(t *testing.T) {
	first := &scriptedTTS{chunks: [][]byte{{1, 0}}, err: errors.New("stream reset")}
	second := &scriptedTTS{chunks: [][]byte{{2, 0}}}
	got, err := drain(t, NewFallback(zerolog.Nop(), first, second), "hello")
	if err == nil || len(got) != 1 || second.calls != 0 {
		t.Fatalf("expected partial audio and an error, got %v, %v, %d calls", got, err, second.calls)
	}
}

func TestFallback_AllFail(t *testing.T) {
	a := &scriptedTTS{err: errors.New("a down")}
	b := &scriptedTTS{err: errors.New("b down")}
	if _, err := drain(t, NewFallback(zerolog.Nop(), a, b), "hi"); err == nil {
		t.Fatalf("expected an error when every provider fails")
	}
}
