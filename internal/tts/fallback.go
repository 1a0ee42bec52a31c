package tts

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/agent"
)

// Fallback tries each synthesizer in order until one produces audio. Once
// audio has been forwarded a later failure is returned as is, since the
// listener has already heard part of the sentence.
type Fallback struct {
	providers []agent.TTS
	log       zerolog.Logger
}

func NewFallback(logger zerolog.Logger, providers ...agent.TTS) *Fallback {
	return &Fallback{providers: providers, log: logger}
}

func (f *Fallback) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		var errs []error
		for i, p := range f.providers {
			sent, err := forward(ctx, p, text, pcmCh)
			if err == nil {
				return
			}
			if sent || ctx.Err() != nil {
				errCh <- err
				return
			}
			f.log.Warn().Err(err).Int("provider", i).Msg("synthesis failed, trying next provider")
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			errs = append(errs, errors.New("tts: no provider configured"))
		}
		errCh <- errors.Join(errs...)
	}()

	return pcmCh, errCh
}

// forward copies one provider's stream and reports whether any audio was sent.
func forward(ctx context.Context, p agent.TTS, text string, out chan<- []byte) (bool, error) {
	pcm, errs := p.StreamPCM48k(ctx, text)
	sent := false
	for pcm != nil || errs != nil {
		select {
		case b, ok := <-pcm:
			if !ok {
				pcm = nil
				continue
			}
			select {
			case out <- b:
				sent = true
			case <-ctx.Done():
				return sent, ctx.Err()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}
