// Package tts synthesizes narration audio as 48kHz 16-bit mono PCM.
package tts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"
)

const (
	DefaultDeepgramModel = "aura-2-thalia-en"
	// deepgramIdleWindow ends a stream once audio stops arriving for this long.
	deepgramIdleWindow = 400 * time.Millisecond
	deepgramMaxStream  = 12 * time.Second
)

// DeepgramClient streams speech over Deepgram's speak websocket.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	log        zerolog.Logger
}

func NewDeepgramClient(apiKey, model string, logger zerolog.Logger) *DeepgramClient {
	if model == "" {
		model = DefaultDeepgramModel
	}
	return &DeepgramClient{apiKey: apiKey, model: model, sampleRate: 48000, encoding: "linear16", log: logger}
}

func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		st := &speakStream{failed: make(chan error, 1)}
		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				st.heard()
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				default:
					d.log.Warn().Int("bytes", len(b)).Msg("deepgram: audio buffer full, dropping chunk")
				}
				return nil
			},
			onError: st.fail,
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		var stopOnce sync.Once
		stopClient := func() { stopOnce.Do(func() { dg.Stop() }) }
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				stopClient()
			case <-done:
			}
		}()

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn().Err(err).Msg("deepgram: flush failed")
		}

		if err := st.wait(ctx, deepgramIdleWindow, deepgramMaxStream); err != nil {
			errCh <- err
		}
	}()

	return pcmCh, errCh
}

// speakStream tracks one synthesis: when audio last arrived and whether
// the server reported an error.
type speakStream struct {
	lastRecv atomic.Int64
	failed   chan error
}

func (st *speakStream) heard() { st.lastRecv.Store(time.Now().UnixNano()) }

func (st *speakStream) fail(err error) {
	select {
	case st.failed <- err:
	default:
	}
}

// wait returns once audio has been idle for idle, the server fails the
// request, or limit passes. A stream that never produced audio is an error.
func (st *speakStream) wait(ctx context.Context, idle, limit time.Duration) error {
	ticker := time.NewTicker(idle / 8)
	defer ticker.Stop()
	deadline := time.Now().Add(limit)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-st.failed:
			return err
		case <-ticker.C:
			last := st.lastRecv.Load()
			if last != 0 && time.Since(time.Unix(0, last)) > idle {
				return nil
			}
			if time.Now().After(deadline) {
				if last == 0 {
					return fmt.Errorf("deepgram: no audio within %s", limit)
				}
				return nil
			}
		}
	}
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(error)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	if s.onError != nil && e != nil {
		s.onError(fmt.Errorf("deepgram: synthesis failed: %+v", *e))
	}
	return nil
}
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
