// Package rtc carries session audio over WebRTC: narration goes out as an
// Opus track and the microphone track is transcribed into dictation.
package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/agent"
	"github.com/chadiek/support-desk/internal/transcript"
)

// ErrInvalidOffer is returned for an offer without SDP.
var ErrInvalidOffer = errors.New("rtc: invalid offer")

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Target is the session a peer is attached to.
type Target interface {
	ID() string
	SetSink(sink agent.PCM48kSink)
	SetAutoplay(on bool)
	Dictate(ctx context.Context, text string) error
}

// Handler negotiates one peer connection per session.
type Handler struct {
	assemblyAIKey string
	iceServers    []webrtc.ICEServer
	log           zerolog.Logger

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

// NewHandler builds a handler. iceServersJSON is a JSON array of
// webrtc.ICEServer; empty or malformed input falls back to public STUN.
func NewHandler(assemblyAIKey, iceServersJSON string, logger zerolog.Logger) *Handler {
	return &Handler{
		assemblyAIKey: assemblyAIKey,
		iceServers:    parseICEServers(iceServersJSON),
		log:           logger,
		peers:         make(map[string]*webrtc.PeerConnection),
	}
}

// HandleOffer accepts an SDP offer for target and returns the answer. A new
// offer for the same session replaces its previous peer.
func (h *Handler) HandleOffer(ctx context.Context, target Target, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}
	log := h.log.With().Str("session", target.ID()).Logger()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return SessionDescription{}, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: sampleRate48k, Channels: 1}, "assistant-audio", "assistant")
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	peerCtx, cancel := context.WithCancel(context.Background())
	var (
		once     sync.Once
		attached atomic.Bool
	)
	teardown := func() {
		once.Do(func() {
			cancel()
			if attached.Load() {
				target.SetSink(nil)
			}
			paced.Close()
			h.forget(target.ID(), pc)
			_ = pc.Close()
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			attached.Store(true)
			target.SetSink(paced)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			teardown()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.control(target, paced, string(msg.Data))
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio track received")
		h.transcribe(peerCtx, log, target, remote)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		teardown()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		teardown()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		teardown()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		teardown()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		teardown()
		return SessionDescription{}, errors.New("rtc: no local description")
	}
	h.remember(target.ID(), pc)
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Close hangs up every peer.
func (h *Handler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*webrtc.PeerConnection)
	h.mu.Unlock()
	for _, pc := range peers {
		_ = pc.Close()
	}
}

// Peers reports the number of live peer connections.
func (h *Handler) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Handler) remember(id string, pc *webrtc.PeerConnection) {
	h.mu.Lock()
	old := h.peers[id]
	h.peers[id] = pc
	h.mu.Unlock()
	if old != nil && old != pc {
		_ = old.Close()
	}
}

func (h *Handler) forget(id string, pc *webrtc.PeerConnection) {
	h.mu.Lock()
	if h.peers[id] == pc {
		delete(h.peers, id)
	}
	h.mu.Unlock()
}

// control handles data channel commands from the browser.
func (h *Handler) control(target Target, paced *OpusPacedWriter, cmd string) {
	switch strings.TrimSpace(strings.ToLower(cmd)) {
	case "stop", "stop-speaking", "cancel", "barge-in", "autoplay-off":
		target.SetAutoplay(false)
		paced.Reset()
	case "autoplay-on":
		target.SetAutoplay(true)
	}
}

// transcribe streams the microphone to AssemblyAI and hands finalized
// utterances to the session as dictation.
func (h *Handler) transcribe(ctx context.Context, log zerolog.Logger, target Target, remote *webrtc.TrackRemote) {
	if h.assemblyAIKey == "" {
		log.Warn().Msg("no AssemblyAI key, microphone ignored")
		return
	}
	svc := transcript.NewAssemblyAIService(h.assemblyAIKey, log.With().Str("component", "assemblyai").Logger())
	if err := svc.Connect(); err != nil {
		log.Warn().Err(err).Msg("transcription unavailable, microphone ignored")
		return
	}
	dec, err := opus.NewDecoder(16000, 1)
	if err != nil {
		log.Error().Err(err).Msg("opus decoder")
		_ = svc.Close()
		return
	}

	go func() {
		<-ctx.Done()
		_ = svc.Close()
	}()
	go func() {
		for text := range svc.Finalize() {
			if err := target.Dictate(ctx, text); err != nil {
				log.Warn().Err(err).Msg("dictation rejected")
			}
		}
	}()
	go readMic(ctx, log, remote, dec, svc)
}

const pcm16kChunkBytes = 3200 // 100ms at 16kHz

func readMic(ctx context.Context, log zerolog.Logger, remote *webrtc.TrackRemote, dec *opus.Decoder, svc *transcript.AssemblyAIService) {
	samples := make([]int16, 1920)
	buf := make([]byte, 0, pcm16kChunkBytes*4)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Msg("rtp read ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			log.Debug().Err(err).Msg("opus decode")
			continue
		}
		for i := 0; i < n; i++ {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(samples[i]))
		}
		for len(buf) >= pcm16kChunkBytes {
			chunk := make([]byte, pcm16kChunkBytes)
			copy(chunk, buf)
			if err := svc.SendPCM16KLE(chunk); err != nil {
				return
			}
			buf = append(buf[:0], buf[pcm16kChunkBytes:]...)
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
