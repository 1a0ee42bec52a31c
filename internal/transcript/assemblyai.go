// Package transcript turns microphone audio into finalized utterances with
// AssemblyAI realtime streaming.
package transcript

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// silenceThreshold is the inactivity window before an utterance is complete.
	silenceThreshold = 700 * time.Millisecond
	// continuationExtension is added when the last word suggests more is coming.
	continuationExtension = 1200 * time.Millisecond
	// stabilizationGrace absorbs late ASR updates before finalizing.
	stabilizationGrace = 250 * time.Millisecond
	// voiceRMS is the energy above which a PCM frame counts as speech.
	voiceRMS = 250.0

	DefaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"
)

// AssemblyAIService streams 16kHz PCM to AssemblyAI and emits each finished
// utterance on Finalize.
type AssemblyAIService struct {
	apiKey      string
	endpoint    string
	log         zerolog.Logger
	conn        *websocket.Conn
	transcripts chan string
	finalizeCh  chan string
	audioData   chan []byte
	stopCh      chan struct{}
	mu          sync.RWMutex
	connected   bool

	// outMu guards sends on transcripts and finalizeCh against Close.
	outMu     sync.Mutex
	outClosed bool

	accMu     sync.Mutex
	latest    string
	committed string
	lastText  time.Time
	lastVoice time.Time
	silence   *time.Timer
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIService creates a new transcription service.
func NewAssemblyAIService(apiKey string, logger zerolog.Logger) *AssemblyAIService {
	return &AssemblyAIService{
		apiKey:      apiKey,
		endpoint:    DefaultStreamingURL,
		log:         logger,
		transcripts: make(chan string, 100),
		finalizeCh:  make(chan string, 10),
		audioData:   make(chan []byte, 1000),
		stopCh:      make(chan struct{}),
	}
}

// WithEndpoint overrides the streaming URL.
func (s *AssemblyAIService) WithEndpoint(u string) *AssemblyAIService {
	s.endpoint = u
	return s
}

// Finalize delivers the text added since the previous utterance.
func (s *AssemblyAIService) Finalize() <-chan string { return s.finalizeCh }

// Partials streams the running transcript for live captions.
func (s *AssemblyAIService) Partials() <-chan string { return s.transcripts }

// Connect opens the streaming session.
func (s *AssemblyAIService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("AssemblyAI API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := s.endpoint + "?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			s.log.Warn().Int("status", resp.StatusCode).Msg("assemblyai handshake rejected")
		}
		return fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	s.conn = conn
	s.connected = true
	now := time.Now()
	s.accMu.Lock()
	s.lastText = now
	s.lastVoice = now
	s.accMu.Unlock()

	go s.handleMessages()
	go s.sendAudioData()

	s.log.Info().Msg("connected to AssemblyAI streaming")
	return nil
}

// SendPCM16KLE queues 16kHz 16-bit little-endian mono audio.
func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("not connected to AssemblyAI")
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audioData <- pcm:
	default:
		s.log.Debug().Msg("assemblyai audio buffer full, dropping packet")
	}
	return nil
}

// detectVoiceActivity records speech energy in a 16kHz PCM frame.
func (s *AssemblyAIService) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.accMu.Lock()
		s.lastVoice = time.Now()
		s.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether speech energy was seen within window.
func (s *AssemblyAIService) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return !last.IsZero() && time.Since(last) <= window
}

// Close terminates the session and closes the output channels.
func (s *AssemblyAIService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	s.accMu.Lock()
	if s.silence != nil {
		_ = s.silence.Stop()
		s.silence = nil
	}
	s.accMu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	s.flushPendingDelta()
	s.outMu.Lock()
	s.outClosed = true
	close(s.transcripts)
	close(s.finalizeCh)
	s.outMu.Unlock()
	close(s.audioData)
	s.log.Info().Msg("assemblyai connection closed")
	return nil
}

func (s *AssemblyAIService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("assemblyai reader panicked")
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("assemblyai read ended")
			return
		}
		s.processMessage(message)
	}
}

func (s *AssemblyAIService) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil || base.Type == "" {
		s.log.Warn().Err(err).Msg("assemblyai message without type")
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Info().Str("id", msg.ID).Time("expires_at", time.Unix(msg.ExpiresAt, 0)).Msg("assemblyai session began")
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Transcript == "" {
			return
		}
		s.outMu.Lock()
		if !s.outClosed {
			select {
			case s.transcripts <- msg.Transcript:
			default:
			}
		}
		s.outMu.Unlock()
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastText = time.Now()
		s.scheduleLocked(silenceThreshold)
		s.accMu.Unlock()
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Info().
			Float64("audio_seconds", msg.AudioDurationSeconds).
			Float64("session_seconds", msg.SessionDurationSeconds).
			Msg("assemblyai session terminated")
		s.flushPendingDelta()
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Warn().Str("error", msg.Error).Msg("assemblyai error")
	default:
		s.log.Debug().Str("type", base.Type).Msg("assemblyai unknown message")
	}
}

// scheduleLocked (re)arms the silence timer. accMu must be held.
func (s *AssemblyAIService) scheduleLocked(wait time.Duration) {
	if s.silence == nil {
		s.silence = time.AfterFunc(wait, s.finalizeDueToSilence)
		return
	}
	_ = s.silence.Stop()
	s.silence.Reset(wait)
}

func thresholdFor(text string) time.Duration {
	if isContinuationLikely(text) {
		return silenceThreshold + continuationExtension
	}
	return silenceThreshold
}

// finalizeDueToSilence emits the uncommitted delta once both transcript
// updates and voice energy have been quiet for the threshold.
func (s *AssemblyAIService) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := thresholdFor(s.latest)
	sinceText := now.Sub(s.lastText)
	sinceVoice := now.Sub(s.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold - min(sinceText, sinceVoice)
		s.scheduleLocked(max(wait, 10*time.Millisecond))
		s.accMu.Unlock()
		return
	}
	seen := s.lastText
	s.accMu.Unlock()

	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	if s.lastText.After(seen) {
		// a late update arrived during grace
		wait := thresholdFor(s.latest) - time.Since(s.lastText)
		s.scheduleLocked(max(wait, 10*time.Millisecond))
		s.accMu.Unlock()
		return
	}
	delta := s.takeDeltaLocked()
	s.accMu.Unlock()

	s.emit(delta, 0)
}

// emit delivers an utterance. wait > 0 bounds the wait for a full channel;
// otherwise it waits until Close.
func (s *AssemblyAIService) emit(delta string, wait time.Duration) {
	if delta == "" {
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	if wait > 0 {
		select {
		case s.finalizeCh <- delta:
		case <-time.After(wait):
			s.log.Warn().Msg("assemblyai: timed out delivering final delta")
		}
		return
	}
	select {
	case s.finalizeCh <- delta:
	case <-s.stopCh:
	}
}

// takeDeltaLocked returns the text added since the last commit and commits it.
func (s *AssemblyAIService) takeDeltaLocked() string {
	delta := strings.TrimSpace(strings.TrimPrefix(s.latest, s.committed))
	if delta == "" && s.committed != "" {
		if idx := strings.LastIndex(s.latest, s.committed); idx >= 0 {
			delta = strings.TrimSpace(s.latest[idx+len(s.committed):])
		}
	}
	s.committed = s.latest
	return delta
}

// flushPendingDelta sends any uncommitted text without blocking shutdown.
func (s *AssemblyAIService) flushPendingDelta() {
	s.accMu.Lock()
	delta := s.takeDeltaLocked()
	s.accMu.Unlock()
	s.emit(delta, 200*time.Millisecond)
}

func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

func (s *AssemblyAIService) sendAudioData() {
	for {
		select {
		case <-s.stopCh:
			return
		case pcm, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
					s.mu.RUnlock()
					s.log.Warn().Err(err).Msg("assemblyai audio write failed")
					return
				}
			}
			s.mu.RUnlock()
		}
	}
}
