package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/agent"
	"github.com/chadiek/support-desk/internal/capture"
	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/events"
	"github.com/chadiek/support-desk/internal/metrics"
	"github.com/chadiek/support-desk/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 8 << 20
	outboundBuffer = 256
	audioBuffer    = 512
)

// Client frame types.
const (
	inSend       = "send"
	inTranscript = "transcript"
	inAutoplay   = "autoplay"
	inShareStart = "share_start"
	inShareStop  = "share_stop"
	inShareEnded = "share_ended"
	inHistory    = "history"
)

// Server frame types.
const (
	outSession        = "session"
	outMessage        = "message"
	outReset          = "reset"
	outPlayback       = "playback"
	outCapture        = "capture"
	outShareRequested = "share_requested"
	outDraft          = "draft"
	outStatus         = "status"
	outError          = "error"
	outAudioReset     = "audio_reset"
)

// clientFrame is a JSON text frame from the browser.
type clientFrame struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	Enabled        bool   `json:"enabled,omitempty"`
	Channel        string `json:"channel,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// serverFrame is a JSON text frame to the browser.
type serverFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type sessionInfo struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type outbound struct {
	kind int
	data []byte
}

// socket is one browser connection bound to one session. All writes go
// through the writer goroutine.
type socket struct {
	conn *websocket.Conn
	sess *session.Session
	srv  *Server
	log  zerolog.Logger

	out   chan outbound
	audio chan []byte
	jobs  chan func(context.Context)
	done  chan struct{}
	once  sync.Once
	subs  []events.Token
}

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.deps.CORSOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  65536,
		WriteBufferSize: 65536,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
}

// serveSocket upgrades the request and runs a session until the browser
// disconnects. ?conversation_id= resumes a stored conversation.
func (s *Server) serveSocket(c echo.Context) error {
	if s.deps.Sessions == nil {
		return errUnavailable
	}
	conn, err := s.upgrader().Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	sess := s.deps.Sessions.Create()
	sk := &socket{
		conn:  conn,
		sess:  sess,
		srv:   s,
		log:   s.log.With().Str("session", sess.ID()).Logger(),
		out:   make(chan outbound, outboundBuffer),
		audio: make(chan []byte, audioBuffer),
		jobs:  make(chan func(context.Context), 16),
		done:  make(chan struct{}),
	}
	sk.log.Info().Str("remote_addr", c.RealIP()).Msg("session socket opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sk.close()
		s.deps.Sessions.Remove(sess.ID())
	}()

	go sk.writer()
	go sk.worker(ctx)
	sk.subscribe()
	sess.SetDefaultSink(&socketSink{sk: sk})

	sk.send(outSession, sessionInfo{ID: sess.ID()})
	if id := c.QueryParam("conversation_id"); id != "" {
		sk.loadHistory(ctx, id)
	} else {
		sk.send(outReset, sess.Messages())
	}
	sk.reader(ctx)
	return nil
}

func (sk *socket) subscribe() {
	bus := sk.sess.Bus()
	sk.subs = append(sk.subs,
		events.On(bus, events.TopicArrival, func(m conversation.Message) { sk.send(outMessage, m) }),
		events.On(bus, events.TopicReset, func(m []conversation.Message) { sk.send(outReset, m) }),
		events.On(bus, events.TopicPlayback, func(ev agent.PlaybackEvent) { sk.send(outPlayback, ev) }),
		events.On(bus, events.TopicCapture, func(ev capture.StateEvent) { sk.send(outCapture, ev) }),
		events.On(bus, events.TopicShareRequested, func(ev events.ShareRequest) { sk.send(outShareRequested, ev) }),
		events.On(bus, events.TopicDraft, func(ev events.Draft) { sk.send(outDraft, ev) }),
		events.On(bus, events.TopicGatewayStatus, func(ev events.GatewayStatus) { sk.send(outStatus, ev) }),
	)
}

func (sk *socket) reader(ctx context.Context) {
	sk.conn.SetReadLimit(maxFrameBytes)
	_ = sk.conn.SetReadDeadline(time.Now().Add(pongWait))
	sk.conn.SetPongHandler(func(string) error {
		return sk.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := sk.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sk.log.Warn().Err(err).Msg("session socket read failed")
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			sk.sess.PushFrame(data)
		case websocket.TextMessage:
			var f clientFrame
			if err := json.Unmarshal(data, &f); err != nil {
				sk.sendError("invalid JSON frame")
				continue
			}
			sk.handle(ctx, f)
		}
	}
}

func (sk *socket) handle(ctx context.Context, f clientFrame) {
	switch f.Type {
	case inSend:
		text := f.Text
		sk.enqueue(func(ctx context.Context) {
			if _, err := sk.sess.Send(ctx, text); err != nil {
				sk.sendError(err.Error())
			}
		})
	case inTranscript:
		text := f.Text
		sk.enqueue(func(ctx context.Context) {
			if err := sk.sess.Dictate(ctx, text); err != nil {
				sk.sendError(err.Error())
			}
		})
	case inAutoplay:
		sk.sess.SetAutoplay(f.Enabled)
	case inShareStart:
		if err := sk.sess.StartSharing(f.Channel); err != nil {
			var verr *conversation.ValidationError
			if errors.As(err, &verr) || errors.Is(err, capture.ErrAlreadyActive) {
				sk.sendError(err.Error())
				return
			}
			sk.log.Warn().Err(err).Msg("share start failed")
			sk.sendError("could not start screen sharing")
		}
	case inShareStop:
		sk.sess.StopSharing()
	case inShareEnded:
		sk.sess.EndSharing()
	case inHistory:
		id := f.ConversationID
		sk.enqueue(func(ctx context.Context) { sk.loadHistory(ctx, id) })
	default:
		sk.sendError("unknown frame type " + f.Type)
	}
}

// loadHistory resumes a stored conversation in the session.
func (sk *socket) loadHistory(ctx context.Context, id string) {
	conv := sk.srv.deps.Conversations
	if conv == nil || id == "" {
		sk.sendError("conversation history unavailable")
		return
	}
	stored, err := conv.Conversation(ctx, id)
	if err != nil {
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			sk.log.Warn().Err(err).Str("conversation_id", id).Msg("history load failed")
		}
		sk.sendError(msg)
		return
	}
	if err := sk.sess.LoadHistory(stored.Messages); err != nil {
		sk.sendError(err.Error())
		return
	}
	sk.sess.SetConversationID(stored.ID)
	sk.send(outSession, sessionInfo{ID: sk.sess.ID(), ConversationID: stored.ID})
}

// worker runs chat requests one at a time so the reader keeps draining
// screen frames while the gateway answers.
func (sk *socket) worker(ctx context.Context) {
	for {
		select {
		case <-sk.done:
			return
		case job := <-sk.jobs:
			job(ctx)
		}
	}
}

func (sk *socket) enqueue(job func(context.Context)) {
	select {
	case sk.jobs <- job:
	case <-sk.done:
	default:
		sk.sendError("too many pending requests")
	}
}

func (sk *socket) writer() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sk.conn.Close()
	}()
	for {
		var (
			kind int
			data []byte
		)
		select {
		case <-sk.done:
			_ = sk.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
			kind = websocket.PingMessage
		case f := <-sk.out:
			kind, data = f.kind, f.data
		case pcm := <-sk.audio:
			kind, data = websocket.BinaryMessage, pcm
		}
		_ = sk.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sk.conn.WriteMessage(kind, data); err != nil {
			sk.log.Debug().Err(err).Msg("session socket write failed")
			sk.close()
			return
		}
	}
}

// send queues a JSON frame. It blocks while the queue is full so control
// frames are never lost, unless the socket is closing.
func (sk *socket) send(kind string, data any) {
	b, err := json.Marshal(serverFrame{Type: kind, Data: data})
	if err != nil {
		sk.log.Error().Err(err).Str("type", kind).Msg("encode frame")
		return
	}
	select {
	case sk.out <- outbound{kind: websocket.TextMessage, data: b}:
	case <-sk.done:
	}
}

func (sk *socket) sendError(msg string) {
	sk.send(outError, map[string]string{"message": msg})
}

func (sk *socket) close() {
	sk.once.Do(func() {
		close(sk.done)
		bus := sk.sess.Bus()
		for _, tok := range sk.subs {
			bus.Unsubscribe(tok)
		}
	})
}

// socketSink streams narration PCM as binary frames. Audio is dropped
// rather than blocking narration when the client falls behind.
type socketSink struct {
	sk *socket

	mu    sync.Mutex
	carry []byte // odd trailing byte, so every frame holds whole samples
}

func (s *socketSink) WritePCM(pcm []byte) {
	s.mu.Lock()
	frame := make([]byte, 0, len(s.carry)+len(pcm))
	frame = append(append(frame, s.carry...), pcm...)
	s.carry = s.carry[:0]
	if len(frame)%2 == 1 {
		s.carry = append(s.carry, frame[len(frame)-1])
		frame = frame[:len(frame)-1]
	}
	s.mu.Unlock()
	if len(frame) == 0 {
		return
	}
	select {
	case s.sk.audio <- frame:
	case <-s.sk.done:
	default:
		metrics.SocketFramesDropped.WithLabelValues("audio").Inc()
	}
}

func (s *socketSink) FlushTail() {}

// Reset drops queued audio and tells the browser to flush its player.
func (s *socketSink) Reset() {
	s.mu.Lock()
	s.carry = s.carry[:0]
	s.mu.Unlock()
	for {
		select {
		case <-s.sk.audio:
		default:
			select {
			case s.sk.out <- outbound{kind: websocket.TextMessage, data: []byte(`{"type":"` + outAudioReset + `"}`)}:
			case <-s.sk.done:
			default:
				metrics.SocketFramesDropped.WithLabelValues("control").Inc()
			}
			return
		}
	}
}
