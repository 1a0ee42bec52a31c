package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	sampleRate48k = 48000
	frameSamples  = 960 // 20ms at 48kHz
	frameDuration = 20 * time.Millisecond
	tailFrames    = 10
	maxOpusPacket = 4000
)

// sampleWriter is the part of webrtc.TrackLocalStaticSample the writer uses.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// frameEncoder turns one frame of PCM into an Opus packet.
type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// OpusPacedWriter encodes 48kHz mono PCM into Opus frames and writes them to a
// track at real-time pace. It is the narration sink of a WebRTC session.
type OpusPacedWriter struct {
	enc          frameEncoder
	track        sampleWriter
	pcmBuf       []int16
	carry        []byte // odd trailing byte of the previous write
	opusBuf      []byte
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(sampleRate48k, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track, 512)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc frameEncoder, track sampleWriter, queue int) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          enc,
		track:        track,
		opusBuf:      make([]byte, maxOpusPacket),
		frameSamples: frameSamples,
		frames:       make(chan []byte, queue),
		stopCh:       make(chan struct{}),
	}
}

// WritePCM buffers little-endian PCM and queues every complete frame.
// Writes may split a sample; the odd byte is held for the next write.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.carry) == 1 {
		w.pcmBuf = append(w.pcmBuf, int16(binary.LittleEndian.Uint16([]byte{w.carry[0], pcmBytes[0]})))
		w.carry = w.carry[:0]
		pcmBytes = pcmBytes[1:]
	}
	if len(pcmBytes)%2 == 1 {
		w.carry = append(w.carry[:0], pcmBytes[len(pcmBytes)-1])
		pcmBytes = pcmBytes[:len(pcmBytes)-1]
	}
	n := len(pcmBytes) / 2
	for i := 0; i < n; i++ {
		w.pcmBuf = append(w.pcmBuf, int16(binary.LittleEndian.Uint16(pcmBytes[2*i:])))
	}
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeLocked(w.pcmBuf[:w.frameSamples])
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[w.frameSamples:]...)
	}
}

// FlushTail pads the remainder to a full frame and appends ~200ms of
// silence so the last syllable is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.carry = w.carry[:0]
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeLocked(pad)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailFrames; i++ {
		w.encodeLocked(silence)
	}
}

// Reset drops buffered PCM and queued frames.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = w.pcmBuf[:0]
	w.carry = w.carry[:0]
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) encodeLocked(frame []int16) {
	if w.enc == nil {
		return
	}
	n, err := w.enc.Encode(frame, w.opusBuf)
	if err != nil || n <= 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, w.opusBuf[:n])
	w.pushFrame(pkt)
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}

