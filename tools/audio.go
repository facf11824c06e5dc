package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pkg "github.com/alipala/language-tutor-realtime"
	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded byte FIFO between the RTP reader and the player.
// When full, the oldest bytes are dropped.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		size:   0,
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if ab.size+len(data) > ab.cap {
		drop := ab.size + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		ab.size -= drop
		dropped += drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.size += len(data)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available. It returns io.EOF once the buffer is
// closed and drained.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for ab.size == 0 {
		if ab.closed {
			return 0, io.EOF
		}
		ab.cond.Wait()
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	ab.size -= n
	return n, nil
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// Speaker plays the tutor's Opus audio on the default output device. It is
// the pkg.AudioSink of the terminal agent.
//
// oto allows one context per process, so the first track fixes the output
// format and later tracks are decoded to it.
type Speaker struct {
	logger      shared.LoggerAdapter
	bufferMs    int
	ringSeconds int

	mu         sync.Mutex
	otoCtx     *oto.Context
	sampleRate int
	channels   int
}

var _ pkg.AudioSink = (*Speaker)(nil)

func NewSpeaker(logger shared.LoggerAdapter, bufferMs, ringSeconds int) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if bufferMs <= 0 || ringSeconds <= 0 {
		return nil, errors.New("speaker buffer sizes must be positive")
	}
	return &Speaker{
		logger:      logger.With(zap.String("component", "speaker")),
		bufferMs:    bufferMs,
		ringSeconds: ringSeconds,
	}, nil
}

func (s *Speaker) output(sampleRate, channels int) (*oto.Context, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.otoCtx != nil {
		return s.otoCtx, s.sampleRate, s.channels, nil
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(s.bufferMs) * time.Millisecond,
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("creating oto context: %w", err)
	}
	<-ready
	s.otoCtx, s.sampleRate, s.channels = otoCtx, sampleRate, channels
	return otoCtx, sampleRate, channels, nil
}

// Play decodes track until ctx is done or the track ends.
func (s *Speaker) Play(ctx context.Context, track *webrtc.TrackRemote) {
	codec := track.Codec()
	otoCtx, sampleRate, channels, err := s.output(int(codec.ClockRate), max(int(codec.Channels), 1))
	if err != nil {
		s.logger.Error("opening audio output", err)
		return
	}
	s.logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		s.logger.Error("creating Opus decoder", err)
		return
	}

	audioBuffer := NewAudioBuffer(s.ringSeconds * sampleRate * channels * 2)
	pcm := make([]int16, DecodeSamples(time.Duration(s.bufferMs)*time.Millisecond, sampleRate, channels))

	player := otoCtx.NewPlayer(audioBuffer)
	player.Play()
	defer func() {
		_ = audioBuffer.Close()
		_ = player.Close()
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			s.logger.Error("decoding Opus", err)
			continue
		}
		if dropped := audioBuffer.Write(PCMBytes(pcm[:n*channels])); dropped > 0 {
			s.logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}
