package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{"opus frame, 48kHz stereo", 20 * time.Millisecond, 48000, 2, 1920},
		{"max opus frame, 48kHz stereo", 120 * time.Millisecond, 48000, 2, 11520},
		{"pcm16 session audio, 24kHz mono", time.Second, 24000, 1, 24000},
		{"zero duration", 0, 48000, 2, 0},
		{"zero channels", time.Second, 48000, 0, 0},
		{"zero rate", time.Second, 0, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameSamples(tt.duration, tt.rate, tt.channels))
		})
	}
}

func TestDecodeSamples(t *testing.T) {
	// short speaker buffers still fit the longest Opus packet
	assert.Equal(t, 11520, DecodeSamples(20*time.Millisecond, 48000, 2))
	assert.Equal(t, 11520, DecodeSamples(0, 48000, 2))
	assert.Equal(t, 19200, DecodeSamples(200*time.Millisecond, 48000, 2))
}

func TestPCMBytes(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80}, PCMBytes([]int16{1, -1, -32768}))
	assert.Empty(t, PCMBytes(nil))
}
