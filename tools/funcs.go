package tools

import (
	"encoding/binary"
	"time"
)

// maxOpusFrame is the longest audio a single Opus packet can carry.
const maxOpusFrame = 120 * time.Millisecond

// FrameSamples is the number of interleaved samples in duration of audio.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// DecodeSamples sizes a decode buffer for at least duration of audio. It is
// never smaller than one maximal Opus frame.
func DecodeSamples(duration time.Duration, rate, channels int) int {
	return FrameSamples(max(duration, maxOpusFrame), rate, channels)
}

// PCMBytes encodes samples as signed 16-bit little endian.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
