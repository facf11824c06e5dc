package tools

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	pkg "github.com/alipala/language-tutor-realtime"
	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// NewOpusCodecSelector encodes microphone audio as Opus. Populate the peer
// connection's media engine from the same selector.
func NewOpusCodecSelector() (*mediadevices.CodecSelector, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	return mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)), nil
}

// Microphone is the pion/mediadevices implementation of pkg.MediaDevices.
// A microphone driver must be linked in by the command, e.g. by importing
// github.com/pion/mediadevices/pkg/driver/microphone.
type Microphone struct {
	logger        shared.LoggerAdapter
	codecSelector *mediadevices.CodecSelector
}

var _ pkg.MediaDevices = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter, codecSelector *mediadevices.CodecSelector) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if codecSelector == nil {
		return nil, errors.New("no codec selector provided")
	}
	return &Microphone{
		logger:        logger.With(zap.String("component", "microphone")),
		codecSelector: codecSelector,
	}, nil
}

// GetUserMedia opens the default microphone. The drivers have no echo
// cancellation, noise suppression or gain control; those constraints only
// decide between the preferred and the relaxed format.
func (m *Microphone) GetUserMedia(ctx context.Context, constraints pkg.AudioConstraints) (pkg.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !hasMicrophone(mediadevices.EnumerateDevices()) {
		return nil, shared.ErrNoDevice
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: audioConstraints(constraints),
		Codec: m.codecSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("opening microphone: %w", err)
	}
	var tracks []pkg.MediaTrack
	for _, track := range stream.GetAudioTracks() {
		mt := &micTrack{track: track}
		track.OnEnded(func(err error) {
			if err != nil {
				m.logger.Warn("microphone track ended", zap.String("track", track.ID()), zap.Error(err))
			}
			mt.ended.Store(true)
		})
		tracks = append(tracks, mt)
	}
	m.logger.Debug("microphone opened", zap.Int("tracks", len(tracks)), zap.Bool("relaxed", constraints.Relaxed()))
	return &micStream{tracks: tracks}, nil
}

func hasMicrophone(devices []mediadevices.MediaDeviceInfo) bool {
	for _, d := range devices {
		if d.Kind == mediadevices.AudioInput {
			return true
		}
	}
	return false
}

func audioConstraints(c pkg.AudioConstraints) func(*mediadevices.MediaTrackConstraints) {
	return func(mc *mediadevices.MediaTrackConstraints) {
		if c.SampleRate > 0 {
			mc.SampleRate = prop.Int(c.SampleRate)
		}
		if c.ChannelCount > 0 {
			mc.ChannelCount = prop.Int(c.ChannelCount)
		}
		if !c.Relaxed() {
			mc.SampleSize = prop.Int(16)
		}
	}
}

type micStream struct {
	tracks []pkg.MediaTrack
}

func (s *micStream) AudioTracks() []pkg.MediaTrack {
	return s.tracks
}

// micTrack is sent by the pion peer connection as is: a mediadevices track
// is a webrtc.TrackLocal that encodes on bind.
type micTrack struct {
	track   mediadevices.Track
	ended   atomic.Bool
	stopped atomic.Bool
}

var _ pkg.TrackLocalSource = (*micTrack)(nil)

func (t *micTrack) ID() string {
	return t.track.ID()
}

func (t *micTrack) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	_ = t.track.Close()
}

func (t *micTrack) Ended() bool {
	return t.stopped.Load() || t.ended.Load()
}

func (t *micTrack) TrackLocal() webrtc.TrackLocal {
	return t.track
}
