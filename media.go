package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alipala/language-tutor-realtime/shared"
	"go.uber.org/zap"
)

// AudioConstraints is the microphone request. The zero value is the relaxed
// "audio only" request used for the retry.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
}

func PreferredAudioConstraints() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
	}
}

func (c AudioConstraints) Relaxed() bool {
	return c == AudioConstraints{}
}

type MediaTrack interface {
	ID() string
	Stop()
	Ended() bool
}

type MediaStream interface {
	AudioTracks() []MediaTrack
}

// MediaDevices is the host's microphone access.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints AudioConstraints) (MediaStream, error)
}

type MediaErrorKind int

const (
	MediaErrorOther MediaErrorKind = iota
	MediaErrorPermissionDenied
	MediaErrorNoDevice
	MediaErrorDeviceBusy
	MediaErrorTimeout
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaErrorPermissionDenied:
		return "permission-denied"
	case MediaErrorNoDevice:
		return "no-device"
	case MediaErrorDeviceBusy:
		return "device-busy"
	case MediaErrorTimeout:
		return "timeout"
	}
	return "other"
}

func (k MediaErrorKind) sentinel() error {
	switch k {
	case MediaErrorPermissionDenied:
		return shared.ErrPermissionDenied
	case MediaErrorNoDevice:
		return shared.ErrNoDevice
	case MediaErrorDeviceBusy:
		return shared.ErrDeviceBusy
	case MediaErrorTimeout:
		return shared.ErrMediaTimeout
	}
	return nil
}

type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("acquiring microphone (%s): %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() []error {
	if s := e.Kind.sentinel(); s != nil {
		return []error{s, e.Err}
	}
	return []error{e.Err}
}

// ClassifyMediaError sorts a device error into a MediaErrorKind. Adapters
// should wrap the shared sentinels; host error names are recognised as a
// fallback.
func ClassifyMediaError(err error) MediaErrorKind {
	var me *MediaError
	switch {
	case err == nil:
		return MediaErrorOther
	case errors.As(err, &me):
		return me.Kind
	case errors.Is(err, shared.ErrPermissionDenied):
		return MediaErrorPermissionDenied
	case errors.Is(err, shared.ErrNoDevice), errors.Is(err, shared.ErrNoAudioTrack):
		return MediaErrorNoDevice
	case errors.Is(err, shared.ErrDeviceBusy):
		return MediaErrorDeviceBusy
	case errors.Is(err, shared.ErrMediaTimeout), errors.Is(err, context.DeadlineExceeded):
		return MediaErrorTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "notallowed"), strings.Contains(msg, "permission"):
		return MediaErrorPermissionDenied
	case strings.Contains(msg, "notfound"), strings.Contains(msg, "not found"), strings.Contains(msg, "no device"):
		return MediaErrorNoDevice
	case strings.Contains(msg, "notreadable"), strings.Contains(msg, "in use"), strings.Contains(msg, "busy"):
		return MediaErrorDeviceBusy
	}
	return MediaErrorOther
}

// MediaAcquirer owns the single live microphone stream of a client.
type MediaAcquirer struct {
	cfg     *Config
	logger  shared.LoggerAdapter
	devices MediaDevices

	mu     sync.Mutex
	stream MediaStream
}

func NewMediaAcquirer(cfg *Config, logger shared.LoggerAdapter, devices MediaDevices) (*MediaAcquirer, error) {
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if devices == nil {
		return nil, shared.ErrNoDevices
	}
	return &MediaAcquirer{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "media")),
		devices: devices,
	}, nil
}

func (m *MediaAcquirer) Stream() MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Acquire stops any previous stream, then requests the microphone with the
// preferred constraints, retrying once with relaxed constraints.
func (m *MediaAcquirer) Acquire(ctx context.Context) (MediaStream, error) {
	if m.Release() {
		// let the OS release the device before asking again
		if err := sleepCtx(ctx, m.cfg.MediaSettleDelay); err != nil {
			return nil, &MediaError{Kind: MediaErrorOther, Err: err}
		}
	}

	stream, firstErr := m.attempt(ctx, PreferredAudioConstraints())
	if firstErr != nil && ctx.Err() != nil {
		return nil, &MediaError{Kind: MediaErrorOther, Err: firstErr}
	}
	if firstErr != nil {
		m.logger.Warn(
			"microphone request failed, retrying with relaxed constraints",
			zap.Error(firstErr),
			zap.Stringer("kind", ClassifyMediaError(firstErr)),
		)
		if err := sleepCtx(ctx, m.cfg.MediaRetryDelay); err != nil {
			return nil, &MediaError{Kind: ClassifyMediaError(firstErr), Err: errors.Join(firstErr, err)}
		}
		var retryErr error
		stream, retryErr = m.attempt(ctx, AudioConstraints{})
		if retryErr != nil {
			kind := ClassifyMediaError(retryErr)
			if kind == MediaErrorOther {
				kind = ClassifyMediaError(firstErr)
			}
			err := &MediaError{Kind: kind, Err: errors.Join(firstErr, retryErr)}
			m.logger.Error("microphone unavailable", err, zap.Stringer("kind", kind))
			return nil, err
		}
	}

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
	m.logger.Info("microphone acquired", zap.Int("tracks", len(stream.AudioTracks())))
	return stream, nil
}

func (m *MediaAcquirer) attempt(parent context.Context, constraints AudioConstraints) (MediaStream, error) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.MediaTimeout)
	defer cancel()

	type result struct {
		stream MediaStream
		err    error
	}
	resC := make(chan result, 1)
	go func() {
		stream, err := m.devices.GetUserMedia(ctx, constraints)
		resC <- result{stream, err}
	}()

	select {
	case <-ctx.Done():
		// a late grant must not leave the device open
		go func() {
			if r := <-resC; r.stream != nil {
				stopStream(r.stream)
			}
		}()
		if parent.Err() != nil {
			// cancelled by the caller, not timed out
			return nil, context.Cause(parent)
		}
		return nil, fmt.Errorf("%w after %s", shared.ErrMediaTimeout, m.cfg.MediaTimeout)
	case r := <-resC:
		if r.err != nil {
			return nil, r.err
		}
		if r.stream == nil || len(r.stream.AudioTracks()) == 0 {
			if r.stream != nil {
				stopStream(r.stream)
			}
			return nil, shared.ErrNoAudioTrack
		}
		return r.stream, nil
	}
}

// Release stops every track of the current stream and forgets it. It reports
// whether there was a stream.
func (m *MediaAcquirer) Release() bool {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream == nil {
		return false
	}
	stopStream(stream)
	return true
}

func stopStream(stream MediaStream) {
	for _, track := range stream.AudioTracks() {
		func() {
			defer func() { _ = recover() }()
			track.Stop()
		}()
	}
}
