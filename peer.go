package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PeerConfig struct {
	ICEServers []string
}

type DataChannelInit struct {
	Ordered        bool
	MaxRetransmits uint16
}

// PeerFactory creates peer connections. NewPionFactory is the production
// implementation.
type PeerFactory interface {
	NewPeerConnection(cfg PeerConfig) (PeerConnection, error)
}

type PeerConnection interface {
	CreateDataChannel(label string, init DataChannelInit) (DataChannel, error)
	// SetLocalAudioTrack sends track, replacing a previously set one.
	SetLocalAudioTrack(track MediaTrack) error
	AddReceiveOnlyAudio() error
	CreateOffer() (string, error)
	SetLocalDescription(offer string) error
	LocalDescription() string
	ICEGatheringState() webrtc.ICEGatheringState
	SetRemoteDescription(answer string) error
	OnTrack(func(track *webrtc.TrackRemote))
	OnConnectionStateChange(func(state webrtc.PeerConnectionState))
	Close() error
}

// DataChannel is satisfied by *webrtc.DataChannel.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(text string) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(msg webrtc.DataChannelMessage))
	Close() error
}

// PeerManager builds peer connections and runs the offer/answer exchange
// with the realtime endpoint.
type PeerManager struct {
	cfg     *Config
	logger  shared.LoggerAdapter
	factory PeerFactory
	http    HTTPDoer
}

func NewPeerManager(cfg *Config, logger shared.LoggerAdapter, factory PeerFactory, http HTTPDoer) (*PeerManager, error) {
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if factory == nil {
		return nil, shared.ErrNoFactory
	}
	if http == nil {
		return nil, shared.ErrNoHTTPClient
	}
	return &PeerManager{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "peer")),
		factory: factory,
		http:    http,
	}, nil
}

func (m *PeerManager) Create() (PeerConnection, error) {
	pc, err := m.factory.NewPeerConnection(PeerConfig{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	m.logger.Debug("peer connection created", zap.Strings("ice_servers", m.cfg.ICEServers))
	return pc, nil
}

func (m *PeerManager) AttachTrack(pc PeerConnection, stream MediaStream) error {
	if pc == nil {
		return shared.ErrNoPeerConnection
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return shared.ErrNoAudioTrack
	}
	if err := pc.SetLocalAudioTrack(tracks[0]); err != nil {
		return fmt.Errorf("attaching audio track %s: %w", tracks[0].ID(), err)
	}
	return nil
}

// CreateDataChannel must run before the offer is created, otherwise the
// channel is missing from the SDP.
func (m *PeerManager) CreateDataChannel(pc PeerConnection) (DataChannel, error) {
	if pc == nil {
		return nil, shared.ErrNoPeerConnection
	}
	dc, err := pc.CreateDataChannel(DataChannelLabel, DataChannelInit{
		Ordered:        true,
		MaxRetransmits: m.cfg.DataChannelMaxRetransmits,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	return dc, nil
}

// Negotiate runs offer, ICE gathering, SDP exchange and answer. ICE gathering
// that does not complete in time is not an error: the partially gathered
// offer is sent.
func (m *PeerManager) Negotiate(ctx context.Context, pc PeerConnection, credential string, receiveOnly bool) (err error) {
	ctx, span := startSpan(ctx, "realtime.negotiate", attribute.String("model", m.cfg.Model))
	defer func() { endSpan(span, err) }()

	if pc == nil {
		return shared.ErrNoPeerConnection
	}
	if credential == "" {
		return shared.ErrNoCredential
	}
	if receiveOnly {
		if err := pc.AddReceiveOnlyAudio(); err != nil {
			return fmt.Errorf("%w: adding audio transceiver: %w", shared.ErrNegotiation, err)
		}
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: creating offer: %w", shared.ErrNegotiation, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: setting local description: %w", shared.ErrNegotiation, err)
	}

	start := time.Now()
	gathered := waitFor(ctx, m.cfg.PollInterval, m.cfg.ICEGatherTimeout, func() bool {
		return pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if gathered {
		m.logger.Debug("ICE gathering complete", zap.Duration("took", time.Since(start)))
	} else {
		m.logger.Warn(
			"ICE gathering did not complete, using partial candidates",
			zap.Duration("timeout", m.cfg.ICEGatherTimeout),
			zap.String("state", pc.ICEGatheringState().String()),
		)
	}

	sdp := pc.LocalDescription()
	if sdp == "" {
		sdp = offer
	}
	answer, err := m.exchange(ctx, credential, sdp)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrNegotiation, err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: setting remote description: %w", shared.ErrNegotiation, err)
	}
	m.logger.Info("negotiation complete")
	return nil
}

// exchange posts the SDP offer with the bearer credential and returns the
// SDP answer.
func (m *PeerManager) exchange(ctx context.Context, credential, offer string) (string, error) {
	endpoint, err := url.Parse(m.cfg.RealtimeURL)
	if err != nil {
		return "", fmt.Errorf("parsing realtime URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("model", m.cfg.Model)
	endpoint.RawQuery = q.Encode()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	if err := doDeadline(ctx, m.http, req, resp, m.cfg.RequestTimeout); err != nil {
		return "", fmt.Errorf("performing SDP exchange: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK && code != fasthttp.StatusCreated {
		return "", &HTTPStatusError{URL: m.cfg.RealtimeURL, Status: code, Body: string(resp.Body())}
	}
	answer := string(resp.Body())
	if answer == "" {
		return "", errors.New("empty SDP answer")
	}
	return answer, nil
}
