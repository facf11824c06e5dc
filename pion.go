package realtime

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// TrackLocalSource is implemented by media tracks that can be sent over a
// pion peer connection.
type TrackLocalSource interface {
	TrackLocal() webrtc.TrackLocal
}

type pionFactory struct {
	api *webrtc.API
}

// NewPionFactory returns a PeerFactory backed by pion/webrtc. A nil media
// engine uses pion's default codecs.
func NewPionFactory(mediaEngine *webrtc.MediaEngine) PeerFactory {
	f := &pionFactory{}
	if mediaEngine != nil {
		f.api = webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	}
	return f
}

func (f *pionFactory) NewPeerConnection(cfg PeerConfig) (PeerConnection, error) {
	config := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{URLs: []string{s}})
	}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if f.api != nil {
		pc, err = f.api.NewPeerConnection(config)
	} else {
		pc, err = webrtc.NewPeerConnection(config)
	}
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
}

var _ PeerConnection = (*pionPeer)(nil)

func (p *pionPeer) CreateDataChannel(label string, init DataChannelInit) (DataChannel, error) {
	ordered := init.Ordered
	maxRetransmits := init.MaxRetransmits
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeer) SetLocalAudioTrack(track MediaTrack) error {
	src, ok := track.(TrackLocalSource)
	if !ok || src.TrackLocal() == nil {
		return fmt.Errorf("track %s cannot be sent over WebRTC", track.ID())
	}
	if p.sender != nil {
		return p.sender.ReplaceTrack(src.TrackLocal())
	}
	sender, err := p.pc.AddTrack(src.TrackLocal())
	if err != nil {
		return err
	}
	p.sender = sender
	return nil
}

func (p *pionPeer) AddReceiveOnlyAudio() error {
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) SetLocalDescription(offer string) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
}

func (p *pionPeer) LocalDescription() string {
	if ld := p.pc.LocalDescription(); ld != nil {
		return ld.SDP
	}
	return ""
}

func (p *pionPeer) ICEGatheringState() webrtc.ICEGatheringState {
	return p.pc.ICEGatheringState()
}

func (p *pionPeer) SetRemoteDescription(answer string) error {
	if answer == "" {
		return errors.New("empty answer")
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

func (p *pionPeer) OnTrack(f func(track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
