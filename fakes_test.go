package realtime

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const (
	testBackendURL  = "http://backend.test"
	testRealtimeURL = "http://realtime.test/v1/realtime"
	testAnswerSDP   = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\n"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BackendURL = testBackendURL
	cfg.RealtimeURL = testRealtimeURL
	cfg.RequestTimeout = 2 * time.Second
	cfg.MediaTimeout = 300 * time.Millisecond
	cfg.MediaSettleDelay = 10 * time.Millisecond
	cfg.MediaRetryDelay = 10 * time.Millisecond
	cfg.ICEGatherTimeout = 200 * time.Millisecond
	cfg.NegotiationTimeout = 2 * time.Second
	cfg.ChannelOpenTimeout = time.Second
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

// testBackend serves the credential backend and the realtime SDP endpoint
// over an in-memory listener.
type testBackend struct {
	mu       sync.Mutex
	handlers map[string]fasthttp.RequestHandler
	hits     map[string]int
	bodies   map[string][]string
	headers  map[string]map[string]string
}

func newTestBackend(t *testing.T) (*testBackend, *fasthttp.Client) {
	t.Helper()
	b := &testBackend{
		handlers: map[string]fasthttp.RequestHandler{},
		hits:     map[string]int{},
		bodies:   map[string][]string{},
		headers:  map[string]map[string]string{},
	}
	b.handle("/health", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})
	b.handle("/credential", jsonHandler(fasthttp.StatusOK, `{"ephemeral_key":"abc123"}`))
	b.handle("/v1/realtime", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBodyString(testAnswerSDP)
	})

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: b.serve}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})
	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}
	return b, client
}

func (b *testBackend) handle(path string, h fasthttp.RequestHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[path] = h
}

func (b *testBackend) serve(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	b.mu.Lock()
	b.hits[path]++
	b.bodies[path] = append(b.bodies[path], string(ctx.PostBody()))
	b.headers[path] = map[string]string{
		"Authorization": string(ctx.Request.Header.Peek("Authorization")),
		"Content-Type":  string(ctx.Request.Header.ContentType()),
		"model":         string(ctx.QueryArgs().Peek("model")),
	}
	h := b.handlers[path]
	b.mu.Unlock()
	if h == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	h(ctx)
}

func (b *testBackend) hitCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

func (b *testBackend) lastBody(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bodies := b.bodies[path]; len(bodies) > 0 {
		return bodies[len(bodies)-1]
	}
	return ""
}

func (b *testBackend) lastHeader(path, key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[path][key]
}

func jsonHandler(status int, body string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(body)
	}
}

type fakeTrack struct {
	id    string
	ended atomic.Bool
}

func (t *fakeTrack) ID() string {
	return t.id
}

func (t *fakeTrack) Stop() {
	t.ended.Store(true)
}

func (t *fakeTrack) Ended() bool {
	return t.ended.Load()
}

type fakeStream struct {
	tracks []MediaTrack
}

func (s *fakeStream) AudioTracks() []MediaTrack {
	return s.tracks
}

func newFakeStream(ids ...string) *fakeStream {
	s := &fakeStream{}
	for _, id := range ids {
		s.tracks = append(s.tracks, &fakeTrack{id: id})
	}
	return s
}

type fakeDevices struct {
	mu          sync.Mutex
	constraints []AudioConstraints
	respond     func(call int, c AudioConstraints) (MediaStream, error)
	streams     []MediaStream
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c AudioConstraints) (MediaStream, error) {
	d.mu.Lock()
	d.constraints = append(d.constraints, c)
	call := len(d.constraints)
	respond := d.respond
	d.mu.Unlock()

	var (
		stream MediaStream
		err    error
	)
	if respond != nil {
		stream, err = respond(call, c)
	} else {
		stream = newFakeStream("mic-" + string(rune('0'+call)))
	}
	if stream != nil {
		d.mu.Lock()
		d.streams = append(d.streams, stream)
		d.mu.Unlock()
	}
	return stream, err
}

func (d *fakeDevices) calls() []AudioConstraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]AudioConstraints(nil), d.constraints...)
}

type sentMessage struct {
	text  string
	state webrtc.DataChannelState
	at    time.Time
}

type fakeDataChannel struct {
	mu        sync.Mutex
	label     string
	init      DataChannelInit
	state     webrtc.DataChannelState
	sent      []sentMessage
	closed    int
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func (d *fakeDataChannel) Label() string {
	return d.label
}

func (d *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	d.sent = append(d.sent, sentMessage{text: text, state: d.state, at: time.Now()})
	return nil
}

func (d *fakeDataChannel) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

func (d *fakeDataChannel) OnClose(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = f
}

func (d *fakeDataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	d.closed++
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	return nil
}

// open moves the channel to open and fires the open callback, as the
// transport would.
func (d *fakeDataChannel) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDataChannel) deliver(text string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
	}
}

func (d *fakeDataChannel) sentMessages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

func (d *fakeDataChannel) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakePeer struct {
	mu          sync.Mutex
	cfg         PeerConfig
	calls       []string
	channels    []*fakeDataChannel
	localTrack  MediaTrack
	recvOnly    bool
	local       string
	remote      string
	gathering   webrtc.ICEGatheringState
	neverGather bool
	closed      int
	panicClose  bool
	onTrack     func(*webrtc.TrackRemote)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakePeer) CreateDataChannel(label string, init DataChannelInit) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("CreateDataChannel")
	dc := &fakeDataChannel{label: label, init: init, state: webrtc.DataChannelStateConnecting}
	p.channels = append(p.channels, dc)
	return dc, nil
}

func (p *fakePeer) SetLocalAudioTrack(track MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("SetLocalAudioTrack")
	p.localTrack = track
	return nil
}

func (p *fakePeer) AddReceiveOnlyAudio() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("AddReceiveOnlyAudio")
	p.recvOnly = true
	return nil
}

// CreateOffer only describes what exists at the time of the call, like a
// real peer connection.
func (p *fakePeer) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("CreateOffer")
	var sb strings.Builder
	sb.WriteString("v=0\r\n")
	if p.localTrack != nil || p.recvOnly {
		sb.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n")
	}
	if len(p.channels) > 0 {
		sb.WriteString("m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n")
	}
	return sb.String(), nil
}

func (p *fakePeer) SetLocalDescription(offer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("SetLocalDescription")
	p.local = offer
	if p.neverGather {
		p.gathering = webrtc.ICEGatheringStateGathering
	} else {
		p.gathering = webrtc.ICEGatheringStateComplete
	}
	return nil
}

func (p *fakePeer) LocalDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) ICEGatheringState() webrtc.ICEGatheringState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gathering
}

func (p *fakePeer) SetRemoteDescription(answer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("SetRemoteDescription")
	p.remote = answer
	return nil
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	panicClose := p.panicClose
	onState := p.onState
	p.mu.Unlock()
	if panicClose {
		panic("close exploded")
	}
	if onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePeer) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) channel() *fakeDataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[len(p.channels)-1]
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	peers   []*fakePeer
	prepare func(p *fakePeer)
}

func (f *fakeFactory) NewPeerConnection(cfg PeerConfig) (PeerConnection, error) {
	p := &fakePeer{cfg: cfg, gathering: webrtc.ICEGatheringStateNew}
	if f.prepare != nil {
		f.prepare(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type testRig struct {
	client  *Client
	backend *testBackend
	devices *fakeDevices
	factory *fakeFactory
}

func newTestRig(t *testing.T, cfg *Config) *testRig {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	backend, http := newTestBackend(t)
	rig := &testRig{
		backend: backend,
		devices: &fakeDevices{},
		factory: &fakeFactory{},
	}
	client, err := NewClient(cfg, shared.NewNopLogger(), Dependencies{
		HTTP:    http,
		Factory: rig.factory,
		Devices: rig.devices,
	})
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	t.Cleanup(client.Disconnect)
	rig.client = client
	return rig
}

func spanishB1() SessionParameters {
	return SessionParameters{Language: "spanish", Level: "B1"}
}

func discard(*ServerEvent) {}
