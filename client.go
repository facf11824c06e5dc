package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AudioSink plays the remote model audio. Play returns when ctx is done or
// the track ends.
type AudioSink interface {
	Play(ctx context.Context, track *webrtc.TrackRemote)
}

// Dependencies are the host facilities a Client talks through.
type Dependencies struct {
	HTTP    HTTPDoer
	Factory PeerFactory
	Devices MediaDevices
	// Sink is optional; without it remote audio is not played.
	Sink AudioSink
}

// Client is one voice-conversation session with the realtime endpoint.
//
// The lifecycle is Initialize, StartMicrophone, Connect, StartConversation and
// Disconnect. Disconnect is safe at any time and aborts whatever is in
// flight.
type Client struct {
	cfg         *Config
	logger      shared.LoggerAdapter
	credentials *CredentialProvider
	media       *MediaAcquirer
	peers       *PeerManager
	events      *EventChannel
	sink        AudioSink

	mu            sync.Mutex
	state         ConnectionState
	params        SessionParameters
	handlers      Handlers
	credential    string
	pc            PeerConnection
	audioAttached bool
	connected     bool
	generation    uint64
	reconnects    int

	// cancelled by Disconnect to abort pending waits
	ctx        context.Context
	cancel     context.CancelCauseFunc
	sinkCancel context.CancelFunc
}

func NewClient(cfg *Config, logger shared.LoggerAdapter, deps Dependencies) (c *Client, err error) {
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c = &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "client")),
		events: NewEventChannel(logger),
		sink:   deps.Sink,
	}
	if c.credentials, err = NewCredentialProvider(cfg, logger, deps.HTTP); err != nil {
		return nil, fmt.Errorf("creating credential provider: %w", err)
	}
	if c.media, err = NewMediaAcquirer(cfg, logger, deps.Devices); err != nil {
		return nil, fmt.Errorf("creating media acquirer: %w", err)
	}
	if c.peers, err = NewPeerManager(cfg, logger, deps.Factory, deps.HTTP); err != nil {
		return nil, fmt.Errorf("creating peer manager: %w", err)
	}
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	return c, nil
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Params returns the parameters of the last Initialize.
func (c *Client) Params() SessionParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Initialize tears down any previous session, checks the backend is
// reachable and obtains a session credential for params.
func (c *Client) Initialize(ctx context.Context, handlers Handlers, params SessionParameters) (err error) {
	ctx, span := startSpan(ctx, "realtime.initialize",
		attribute.String("language", params.Language),
		attribute.String("level", params.Level),
	)
	defer func() { endSpan(span, err) }()

	c.Disconnect()
	if handlers.OnMessage == nil {
		return shared.ErrNoEventHandler
	}
	if err := params.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.handlers = handlers
	c.params = params
	gen := c.generation
	c.mu.Unlock()
	c.events.OnMessage(handlers.OnMessage)
	c.setState(gen, StateAcquiringCredential)

	ctx, stop := c.bind(ctx)
	defer stop()

	if err := c.credentials.Ping(ctx); err != nil {
		c.logger.Error("backend health check failed", err)
		c.setState(gen, StateFailed)
		return err
	}
	token, err := c.credentials.Credential(ctx, params)
	if err != nil {
		c.setState(gen, StateFailed)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return shared.ErrSessionClosed
	}
	c.credential = token
	c.state = StateCredentialAcquired
	c.logger.Info("session initialized", zap.String("language", params.Language), zap.String("level", params.Level))
	return nil
}

// StartMicrophone acquires the microphone and attaches it to the peer
// connection, creating the peer connection first if needed. A second call
// replaces the previous stream.
func (c *Client) StartMicrophone(ctx context.Context) error {
	pc, gen, err := c.ensurePeer()
	if err != nil {
		return err
	}
	ctx, stop := c.bind(ctx)
	defer stop()

	prev := c.State()
	c.setState(gen, StateAcquiringMedia)
	stream, err := c.media.Acquire(ctx)
	if err != nil {
		c.setState(gen, prev)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		c.media.Release()
		return shared.ErrSessionClosed
	}
	if err := c.peers.AttachTrack(pc, stream); err != nil {
		c.media.Release()
		c.state = prev
		return err
	}
	c.audioAttached = true
	c.state = StateMediaReady
	return nil
}

// Connect negotiates the peer connection with the realtime endpoint using
// the session credential. Any failure, including the negotiation timeout,
// disconnects the session.
func (c *Client) Connect(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "realtime.connect")
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	pc := c.pc
	if pc == nil {
		c.mu.Unlock()
		return shared.ErrNoPeerConnection
	}
	credential := c.credential
	if credential == "" {
		c.mu.Unlock()
		return shared.ErrNoCredential
	}
	// the credential authorises exactly one negotiation
	c.credential = ""
	gen := c.generation
	receiveOnly := !c.audioAttached
	c.state = StateNegotiating
	c.mu.Unlock()

	if !c.events.Usable() {
		dc, err := c.peers.CreateDataChannel(pc)
		if err != nil {
			c.Disconnect()
			return err
		}
		c.events.Bind(dc, func() { c.channelOpened(gen) }, func() { c.channelClosed(gen) })
	}

	ctx, stop := c.bind(ctx)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NegotiationTimeout)
	defer cancel()

	if err := c.peers.Negotiate(ctx, pc, credential, receiveOnly); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", shared.ErrNegotiationTimeout, c.cfg.NegotiationTimeout, err)
		}
		c.logger.Error("negotiation failed", err)
		c.Disconnect()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return shared.ErrSessionClosed
	}
	c.state = StateOpen
	return nil
}

// StartConversation asks the tutor to speak first. It waits for the data
// channel to open and sends a single response.create. Empty instructions keep
// the instructions embedded in the credential.
func (c *Client) StartConversation(ctx context.Context, instructions string) error {
	if !c.events.Usable() {
		return shared.ErrChannelNotOpen
	}
	ctx, stop := c.bind(ctx)
	defer stop()

	if !waitFor(ctx, c.cfg.PollInterval, c.cfg.ChannelOpenTimeout, c.events.IsOpen) {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%w after %s", shared.ErrChannelOpenTimeout, c.cfg.ChannelOpenTimeout)
	}
	if !c.events.Send(NewResponseCreate(instructions)) {
		return shared.ErrChannelNotOpen
	}
	c.logger.Info("conversation started", zap.Bool("instructions_override", instructions != ""))
	return nil
}

// SendMessage reports false when the event could not be sent.
func (c *Client) SendMessage(event *ClientEvent) bool {
	return c.events.Send(event)
}

// Disconnect releases every resource of the session. It never panics, may be
// called from any state and any number of times, and fires OnDisconnected
// once for a session that had connected.
func (c *Client) Disconnect() {
	c.disconnect(false, 0)
}

// disconnectGen tears the session down only while it is still generation gen.
// Callbacks of a replaced session must not close its successor.
func (c *Client) disconnectGen(gen uint64) {
	c.disconnect(true, gen)
}

func (c *Client) disconnect(checkGen bool, gen uint64) {
	c.mu.Lock()
	if checkGen && gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("ignoring teardown of a replaced session")
		return
	}
	c.generation++
	closing := c.generation
	wasConnected := c.connected
	cancel := c.cancel
	sinkCancel := c.sinkCancel
	pc := c.pc
	onDisconnected := c.handlers.OnDisconnected

	c.state = StateDisconnecting
	c.pc = nil
	c.sinkCancel = nil
	c.audioAttached = false
	c.credential = ""
	c.connected = false
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.mu.Unlock()

	c.guard("clearing pending waits", func() error {
		cancel(shared.ErrSessionClosed)
		return nil
	})
	c.guard("stopping local media", func() error {
		c.media.Release()
		return nil
	})
	c.guard("closing data channel", c.events.Unbind)
	c.guard("closing peer connection", func() error {
		if pc == nil {
			return nil
		}
		return pc.Close()
	})
	c.guard("detaching audio sink", func() error {
		if sinkCancel != nil {
			sinkCancel()
		}
		return nil
	})

	c.mu.Lock()
	// a session started meanwhile keeps its own state
	if closing == c.generation {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if wasConnected {
		c.logger.Info("session disconnected")
		if onDisconnected != nil {
			c.guard("notifying disconnect", func() error {
				onDisconnected()
				return nil
			})
		}
	}
}

func (c *Client) guard(step string, f func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(step, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := f(); err != nil {
		c.logger.Error(step, err)
	}
}

// ReconnectAttempts survives Disconnect and Initialize so callers can back off
// across cycles. It resets when a session opens.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Client) CanReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects < c.cfg.MaxReconnectAttempts
}

// NoteReconnectAttempt counts an attempt for callers that drive the
// lifecycle themselves. It fails once the attempts are exhausted.
func (c *Client) NoteReconnectAttempt() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnects >= c.cfg.MaxReconnectAttempts {
		return c.reconnects, shared.ErrReconnectExhausted
	}
	c.reconnects++
	return c.reconnects, nil
}

func (c *Client) ResetReconnectAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects = 0
}

// Reconnect runs the whole lifecycle again with the last parameters plus a
// summary of the conversation so far. The caller owns backoff.
func (c *Client) Reconnect(ctx context.Context, history string) error {
	attempt, err := c.NoteReconnectAttempt()
	if err != nil {
		return err
	}
	c.mu.Lock()
	handlers := c.handlers
	params := c.params
	c.mu.Unlock()
	if history != "" {
		params = params.WithHistory(history)
	}

	c.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Int("max", c.cfg.MaxReconnectAttempts))
	if err := c.Initialize(ctx, handlers, params); err != nil {
		return err
	}
	if err := c.StartMicrophone(ctx); err != nil {
		return err
	}
	return c.Connect(ctx)
}

func (c *Client) ensurePeer() (PeerConnection, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc != nil {
		return c.pc, c.generation, nil
	}
	pc, err := c.peers.Create()
	if err != nil {
		return nil, 0, err
	}
	gen := c.generation
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	pc.OnTrack(func(track *webrtc.TrackRemote) {
		c.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		if c.sink != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
			go c.sink.Play(sinkCtx, track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.peerStateChanged(gen, state)
	})
	c.pc = pc
	c.sinkCancel = sinkCancel
	return pc, gen, nil
}

func (c *Client) peerStateChanged(gen uint64, state webrtc.PeerConnectionState) {
	c.logger.Trace("peer connection state changed", zap.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.mu.Lock()
		current := gen == c.generation
		c.mu.Unlock()
		if current {
			c.logger.Warn("peer connection lost", zap.String("state", state.String()))
			// not from the pion callback goroutine: Close waits on it
			go c.disconnectGen(gen)
		}
	}
}

func (c *Client) channelOpened(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	first := !c.connected
	c.connected = true
	c.state = StateOpen
	c.reconnects = 0
	onConnected := c.handlers.OnConnected
	c.mu.Unlock()
	if first && onConnected != nil {
		onConnected()
	}
}

func (c *Client) channelClosed(gen uint64) {
	c.mu.Lock()
	current := gen == c.generation && c.connected
	c.mu.Unlock()
	if current {
		go c.disconnectGen(gen)
	}
}

func (c *Client) setState(gen uint64, state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.logger.Trace("state changed", zap.Stringer("prev", c.state), zap.Stringer("new", state))
	c.state = state
}

// bind derives a context that is also cancelled by Disconnect.
func (c *Client) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	session := c.ctx
	c.mu.Unlock()
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(session, func() {
		cancel(context.Cause(session))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
