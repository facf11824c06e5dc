package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

// connect runs the lifecycle up to a negotiated, not yet open, session.
func (r *testRig) connect(t *testing.T, handlers Handlers) *fakePeer {
	t.Helper()
	ctx := context.Background()
	if handlers.OnMessage == nil {
		handlers.OnMessage = discard
	}
	require.NoError(t, r.client.Initialize(ctx, handlers, spanishB1()))
	require.NoError(t, r.client.StartMicrophone(ctx))
	require.NoError(t, r.client.Connect(ctx))
	pc := r.factory.last()
	require.NotNil(t, pc)
	require.NotNil(t, pc.channel())
	return pc
}

func TestInitializePrimaryCredential(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.client.Initialize(context.Background(), Handlers{OnMessage: discard}, spanishB1())
	require.NoError(t, err)

	assert.Equal(t, StateCredentialAcquired, rig.client.State())
	rig.client.mu.Lock()
	assert.Equal(t, "abc123", rig.client.credential)
	rig.client.mu.Unlock()
	assert.Equal(t, 1, rig.backend.hitCount("/health"))
	assert.Equal(t, 1, rig.backend.hitCount("/credential"))
	assert.Equal(t, 0, rig.backend.hitCount("/credential-fallback"))
	assert.Contains(t, rig.backend.lastBody("/credential"), `"language":"spanish"`)
	assert.Contains(t, rig.backend.lastBody("/credential"), `"level":"B1"`)
}

func TestInitializeFallbackCredential(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.backend.handle("/credential", jsonHandler(fasthttp.StatusInternalServerError, `{"detail":"boom"}`))
	rig.backend.handle("/credential-fallback", jsonHandler(fasthttp.StatusOK, `{"client_secret":{"value":"fallback-key"}}`))

	err := rig.client.Initialize(context.Background(), Handlers{OnMessage: discard}, spanishB1())
	require.NoError(t, err)

	rig.client.mu.Lock()
	assert.Equal(t, "fallback-key", rig.client.credential)
	rig.client.mu.Unlock()
	assert.Equal(t, rig.backend.lastBody("/credential"), rig.backend.lastBody("/credential-fallback"))
}

func TestInitializeBothEndpointsFail(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.backend.handle("/credential", jsonHandler(fasthttp.StatusInternalServerError, `primary down`))
	rig.backend.handle("/credential-fallback", jsonHandler(fasthttp.StatusServiceUnavailable, `fallback down`))

	err := rig.client.Initialize(context.Background(), Handlers{OnMessage: discard}, spanishB1())
	require.Error(t, err)

	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "primary down")
	assert.Contains(t, err.Error(), "fallback down")
	assert.Equal(t, StateFailed, rig.client.State())
}

func TestInitializeInvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		params SessionParameters
		want   error
	}{
		{"missing language", SessionParameters{Level: "B1"}, shared.ErrMissingLanguage},
		{"blank language", SessionParameters{Language: "  ", Level: "B1"}, shared.ErrMissingLanguage},
		{"missing level", SessionParameters{Language: "french"}, shared.ErrMissingLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, nil)

			err := rig.client.Initialize(context.Background(), Handlers{OnMessage: discard}, tt.params)
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, shared.ErrInvalidConfig)
			assert.Equal(t, 0, rig.backend.hitCount("/health"))
			assert.Equal(t, 0, rig.backend.hitCount("/credential"))
		})
	}
}

func TestInitializeRequiresMessageHandler(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.client.Initialize(context.Background(), Handlers{}, spanishB1())
	require.ErrorIs(t, err, shared.ErrNoEventHandler)
}

func TestInitializeBackendUnreachable(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.backend.handle("/health", jsonHandler(fasthttp.StatusServiceUnavailable, `{}`))

	err := rig.client.Initialize(context.Background(), Handlers{OnMessage: discard}, spanishB1())
	require.ErrorIs(t, err, shared.ErrBackendUnreachable)
	assert.Equal(t, 0, rig.backend.hitCount("/credential"))
	assert.Equal(t, "The tutor service is unreachable. Check your connection and retry.", shared.UserMessage(err))
}

func TestStartMicrophoneReplacesStream(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))

	require.NoError(t, rig.client.StartMicrophone(ctx))
	require.NoError(t, rig.client.StartMicrophone(ctx))

	streams := rig.devices.streams
	require.Len(t, streams, 2)
	first := streams[0].AudioTracks()[0]
	second := streams[1].AudioTracks()[0]
	assert.True(t, first.Ended(), "previous stream must be stopped")
	assert.False(t, second.Ended())
	assert.Same(t, streams[1], rig.client.media.Stream())

	pc := rig.factory.last()
	assert.Same(t, second, pc.localTrack)
	assert.Len(t, rig.factory.peers, 1)
	assert.Equal(t, StateMediaReady, rig.client.State())
}

func TestStartMicrophonePermissionDenied(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.devices.respond = func(int, AudioConstraints) (MediaStream, error) {
		return nil, errors.New("NotAllowedError: Permission denied")
	}
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))

	err := rig.client.StartMicrophone(ctx)
	require.ErrorIs(t, err, shared.ErrPermissionDenied)

	var mediaErr *MediaError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, MediaErrorPermissionDenied, mediaErr.Kind)
	assert.Nil(t, rig.client.media.Stream())

	calls := rig.devices.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, PreferredAudioConstraints(), calls[0])
	assert.True(t, calls[1].Relaxed())
	assert.Contains(t, shared.UserMessage(err), "denied")
}

func TestConnectOffersDataChannel(t *testing.T) {
	rig := newTestRig(t, nil)
	pc := rig.connect(t, Handlers{})

	calls := pc.callLog()
	assert.Less(t, indexOf(calls, "CreateDataChannel"), indexOf(calls, "CreateOffer"))
	assert.Less(t, indexOf(calls, "SetLocalDescription"), indexOf(calls, "SetRemoteDescription"))
	assert.Equal(t, -1, indexOf(calls, "AddReceiveOnlyAudio"), "microphone track already provides audio")

	offer := rig.backend.lastBody("/v1/realtime")
	assert.Contains(t, offer, "m=application")
	assert.Contains(t, offer, "m=audio")
	assert.Equal(t, "Bearer abc123", rig.backend.lastHeader("/v1/realtime", "Authorization"))
	assert.Equal(t, "application/sdp", rig.backend.lastHeader("/v1/realtime", "Content-Type"))
	assert.Equal(t, DefaultModel, rig.backend.lastHeader("/v1/realtime", "model"))
	assert.Equal(t, testAnswerSDP, pc.remote)

	dc := pc.channel()
	assert.Equal(t, DataChannelLabel, dc.label)
	assert.True(t, dc.init.Ordered)
	assert.Equal(t, uint16(3), dc.init.MaxRetransmits)
	assert.Equal(t, StateOpen, rig.client.State())
}

func TestConnectWithoutMicrophoneIsReceiveOnly(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))
	rig.devices.respond = func(int, AudioConstraints) (MediaStream, error) {
		return nil, shared.ErrNoDevice
	}
	require.ErrorIs(t, rig.client.StartMicrophone(ctx), shared.ErrNoDevice)

	require.NoError(t, rig.client.Connect(ctx))
	pc := rig.factory.last()
	calls := pc.callLog()
	assert.Less(t, indexOf(calls, "AddReceiveOnlyAudio"), indexOf(calls, "CreateOffer"))
	assert.Contains(t, rig.backend.lastBody("/v1/realtime"), "m=audio")
}

func TestConnectConsumesCredential(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.connect(t, Handlers{})

	err := rig.client.Connect(context.Background())
	require.ErrorIs(t, err, shared.ErrNoCredential)
	assert.Equal(t, 1, rig.backend.hitCount("/v1/realtime"))
}

func TestConnectWithoutPeerConnection(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.client.Initialize(context.Background(), Handlers{OnMessage: discard}, spanishB1()))

	err := rig.client.Connect(context.Background())
	require.ErrorIs(t, err, shared.ErrNoPeerConnection)
}

func TestConnectBoundedICEWait(t *testing.T) {
	cfg := testConfig()
	cfg.ICEGatherTimeout = DefaultConfig().ICEGatherTimeout
	cfg.PollInterval = DefaultConfig().PollInterval
	cfg.NegotiationTimeout = DefaultConfig().NegotiationTimeout
	rig := newTestRig(t, cfg)
	rig.factory.prepare = func(p *fakePeer) { p.neverGather = true }
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))
	require.NoError(t, rig.client.StartMicrophone(ctx))

	start := time.Now()
	err := rig.client.Connect(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.InDelta(t, 5*time.Second, elapsed, float64(500*time.Millisecond))
	assert.Contains(t, rig.backend.lastBody("/v1/realtime"), "m=application")
}

func TestConnectRemoteRejectsOffer(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.backend.handle("/v1/realtime", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString(`{"error":{"message":"invalid ephemeral key"}}`)
	})
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))
	require.NoError(t, rig.client.StartMicrophone(ctx))

	err := rig.client.Connect(ctx)
	require.ErrorIs(t, err, shared.ErrNegotiation)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, fasthttp.StatusUnauthorized, statusErr.Status)

	pc := rig.factory.last()
	assert.Equal(t, 1, pc.closeCount())
	assert.Equal(t, 1, pc.channel().closeCount())
	assert.True(t, rig.devices.streams[0].AudioTracks()[0].Ended())
	assert.Equal(t, StateClosed, rig.client.State())
	rig.client.mu.Lock()
	assert.Nil(t, rig.client.pc)
	rig.client.mu.Unlock()
}

func TestConnectNegotiationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 300 * time.Millisecond
	rig := newTestRig(t, cfg)
	rig.backend.handle("/v1/realtime", func(ctx *fasthttp.RequestCtx) {
		time.Sleep(time.Second)
		ctx.SetBodyString(testAnswerSDP)
	})
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))
	require.NoError(t, rig.client.StartMicrophone(ctx))

	start := time.Now()
	err := rig.client.Connect(ctx)
	require.ErrorIs(t, err, shared.ErrNegotiationTimeout)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 1, rig.factory.last().closeCount())
	assert.Nil(t, rig.client.media.Stream())
	assert.Equal(t, "The connection is taking too long. Please retry.", shared.UserMessage(err))
}

func TestDisconnectAbortsNegotiation(t *testing.T) {
	cfg := testConfig()
	cfg.ICEGatherTimeout = 5 * time.Second
	cfg.NegotiationTimeout = 10 * time.Second
	rig := newTestRig(t, cfg)
	rig.factory.prepare = func(p *fakePeer) { p.neverGather = true }
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))
	require.NoError(t, rig.client.StartMicrophone(ctx))

	time.AfterFunc(100*time.Millisecond, rig.client.Disconnect)
	start := time.Now()
	err := rig.client.Connect(ctx)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, rig.backend.hitCount("/v1/realtime"))
	assert.Equal(t, StateClosed, rig.client.State())
}

func TestNoSessionUpdateOnOpen(t *testing.T) {
	rig := newTestRig(t, nil)
	pc := rig.connect(t, Handlers{})
	dc := pc.channel()

	dc.open()
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, dc.sentMessages())

	require.NoError(t, rig.client.StartConversation(context.Background(), ""))
	sent := dc.sentMessages()
	require.Len(t, sent, 1)
	event := decodeSent(t, sent[0].text)
	assert.Equal(t, string(ClientEventTypeResponseCreate), event["type"])
	assert.NotContains(t, event, "response")
	for _, msg := range sent {
		assert.NotContains(t, msg.text, "session.update")
	}
}

func TestStartConversationWaitsForOpen(t *testing.T) {
	rig := newTestRig(t, nil)
	pc := rig.connect(t, Handlers{})
	dc := pc.channel()

	start := time.Now()
	time.AfterFunc(300*time.Millisecond, dc.open)
	require.NoError(t, rig.client.StartConversation(context.Background(), "Greet the student in Spanish."))

	sent := dc.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, webrtc.DataChannelStateOpen, sent[0].state)
	assert.GreaterOrEqual(t, sent[0].at.Sub(start), 300*time.Millisecond)
	event := decodeSent(t, sent[0].text)
	assert.Equal(t, map[string]any{"instructions": "Greet the student in Spanish."}, event["response"])
}

func TestStartConversationChannelNeverOpens(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelOpenTimeout = 200 * time.Millisecond
	rig := newTestRig(t, cfg)
	pc := rig.connect(t, Handlers{})

	err := rig.client.StartConversation(context.Background(), "")
	require.ErrorIs(t, err, shared.ErrChannelOpenTimeout)
	assert.Empty(t, pc.channel().sentMessages())
}

func TestStartConversationWithoutChannel(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.client.StartConversation(context.Background(), "")
	require.ErrorIs(t, err, shared.ErrChannelNotOpen)
}

func TestSendMessageWithoutOpenChannel(t *testing.T) {
	rig := newTestRig(t, nil)
	assert.False(t, rig.client.SendMessage(NewUserMessage("hola")))

	pc := rig.connect(t, Handlers{})
	assert.False(t, rig.client.SendMessage(NewUserMessage("hola")), "channel still connecting")

	pc.channel().open()
	assert.True(t, rig.client.SendMessage(NewUserMessage("hola")))

	rig.client.Disconnect()
	assert.False(t, rig.client.SendMessage(NewUserMessage("hola")))
	assert.False(t, rig.client.SendMessage(nil))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	rig := newTestRig(t, nil)
	var connected, disconnected atomic.Int32
	pc := rig.connect(t, Handlers{
		OnConnected:    func() { connected.Add(1) },
		OnDisconnected: func() { disconnected.Add(1) },
	})
	pc.channel().open()
	require.True(t, rig.client.Connected())
	require.Equal(t, int32(1), connected.Load())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rig.client.Disconnect()
		}()
	}
	wg.Wait()
	rig.client.Disconnect()

	assert.Equal(t, int32(1), disconnected.Load())
	assert.Equal(t, 1, pc.closeCount())
	assert.Equal(t, 1, pc.channel().closeCount())
	assert.True(t, rig.devices.streams[0].AudioTracks()[0].Ended())
	assert.Nil(t, rig.client.media.Stream())
	assert.False(t, rig.client.Connected())
	assert.Equal(t, StateClosed, rig.client.State())
	rig.client.mu.Lock()
	assert.Nil(t, rig.client.pc)
	rig.client.mu.Unlock()
}

func TestDisconnectBeforeAnything(t *testing.T) {
	rig := newTestRig(t, nil)
	assert.NotPanics(t, func() {
		rig.client.Disconnect()
		rig.client.Disconnect()
	})
	assert.Equal(t, StateClosed, rig.client.State())
}

func TestDisconnectSurvivesFailingPeer(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.factory.prepare = func(p *fakePeer) { p.panicClose = true }
	pc := rig.connect(t, Handlers{})

	assert.NotPanics(t, rig.client.Disconnect)
	assert.Equal(t, 1, pc.closeCount())
	assert.Equal(t, 1, pc.channel().closeCount())
	assert.Nil(t, rig.client.media.Stream())
	assert.Equal(t, StateClosed, rig.client.State())
}

func TestPeerFailureDisconnects(t *testing.T) {
	rig := newTestRig(t, nil)
	var disconnected atomic.Int32
	pc := rig.connect(t, Handlers{OnDisconnected: func() { disconnected.Add(1) }})
	pc.channel().open()

	pc.mu.Lock()
	onState := pc.onState
	pc.mu.Unlock()
	onState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool { return disconnected.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, rig.client.State())
}

func TestStaleTeardownSparesReconnectedSession(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	var disconnected atomic.Int32
	reconnected := make(chan error, 1)
	handlers := Handlers{OnMessage: discard}
	handlers.OnDisconnected = func() {
		if disconnected.Add(1) > 1 {
			return
		}
		err := rig.client.Initialize(ctx, handlers, spanishB1())
		if err == nil {
			err = rig.client.StartMicrophone(ctx)
		}
		if err == nil {
			err = rig.client.Connect(ctx)
		}
		reconnected <- err
	}
	old := rig.connect(t, handlers)
	oldChannel := old.channel()
	oldChannel.open()

	old.mu.Lock()
	onState := old.onState
	old.mu.Unlock()
	oldChannel.mu.Lock()
	onClose := oldChannel.onClose
	oldChannel.mu.Unlock()

	// the transport reports the same loss twice
	onState(webrtc.PeerConnectionStateFailed)
	onClose()

	select {
	case err := <-reconnected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not reconnected")
	}
	fresh := rig.factory.last()
	require.NotSame(t, old, fresh)
	fresh.channel().open()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), disconnected.Load())
	assert.Equal(t, 1, old.closeCount())
	assert.Zero(t, fresh.closeCount())
	assert.Zero(t, fresh.channel().closeCount())
	assert.True(t, rig.client.Connected())
	assert.Equal(t, StateOpen, rig.client.State())
	assert.NotNil(t, rig.client.media.Stream())
}

func TestInboundEventsDelivered(t *testing.T) {
	rig := newTestRig(t, nil)
	var (
		mu     sync.Mutex
		events []*ServerEvent
	)
	pc := rig.connect(t, Handlers{OnMessage: func(e *ServerEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}})
	dc := pc.channel()
	dc.open()

	dc.deliver(`{"type":"conversation.item.created","event_id":"evt_1","item":{"id":"item_1","type":"message","role":"user","content":[{"type":"input_audio"}]}}`)
	dc.deliver(`{not json`)
	dc.deliver(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","content_index":0,"transcript":"Hola, me llamo Ana."}`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, ServerEventTypeConversationItemCreated, events[0].Type)
	text, user, ok := events[1].Transcript()
	assert.True(t, ok)
	assert.True(t, user)
	assert.Equal(t, "Hola, me llamo Ana.", text)
	assert.True(t, rig.client.SendMessage(NewUserMessage("still usable")))
}

func TestReconnectAttemptsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	rig := newTestRig(t, cfg)
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))
	rig.backend.handle("/health", jsonHandler(fasthttp.StatusBadGateway, `{}`))

	require.ErrorIs(t, rig.client.Reconnect(ctx, "we talked about food"), shared.ErrBackendUnreachable)
	require.ErrorIs(t, rig.client.Reconnect(ctx, "we talked about food"), shared.ErrBackendUnreachable)
	assert.Equal(t, 2, rig.client.ReconnectAttempts())
	assert.False(t, rig.client.CanReconnect())
	require.ErrorIs(t, rig.client.Reconnect(ctx, ""), shared.ErrReconnectExhausted)
	assert.Equal(t, "we talked about food", rig.client.Params().ConversationHistory)
}

func TestReconnectResetsCounterOnOpen(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	require.NoError(t, rig.client.Initialize(ctx, Handlers{OnMessage: discard}, spanishB1()))

	require.NoError(t, rig.client.Reconnect(ctx, "summary"))
	assert.Equal(t, 1, rig.client.ReconnectAttempts())
	assert.Contains(t, rig.backend.lastBody("/credential"), `"conversation_history":"summary"`)

	rig.factory.last().channel().open()
	assert.Equal(t, 0, rig.client.ReconnectAttempts())
	assert.True(t, rig.client.CanReconnect())
}

func TestNoteReconnectAttempt(t *testing.T) {
	rig := newTestRig(t, nil)

	for want := 1; want <= 3; want++ {
		got, err := rig.client.NoteReconnectAttempt()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := rig.client.NoteReconnectAttempt()
	require.ErrorIs(t, err, shared.ErrReconnectExhausted)

	rig.client.Disconnect()
	assert.Equal(t, 3, rig.client.ReconnectAttempts())
	rig.client.ResetReconnectAttempts()
	assert.True(t, rig.client.CanReconnect())
}

func decodeSent(t *testing.T, text string) map[string]any {
	t.Helper()
	var event map[string]any
	require.NoError(t, sonic.UnmarshalString(text, &event))
	return event
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}
