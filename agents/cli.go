package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	pkg "github.com/alipala/language-tutor-realtime"
	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/alipala/language-tutor-realtime/tools"
	"github.com/goccy/go-yaml"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// turns of the transcript kept for the reconnect summary
const historyTurns = 20

type AgentConfig struct {
	Session pkg.SessionParameters `yaml:"session"`
	// Greeting overrides the credential instructions for the first response.
	Greeting         string        `yaml:"greeting,omitempty"`
	AutoReconnect    bool          `yaml:"auto_reconnect"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	// Verbose prints every server event the agent does not render itself.
	Verbose bool `yaml:"verbose"`
}

// NewClient wires a pkg.Client to the local microphone and speakers.
func NewClient(cfg *pkg.Config, logger shared.LoggerAdapter) (*pkg.Client, error) {
	codecSelector, err := tools.NewOpusCodecSelector()
	if err != nil {
		return nil, err
	}
	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	mic, err := tools.NewMicrophone(logger, codecSelector)
	if err != nil {
		return nil, err
	}
	speaker, err := tools.NewSpeaker(logger, 100, 2)
	if err != nil {
		return nil, err
	}
	return pkg.NewClient(cfg, logger, pkg.Dependencies{
		HTTP:    &fasthttp.Client{Name: "language-tutor-realtime/" + shared.Version},
		Factory: pkg.NewPionFactory(mediaEngine),
		Devices: mic,
		Sink:    speaker,
	})
}

type CLIState struct {
	closing    bool
	connected  bool
	responding bool
	history    []string
	reconnects int
}

func NewCLIState() *CLIState {
	return &CLIState{}
}

// Session is the part of pkg.Client the agent drives.
type Session interface {
	Initialize(ctx context.Context, handlers pkg.Handlers, params pkg.SessionParameters) error
	StartMicrophone(ctx context.Context) error
	Connect(ctx context.Context) error
	StartConversation(ctx context.Context, instructions string) error
	SendMessage(event *pkg.ClientEvent) bool
	Disconnect()
	CanReconnect() bool
	Reconnect(ctx context.Context, history string) error
}

var _ Session = (*pkg.Client)(nil)

// CLIAgent runs a tutoring conversation in the terminal and prints the
// transcript.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	client  Session
	cfg     *AgentConfig
	ctx     context.Context

	mu        sync.Mutex
	state     *CLIState
	done      chan struct{}
	closeOnce sync.Once
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	client Session,
	cfg *AgentConfig,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if client == nil {
		return errors.New("no client provided")
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger.With(zap.String("component", "agent"))
	a.printer = printer
	a.client = client
	a.cfg = cfg
	a.ctx = ctx
	a.state = NewCLIState()
	a.done = make(chan struct{})

	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Session\n", 0)
	yamlBytes, err := yaml.MarshalWithOptions(cfg.Session, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session parameters to yaml", err)
		return err
	}
	a.println(strings.TrimRight(string(yamlBytes), "\n"), 1)

	if err := a.start(ctx, cfg.Session); err != nil {
		a.println("\n❌ "+shared.UserMessage(err)+"\n", 0)
		a.finish()
		return err
	}
	return nil
}

func (a *CLIAgent) start(ctx context.Context, params pkg.SessionParameters) error {
	a.println("\n🔑 Requesting session credential...", 0)
	handlers := pkg.Handlers{
		OnMessage:      a.onEvent,
		OnConnected:    a.onConnected,
		OnDisconnected: a.onDisconnected,
	}
	if err := a.client.Initialize(ctx, handlers, params); err != nil {
		a.logger.Error("initializing session", err)
		return err
	}

	a.println("🎤 Accessing microphone...", 0)
	if err := a.client.StartMicrophone(ctx); err != nil {
		a.logger.Error("starting microphone", err)
		a.client.Disconnect()
		return err
	}
	a.println("✅ Microphone access granted.\n", 0)

	a.println("🔌 Connecting to your tutor...", 0)
	if err := a.client.Connect(ctx); err != nil {
		a.logger.Error("connecting", err)
		return err
	}
	if err := a.client.StartConversation(ctx, a.cfg.Greeting); err != nil {
		a.logger.Error("starting conversation", err)
		a.client.Disconnect()
		return err
	}
	a.logger.Info("conversation started")
	return nil
}

// Say sends a typed message to the tutor and asks for a response.
func (a *CLIAgent) Say(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if !a.client.SendMessage(pkg.NewUserMessage(text)) {
		return false
	}
	a.remember("Student", text)
	return a.client.SendMessage(pkg.NewResponseCreate(""))
}

// Interrupt stops the tutor's current response and drops its unplayed audio.
func (a *CLIAgent) Interrupt() bool {
	a.mu.Lock()
	a.state.responding = false
	a.mu.Unlock()
	if !a.client.SendMessage(pkg.NewResponseCancel()) {
		return false
	}
	return a.client.SendMessage(pkg.NewOutputAudioBufferClear())
}

func (a *CLIAgent) onConnected() {
	a.mu.Lock()
	a.state.connected = true
	a.state.responding = false
	a.state.reconnects = 0
	a.mu.Unlock()
	a.println("✅ Connected. Start speaking!\n", 0)
}

func (a *CLIAgent) onEvent(event *pkg.ServerEvent) {
	if text, user, ok := event.Transcript(); ok {
		if strings.TrimSpace(text) == "" {
			return
		}
		if user {
			a.remember("Student", text)
			a.turn("🧑 You", text)
		} else {
			a.remember("Tutor", text)
			a.turn("🤖 Tutor", text)
		}
		return
	}
	switch event.Type {
	case pkg.ServerEventTypeResponseCreated:
		a.setResponding(true)
	case pkg.ServerEventTypeResponseDone:
		a.setResponding(false)
	case pkg.ServerEventTypeInputAudioBufferSpeechStarted:
		// the student talks over the tutor
		if a.isResponding() {
			a.logger.Debug("student interrupted the tutor")
			a.Interrupt()
		}
	}
	switch p := event.Param.(type) {
	case *pkg.ServerEventParamError:
		a.logger.Warn("server error event", zap.String("code", p.Code), zap.String("message", p.Message))
		a.println("⚠️  "+p.Message, 0)
	case *pkg.ServerEventParamTranscriptionFailed:
		a.logger.Warn("transcription failed", zap.String("item_id", p.ItemId))
	case *pkg.ServerEventParamSpeech:
		a.logger.Debug("speech", zap.String("type", string(event.Type)), zap.Int("audio_ms", p.AudioMs()))
	default:
		a.logger.Trace("server event", zap.String("type", string(event.Type)))
		if a.cfg.Verbose {
			if out, err := event.MarshalYAML(); err == nil {
				a.println(strings.TrimRight(string(out), "\n"), 1)
			}
		}
	}
}

func (a *CLIAgent) onDisconnected() {
	a.mu.Lock()
	closing := a.state.closing
	a.state.connected = false
	a.mu.Unlock()
	if closing {
		a.finish()
		return
	}
	a.println("\n🔌 Disconnected.", 0)
	if !a.cfg.AutoReconnect {
		a.finish()
		return
	}
	// not from inside Disconnect
	go a.reconnect()
}

func (a *CLIAgent) reconnect() {
	for a.client.CanReconnect() {
		a.mu.Lock()
		if a.state.closing {
			a.mu.Unlock()
			return
		}
		a.state.reconnects++
		attempt := a.state.reconnects
		a.mu.Unlock()

		a.println("🔄 Reconnecting...", 0)
		select {
		case <-a.ctx.Done():
			a.finish()
			return
		case <-time.After(a.cfg.ReconnectBackoff * time.Duration(attempt)):
		}
		err := a.client.Reconnect(a.ctx, a.summary())
		if err == nil {
			err = a.client.StartConversation(a.ctx, "")
		}
		if err == nil {
			a.logger.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		a.logger.Error("reconnecting", err, zap.Int("attempt", attempt))
		a.println("❌ "+shared.UserMessage(err), 0)
		a.client.Disconnect()
	}
	a.println("❌ Could not reconnect. Goodbye.\n", 0)
	a.finish()
}

func (a *CLIAgent) setResponding(v bool) {
	a.mu.Lock()
	a.state.responding = v
	a.mu.Unlock()
}

func (a *CLIAgent) isResponding() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.responding
}

func (a *CLIAgent) remember(speaker, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.history = append(a.state.history, speaker+": "+strings.TrimSpace(text))
	if len(a.state.history) > historyTurns {
		a.state.history = a.state.history[len(a.state.history)-historyTurns:]
	}
}

func (a *CLIAgent) summary() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.state.history, "\n")
}

func (a *CLIAgent) turn(speaker, text string) {
	if err := a.printer.Turn(speaker, text); err != nil {
		a.logger.Error("printing transcript", err)
	}
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) finish() {
	a.closeOnce.Do(func() { close(a.done) })
}

// Done is closed when the conversation is over.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	a.mu.Lock()
	a.state.closing = true
	a.mu.Unlock()
	a.client.Disconnect()
	a.finish()
	return nil
}
