package issuer

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	pkg "github.com/alipala/language-tutor-realtime"
	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultAddr               = ":8000"
	DefaultBaseURL            = "https://api.openai.com/v1"
	DefaultTranscriptionModel = "whisper-1"
)

// Session defaults for the tutor.
const (
	vadEagerness   = "low"
	noiseReduction = "near_field"
)

type Config struct {
	Addr               string        `yaml:"addr"`
	APIKey             string        `yaml:"-"`
	BaseURL            string        `yaml:"base_url"`
	Model              string        `yaml:"model"`
	Voice              string        `yaml:"voice"`
	TranscriptionModel string        `yaml:"transcription_model"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	// MockFallback makes /credential-fallback answer with a placeholder token
	// when upstream issuance fails. Development only: the realtime endpoint
	// rejects it.
	MockFallback bool `yaml:"mock_fallback"`
}

func DefaultConfig() *Config {
	return &Config{
		Addr:               DefaultAddr,
		BaseURL:            DefaultBaseURL,
		Model:              pkg.DefaultModel,
		Voice:              pkg.DefaultVoice,
		TranscriptionModel: DefaultTranscriptionModel,
		RequestTimeout:     10 * time.Second,
	}
}

type credentialRequest struct {
	pkg.SessionParameters
	Voice string `json:"voice"`
}

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// upstream answers {"value": ...}; older deployments nest it in client_secret
type clientSecretResponse struct {
	clientSecret
	ClientSecret *clientSecret `json:"client_secret"`
}

func (r *clientSecretResponse) secret() clientSecret {
	if r.Value == "" && r.ClientSecret != nil {
		return *r.ClientSecret
	}
	return r.clientSecret
}

type credentialResponse struct {
	EphemeralKey string        `json:"ephemeral_key,omitempty"`
	ClientSecret *clientSecret `json:"client_secret,omitempty"`
	ExpiresAt    int64         `json:"expires_at,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Server is the trusted credential backend. It holds the API key and hands
// out short-lived realtime credentials with the tutor configuration embedded.
type Server struct {
	cfg     *Config
	logger  shared.LoggerAdapter
	http    pkg.HTTPDoer
	baseUrl *url.URL
	server  *fasthttp.Server
}

func NewServer(cfg *Config, logger shared.LoggerAdapter, http pkg.HTTPDoer) (*Server, error) {
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if http == nil {
		return nil, shared.ErrNoHTTPClient
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	baseUrl, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "issuer")),
		http:    http,
		baseUrl: baseUrl,
	}
	s.server = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "language-tutor-issuer",
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}
	return s, nil
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
	return s.server.ListenAndServe(s.cfg.Addr)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}

func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	if ctx.IsOptions() {
		ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type")
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}

	switch path := string(ctx.Path()); path {
	case "/health":
		if !ctx.IsGet() {
			writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case "/credential", "/credential-fallback":
		if !ctx.IsPost() {
			writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.credential(ctx, path == "/credential-fallback")
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

// credential issues a credential for the posted session parameters. The
// degraded variant configures only instructions and voice.
func (s *Server) credential(ctx *fasthttp.RequestCtx, degraded bool) {
	var req credentialRequest
	if err := sonic.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	logger := s.logger.With(
		zap.String("language", req.Language),
		zap.String("level", req.Level),
		zap.Bool("degraded", degraded),
	)

	secret, err := s.mint(s.Session(req.SessionParameters, req.Voice, degraded))
	if err != nil {
		if !degraded || !s.cfg.MockFallback {
			logger.Error("issuing credential", err)
			writeError(ctx, fasthttp.StatusBadGateway, "credential issuance failed")
			return
		}
		logger.Warn("issuing mock credential", zap.Error(err))
		secret = clientSecret{Value: "mock-" + uuid.NewString()}
	}
	logger.Info("credential issued", zap.Bool("has_key", secret.Value != ""), zap.Int("key_length", len(secret.Value)))

	if degraded {
		writeJSON(ctx, fasthttp.StatusOK, credentialResponse{ClientSecret: &secret})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, credentialResponse{EphemeralKey: secret.Value, ExpiresAt: secret.ExpiresAt})
}

// Session is the realtime session configuration embedded in a credential.
func (s *Server) Session(params pkg.SessionParameters, voice string, degraded bool) *realtime.RealtimeSessionCreateRequestParam {
	if voice == "" {
		voice = s.cfg.Voice
	}
	session := &realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(Instructions(params)),
		Model:        realtime.RealtimeSessionCreateRequestModel(s.cfg.Model),
		Audio: realtime.RealtimeAudioConfigParam{
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(voice),
			},
		},
	}
	if degraded {
		return session
	}
	transcription := realtime.AudioTranscriptionParam{
		Model: realtime.AudioTranscriptionModel(s.cfg.TranscriptionModel),
	}
	if code := LanguageCode(params.Language); code != "" {
		transcription.Language = param.NewOpt(code)
	}
	session.Audio.Input = realtime.RealtimeAudioConfigInputParam{
		TurnDetection: realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfSemanticVad: &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
				Eagerness:         vadEagerness,
			},
		},
		NoiseReduction: realtime.RealtimeAudioConfigInputNoiseReductionParam{
			Type: noiseReduction,
		},
		Transcription: transcription,
	}
	return session
}

// mint exchanges the API key for an ephemeral client secret.
func (s *Server) mint(session *realtime.RealtimeSessionCreateRequestParam) (clientSecret, error) {
	sessBytes, err := session.MarshalJSON()
	if err != nil {
		return clientSecret{}, fmt.Errorf("marshaling session: %w", err)
	}
	body := make([]byte, 0, len(sessBytes)+12)
	body = append(body, `{"session":`...)
	body = append(body, sessBytes...)
	body = append(body, '}')

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.baseUrl.JoinPath("/realtime/client_secrets").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := s.http.DoDeadline(req, resp, time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return clientSecret{}, fmt.Errorf("performing HTTP request: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return clientSecret{}, fmt.Errorf("unexpected status code: %d, body: %s", code, string(resp.Body()))
	}
	var out clientSecretResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return clientSecret{}, fmt.Errorf("decoding client secret: %w", err)
	}
	secret := out.secret()
	if secret.Value == "" {
		return clientSecret{}, errors.New("client secret response has no value")
	}
	return secret, nil
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, detail string) {
	writeJSON(ctx, status, errorResponse{Detail: detail})
}
