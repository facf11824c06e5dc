package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	credentialPath         = "/credential"
	credentialFallbackPath = "/credential-fallback"
	healthPath             = "/health"
)

// HTTPDoer is satisfied by *fasthttp.Client and *fasthttp.HostClient.
type HTTPDoer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

// CredentialError is returned when both issuance endpoints fail.
type CredentialError struct {
	Primary  error
	Fallback error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential issuance failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *CredentialError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

type HTTPStatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code from %s: %d, body: %s", e.URL, e.Status, e.Body)
}

type credentialRequest struct {
	SessionParameters
	Voice string `json:"voice"`
}

type credentialResponse struct {
	EphemeralKey string `json:"ephemeral_key"`
	ClientSecret *struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

func (r *credentialResponse) token() string {
	if r.EphemeralKey != "" {
		return r.EphemeralKey
	}
	if r.ClientSecret != nil {
		return r.ClientSecret.Value
	}
	return ""
}

// CredentialProvider obtains short-lived session credentials from the trusted
// backend.
type CredentialProvider struct {
	logger  shared.LoggerAdapter
	http    HTTPDoer
	baseUrl *url.URL
	voice   string
	timeout time.Duration
}

func NewCredentialProvider(cfg *Config, logger shared.LoggerAdapter, http HTTPDoer) (*CredentialProvider, error) {
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if http == nil {
		return nil, shared.ErrNoHTTPClient
	}
	baseUrl, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	return &CredentialProvider{
		logger:  logger.With(zap.String("component", "credential")),
		http:    http,
		baseUrl: baseUrl,
		voice:   cfg.Voice,
		timeout: cfg.RequestTimeout,
	}, nil
}

// Ping checks that the backend answers its health check.
func (p *CredentialProvider) Ping(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseUrl.JoinPath(healthPath).String())
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := doDeadline(ctx, p.http, req, resp, p.timeout); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrBackendUnreachable, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("%w: health status %d", shared.ErrBackendUnreachable, code)
	}
	return nil
}

// Credential requests a credential from the primary endpoint and falls back
// to the degraded endpoint with the same body.
func (p *CredentialProvider) Credential(ctx context.Context, params SessionParameters) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	body, err := sonic.Marshal(credentialRequest{SessionParameters: params, Voice: p.voice})
	if err != nil {
		return "", fmt.Errorf("marshaling credential request: %w", err)
	}

	token, primaryErr := p.issue(ctx, credentialPath, body)
	if primaryErr == nil {
		p.logToken("credential issued", token)
		return token, nil
	}
	p.logger.Warn("primary credential endpoint failed, trying fallback", zap.Error(primaryErr))

	token, fallbackErr := p.issue(ctx, credentialFallbackPath, body)
	if fallbackErr == nil {
		p.logToken("credential issued by fallback", token)
		return token, nil
	}
	err = &CredentialError{Primary: primaryErr, Fallback: fallbackErr}
	p.logger.Error("credential issuance failed", err)
	return "", err
}

func (p *CredentialProvider) issue(ctx context.Context, path string, body []byte) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := p.baseUrl.JoinPath(path).String()
	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := doDeadline(ctx, p.http, req, resp, p.timeout); err != nil {
		return "", fmt.Errorf("performing HTTP request to %s: %w", uri, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return "", &HTTPStatusError{URL: uri, Status: code, Body: string(resp.Body())}
	}
	var out credentialResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding token response from %s: %w", uri, err)
	}
	token := out.token()
	if token == "" {
		return "", fmt.Errorf("%s: %w", uri, shared.ErrMalformedToken)
	}
	return token, nil
}

func (p *CredentialProvider) logToken(msg, token string) {
	p.logger.Info(msg, zap.Bool("has_key", token != ""), zap.Int("key_length", len(token)))
}

// doDeadline performs req bounded by the earlier of ctx's deadline and
// timeout.
func doDeadline(ctx context.Context, http HTTPDoer, req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
		ctxBound = true
	}
	err := http.DoDeadline(req, resp, deadline)
	if err != nil && errors.Is(err, fasthttp.ErrTimeout) {
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		case ctxBound:
			return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
	}
	return err
}
