package shared

import "errors"

var (
	ErrNoLogger       = errors.New("no logger provided")
	ErrNoConfig       = errors.New("no config provided")
	ErrNoHTTPClient   = errors.New("no HTTP client provided")
	ErrNoFactory      = errors.New("no peer connection factory provided")
	ErrNoDevices      = errors.New("no media devices provided")
	ErrNoAPIKey       = errors.New("no API key provided")
	ErrNoEventHandler = errors.New("no event handler provided")

	// configuration errors are programming errors and fail fast
	ErrInvalidConfig   = errors.New("invalid session configuration")
	ErrMissingLanguage = errors.New("language is required")
	ErrMissingLevel    = errors.New("level is required")

	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrNoCredential       = errors.New("no session credential")
	ErrMalformedToken     = errors.New("token response has neither ephemeral_key nor client_secret.value")

	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone found")
	ErrDeviceBusy       = errors.New("microphone already in use")
	ErrMediaTimeout     = errors.New("microphone request timed out")
	ErrNoAudioTrack     = errors.New("media stream has no audio track")

	ErrNoPeerConnection   = errors.New("peer connection not created")
	ErrNegotiation        = errors.New("negotiation failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrChannelOpenTimeout = errors.New("data channel did not open in time")
	ErrChannelNotOpen     = errors.New("data channel not open")
	ErrSessionClosed      = errors.New("session closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// UserMessage maps an error from the session client onto a message a UI can
// show as is.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied. Allow microphone access in your browser or system settings and try again."
	case errors.Is(err, ErrNoDevice), errors.Is(err, ErrNoAudioTrack):
		return "No microphone was found. Connect a microphone and try again."
	case errors.Is(err, ErrDeviceBusy):
		return "Your microphone is being used by another application. Close it and try again."
	case errors.Is(err, ErrMediaTimeout),
		errors.Is(err, ErrNegotiationTimeout),
		errors.Is(err, ErrChannelOpenTimeout):
		return "The connection is taking too long. Please retry."
	case errors.Is(err, ErrBackendUnreachable):
		return "The tutor service is unreachable. Check your connection and retry."
	default:
		return "Could not connect to your tutor. Please retry."
	}
}
