package realtime

import (
	"fmt"
	"strings"

	"github.com/alipala/language-tutor-realtime/shared"
)

// SessionParameters shape how the remote tutor behaves. They are sent once,
// at credential issuance, so the remote session is configured before the
// peer connection exists.
type SessionParameters struct {
	Language            string `json:"language" yaml:"language"`
	Level               string `json:"level" yaml:"level"`
	Topic               string `json:"topic,omitempty" yaml:"topic,omitempty"`
	UserPrompt          string `json:"user_prompt,omitempty" yaml:"user_prompt,omitempty"`
	AssessmentData      any    `json:"assessment_data,omitempty" yaml:"assessment_data,omitempty"`
	ResearchData        string `json:"research_data,omitempty" yaml:"research_data,omitempty"`
	ConversationHistory string `json:"conversation_history,omitempty" yaml:"conversation_history,omitempty"`
}

func (p SessionParameters) Validate() error {
	if strings.TrimSpace(p.Language) == "" {
		return fmt.Errorf("%w: %w", shared.ErrInvalidConfig, shared.ErrMissingLanguage)
	}
	if strings.TrimSpace(p.Level) == "" {
		return fmt.Errorf("%w: %w", shared.ErrInvalidConfig, shared.ErrMissingLevel)
	}
	return nil
}

// WithHistory returns a copy carrying a summary of the previous conversation,
// used when a session is re-established.
func (p SessionParameters) WithHistory(summary string) SessionParameters {
	p.ConversationHistory = summary
	return p
}

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateAcquiringCredential
	StateCredentialAcquired
	StateAcquiringMedia
	StateMediaReady
	StateNegotiating
	StateOpen
	StateDisconnecting
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringCredential:
		return "acquiring-credential"
	case StateCredentialAcquired:
		return "credential-acquired"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateMediaReady:
		return "media-ready"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

type EventHandler func(event *ServerEvent)

// Handlers are the callbacks a UI registers on Initialize. OnMessage is
// required, the others are optional.
type Handlers struct {
	OnMessage      EventHandler
	OnConnected    func()
	OnDisconnected func()
}
