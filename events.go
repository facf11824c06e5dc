package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types the client distinguishes. Anything else is delivered as
// a passthrough event.
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemCreated                          ServerEventType = "conversation.item.created"
	ServerEventTypeConversationItemAdded                            ServerEventType = "conversation.item.added"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeConversationItemInputAudioTranscriptionFailed    ServerEventType = "conversation.item.input_audio_transcription.failed"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated                                  ServerEventType = "response.created"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseOutputAudioTranscriptDelta               ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDone                ServerEventType = "response.output_audio_transcript.done"
	// beta names of the transcript events
	ServerEventTypeResponseAudioTranscriptDelta ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone  ServerEventType = "response.audio_transcript.done"
)

// Client event types
const (
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
	ClientEventTypeOutputAudioBufferClear ClientEventType = "output_audio_buffer.clear"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func newEventId() string {
	return "evt_" + uuid.NewString()
}

func marshalEvent(eventId string, typ EventType, param EventParam) map[string]any {
	resp := map[string]any{}
	if param != nil {
		for k, v := range param.Json() {
			resp[k] = v
		}
	}
	if eventId != "" {
		resp["event_id"] = eventId
	}
	resp["type"] = string(typ)
	return resp
}

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	return yaml.MarshalWithOptions(marshalEvent(e.EventId, e.EventType(), e.Param), yaml.UseJSONMarshaler())
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	return sonic.Marshal(marshalEvent(e.EventId, e.EventType(), e.Param))
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("event is not an object")
	}
	if v, ok := raw["type"].(string); ok && v != "" {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeConversationItemCreated, ServerEventTypeConversationItemAdded:
		e.Param = new(ServerEventParamConversationItemCreated)
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		e.Param = new(ServerEventParamTranscriptionCompleted)
	case ServerEventTypeConversationItemInputAudioTranscriptionFailed:
		e.Param = new(ServerEventParamTranscriptionFailed)
	case ServerEventTypeInputAudioBufferSpeechStarted, ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamSpeech)
	case ServerEventTypeResponseCreated, ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponse)
	case ServerEventTypeResponseOutputAudioTranscriptDelta, ServerEventTypeResponseAudioTranscriptDelta:
		e.Param = new(ServerEventParamTranscriptDelta)
	case ServerEventTypeResponseOutputAudioTranscriptDone, ServerEventTypeResponseAudioTranscriptDone:
		e.Param = new(ServerEventParamTranscriptDone)
	default:
		e.Param = new(ServerEventParamPassthrough)
	}
	// a well-formed event whose shape is not what the typed param expects is
	// still delivered, with its fields untouched
	if err := e.Param.New(raw); err != nil {
		e.Param = &ServerEventParamPassthrough{Fields: raw}
	}
	return nil
}

// ParseServerEvent decodes one data channel message.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return event, nil
}

// Transcript returns the user or assistant transcript text carried by the
// event, if any.
func (e *ServerEvent) Transcript() (text string, user bool, ok bool) {
	switch p := e.Param.(type) {
	case *ServerEventParamTranscriptionCompleted:
		return p.Transcript, true, true
	case *ServerEventParamTranscriptDone:
		return p.Transcript, false, true
	}
	return "", false, false
}

type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	return yaml.MarshalWithOptions(marshalEvent(e.EventId, e.EventType(), e.Param), yaml.UseJSONMarshaler())
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	return sonic.Marshal(marshalEvent(e.EventId, e.EventType(), e.Param))
}

// NewResponseCreate asks the model to respond. Empty instructions leave the
// instructions embedded in the session credential in effect.
func NewResponseCreate(instructions string) *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeResponseCreate,
		Param:   &ClientEventParamResponseCreate{Instructions: instructions},
	}
}

// NewUserMessage adds a typed user turn to the conversation.
func NewUserMessage(text string) *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeConversationItemCreate,
		Param:   &ClientEventParamConversationItemCreate{Role: "user", Text: text},
	}
}

// NewResponseCancel stops the response the model is generating.
func NewResponseCancel() *ClientEvent {
	return &ClientEvent{EventId: newEventId(), Type: ClientEventTypeResponseCancel}
}

// NewOutputAudioBufferClear drops the model audio not yet played out.
func NewOutputAudioBufferClear() *ClientEvent {
	return &ClientEvent{EventId: newEventId(), Type: ClientEventTypeOutputAudioBufferClear}
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// error
type ServerEventParamError struct {
	Type    string
	EventId string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(jsonMap map[string]any) error {
	errObj, ok := jsonMap["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	// type, code and event_id are optional on the wire
	p.Type, _ = errObj["type"].(string)
	p.Code, _ = errObj["code"].(string)
	p.EventId, _ = errObj["event_id"].(string)
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"event_id": p.EventId,
			"code":     p.Code,
			"message":  p.Message,
			"param":    p.Param,
		},
	}
}

func (p *ServerEventParamError) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("realtime: %s: %s", p.Code, p.Message)
	}
	return "realtime: " + p.Message
}

// session.created and session.updated
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSession) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// conversation.item.created
type ServerEventParamConversationItemCreated struct {
	PreviousItemId any
	ItemId         string
	ItemType       string
	Role           string
	HasContent     bool
	Item           map[string]any
}

func (p *ServerEventParamConversationItemCreated) New(m map[string]any) error {
	p.PreviousItemId = m["previous_item_id"]
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	p.Item = item
	p.ItemId, _ = item["id"].(string)
	p.ItemType, _ = item["type"].(string)
	p.Role, _ = item["role"].(string)
	content, _ := item["content"].([]any)
	p.HasContent = len(content) > 0
	return nil
}

func (p *ServerEventParamConversationItemCreated) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item":             p.Item,
	}
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamTranscriptionCompleted struct {
	ItemId       string
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamTranscriptionCompleted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	p.ContentIndex, _ = asInt(m["content_index"])
	return nil
}

func (p *ServerEventParamTranscriptionCompleted) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// conversation.item.input_audio_transcription.failed
type ServerEventParamTranscriptionFailed struct {
	ItemId       string
	ContentIndex int
	Error        map[string]any
}

func (p *ServerEventParamTranscriptionFailed) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	p.ContentIndex, _ = asInt(m["content_index"])
	p.Error, _ = m["error"].(map[string]any)
	return nil
}

func (p *ServerEventParamTranscriptionFailed) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"error":         p.Error,
	}
}

// input_audio_buffer.speech_started, input_audio_buffer.speech_stopped
type ServerEventParamSpeech struct {
	ItemId string
	// audio_start_ms on speech_started, audio_end_ms on speech_stopped
	AudioStartMs *int
	AudioEndMs   *int
}

func (p *ServerEventParamSpeech) New(m map[string]any) error {
	p.ItemId, _ = m["item_id"].(string)
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = &v
	}
	if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioEndMs = &v
	}
	return nil
}

func (p *ServerEventParamSpeech) Json() map[string]any {
	m := map[string]any{"item_id": p.ItemId}
	if p.AudioStartMs != nil {
		m["audio_start_ms"] = *p.AudioStartMs
	}
	if p.AudioEndMs != nil {
		m["audio_end_ms"] = *p.AudioEndMs
	}
	return m
}

// AudioMs is the offset of the speech boundary into the input audio buffer.
func (p *ServerEventParamSpeech) AudioMs() int {
	switch {
	case p.AudioEndMs != nil:
		return *p.AudioEndMs
	case p.AudioStartMs != nil:
		return *p.AudioStartMs
	}
	return 0
}

// response.created, response.done
type ServerEventParamResponse struct {
	Response map[string]any
}

func (p *ServerEventParamResponse) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponse) Json() map[string]any {
	return map[string]any{
		"response": p.Response,
	}
}

func (p *ServerEventParamResponse) Status() string {
	s, _ := p.Response["status"].(string)
	return s
}

// response.output_audio_transcript.delta
type ServerEventParamTranscriptDelta struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamTranscriptDelta) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	p.OutputIndex, _ = asInt(m["output_index"])
	p.ContentIndex, _ = asInt(m["content_index"])
	return nil
}

func (p *ServerEventParamTranscriptDelta) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// response.output_audio_transcript.done
type ServerEventParamTranscriptDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamTranscriptDone) New(m map[string]any) error {
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	p.OutputIndex, _ = asInt(m["output_index"])
	p.ContentIndex, _ = asInt(m["content_index"])
	return nil
}

func (p *ServerEventParamTranscriptDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// ServerEventParamPassthrough keeps the fields of events the client does not
// interpret.
type ServerEventParamPassthrough struct {
	Fields map[string]any
}

func (p *ServerEventParamPassthrough) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *ServerEventParamPassthrough) Json() map[string]any {
	return p.Fields
}

// response.create
type ClientEventParamResponseCreate struct {
	Instructions string
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	resp, _ := m["response"].(map[string]any)
	p.Instructions, _ = resp["instructions"].(string)
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	resp := map[string]any{}
	if p.Instructions != "" {
		resp["instructions"] = p.Instructions
	}
	if len(resp) == 0 {
		return nil
	}
	return map[string]any{"response": resp}
}

// conversation.item.create with a single text message
type ClientEventParamConversationItemCreate struct {
	Role string
	Text string
}

func (p *ClientEventParamConversationItemCreate) New(m map[string]any) error {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	p.Role, _ = item["role"].(string)
	content, _ := item["content"].([]any)
	if len(content) > 0 {
		if c, ok := content[0].(map[string]any); ok {
			p.Text, _ = c["text"].(string)
		}
	}
	return nil
}

func (p *ClientEventParamConversationItemCreate) Json() map[string]any {
	return map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": p.Role,
			"content": []any{
				map[string]any{"type": "input_text", "text": p.Text},
			},
		},
	}
}
