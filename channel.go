package realtime

import (
	"sync"

	"github.com/alipala/language-tutor-realtime/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// EventChannel sends and receives JSON events over the control data channel.
// It has a single subscriber; OnMessage replaces the previous one.
type EventChannel struct {
	logger shared.LoggerAdapter

	mu      sync.Mutex
	dc      DataChannel
	handler EventHandler
}

func NewEventChannel(logger shared.LoggerAdapter) *EventChannel {
	return &EventChannel{logger: logger.With(zap.String("component", "events"))}
}

// Bind attaches dc. onOpen and onClose fire for dc only; callbacks of a
// channel that has since been replaced or unbound are ignored.
func (c *EventChannel) Bind(dc DataChannel, onOpen, onClose func()) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if !c.current(dc) {
			return
		}
		// configuration travels in the credential; nothing is sent here
		c.logger.Info("data channel opened", zap.String("label", dc.Label()))
		if onOpen != nil {
			onOpen()
		}
	})
	dc.OnClose(func() {
		if !c.current(dc) {
			return
		}
		c.logger.Info("data channel closed", zap.String("label", dc.Label()))
		if onClose != nil {
			onClose()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.current(dc) {
			c.handle(msg)
		}
	})
}

func (c *EventChannel) current(dc DataChannel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc == dc
}

func (c *EventChannel) OnMessage(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// State is DataChannelStateUnknown when no channel is bound.
func (c *EventChannel) State() webrtc.DataChannelState {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return webrtc.DataChannelStateUnknown
	}
	return dc.ReadyState()
}

func (c *EventChannel) IsOpen() bool {
	return c.State() == webrtc.DataChannelStateOpen
}

// Usable reports whether a bound channel is connecting or open.
func (c *EventChannel) Usable() bool {
	s := c.State()
	return s == webrtc.DataChannelStateConnecting || s == webrtc.DataChannelStateOpen
}

// Send reports false, without error, when the channel is absent or not open
// or the event cannot be delivered.
func (c *EventChannel) Send(event *ClientEvent) bool {
	if event == nil {
		return false
	}
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		c.logger.Debug("dropping event, no data channel", zap.String("type", string(event.Type)))
		return false
	}
	if state := dc.ReadyState(); state != webrtc.DataChannelStateOpen {
		c.logger.Debug(
			"dropping event, data channel not open",
			zap.String("type", string(event.Type)),
			zap.String("state", state.String()),
		)
		return false
	}
	data, err := event.MarshalJSON()
	if err != nil {
		c.logger.Error("marshaling event", err, zap.String("type", string(event.Type)))
		return false
	}
	if err := dc.SendText(string(data)); err != nil {
		c.logger.Error("sending event", err, zap.String("type", string(event.Type)))
		return false
	}
	c.logger.Debug("sent event", zap.String("type", string(event.Type)), zap.String("event_id", event.EventId))
	return true
}

// Unbind closes the channel and forgets it. Safe to call repeatedly.
func (c *EventChannel) Unbind() error {
	c.mu.Lock()
	dc := c.dc
	c.dc = nil
	c.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Close()
}

func (c *EventChannel) handle(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		c.logger.Warn("received non-string message on data channel", zap.Int("size", len(msg.Data)))
		return
	}
	event, err := ParseServerEvent(msg.Data)
	if err != nil {
		c.logger.Error("can not parse event", err, zap.Int("size", len(msg.Data)))
		return
	}
	c.logger.Trace("received event", zap.String("type", string(event.Type)), zap.String("event_id", event.EventId))

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}
