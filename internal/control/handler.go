package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/lifecycle"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Callbacks contains the session operations the control plane can drive.
// A nil callback answers "not implemented".
type Callbacks struct {
	OnGetStatus  func() map[string]any
	OnPlay       func() error
	OnPause      func() error
	OnSeek       func(positionMS float64) error
	OnSetRate    func(rate float64) error
	OnRestart    func() error
	OnEndSession func() (map[string]any, error)
	OnShutdown   func() error
}

const (
	commandQueue     = 10
	subscribeTimeout = 5 * time.Second
	responseTimeout  = 2 * time.Second
)

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	commands chan Command
	cb       Callbacks

	mu     sync.Mutex
	runner *lifecycle.Runner
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, cb Callbacks) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		commands: make(chan Command, commandQueue),
		cb:       cb,
	}
}

// Start subscribes to the control topic and starts processing commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	slog.Info("subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.mu.Lock()
	h.runner = lifecycle.Go(ctx, "control", h.processCommands)
	h.mu.Unlock()

	slog.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and joins the processing loop
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(subscribeTimeout)
	}

	h.mu.Lock()
	r := h.runner
	h.mu.Unlock()
	if r == nil {
		return nil
	}
	r.Stop()
	err := r.Join(lifecycle.DefaultJoinTimeout, lifecycle.DefaultForceGrace)

	slog.Info("control plane handler stopped")
	return err
}

// messageHandler is called by paho for every control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
			Timestamp:  now(),
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context, r *lifecycle.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.StopCh():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.execute(cmd))
		}
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

// run invokes fn and fills resp with data on success
func run(resp Response, fn func() error, data map[string]any) Response {
	if fn == nil {
		return notImplemented(resp)
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Status = "success"
	resp.Data = data
	return resp
}

func floatParam(params map[string]any, name string) (float64, bool) {
	v, ok := params[name].(float64)
	return v, ok
}

// execute runs one command and builds its response
func (h *Handler) execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Timestamp: now()}

	switch cmd.Command {
	case "get_status":
		if h.cb.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.cb.OnGetStatus()
		return resp

	case "play":
		return run(resp, h.cb.OnPlay, map[string]any{"playing": true})

	case "pause":
		resp = run(resp, h.cb.OnPause, map[string]any{"playing": false})
		if resp.Status == "success" {
			resp.Status = "paused"
		}
		return resp

	case "seek":
		pos, ok := floatParam(cmd.Params, "position_ms")
		if !ok || pos < 0 {
			resp.Status = "error"
			resp.Error = "missing or invalid 'position_ms' parameter (expected non-negative number)"
			return resp
		}
		var fn func() error
		if h.cb.OnSeek != nil {
			fn = func() error { return h.cb.OnSeek(pos) }
		}
		return run(resp, fn, map[string]any{"position_ms": pos})

	case "set_rate":
		rate, ok := floatParam(cmd.Params, "rate")
		if !ok || rate <= 0 {
			resp.Status = "error"
			resp.Error = "missing or invalid 'rate' parameter (expected positive number)"
			return resp
		}
		var fn func() error
		if h.cb.OnSetRate != nil {
			fn = func() error { return h.cb.OnSetRate(rate) }
		}
		return run(resp, fn, map[string]any{"rate": rate})

	case "restart":
		return run(resp, h.cb.OnRestart, map[string]any{"message": "session restarted"})

	case "end_session":
		if h.cb.OnEndSession == nil {
			return notImplemented(resp)
		}
		data, err := h.cb.OnEndSession()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp
		}
		resp.Status = "success"
		resp.Data = data
		return resp

	case "shutdown":
		return run(resp, h.cb.OnShutdown, map[string]any{"message": "shutting down"})

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
		return resp
	}
}

// sendResponse publishes a command response on the status topic
func (h *Handler) sendResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Status, h.cfg.QoS, false, data)
	if !token.WaitTimeout(responseTimeout) {
		slog.Warn("control response publish timeout", "command", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("control response sent", "command", resp.CommandAck, "status", resp.Status)
}
