package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/mqtttest"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Topics: config.MQTTTopics{
			Control: "mirror/control/test",
			Status:  "mirror/status/test",
		},
	}
}

func TestExecute(t *testing.T) {
	var seekPos, rate float64
	cb := Callbacks{
		OnGetStatus: func() map[string]any { return map[string]any{"state": "running"} },
		OnPlay:      func() error { return nil },
		OnPause:     func() error { return nil },
		OnSeek:      func(p float64) error { seekPos = p; return nil },
		OnSetRate:   func(r float64) error { rate = r; return nil },
		OnRestart:   func() error { return errors.New("no media loaded") },
		OnEndSession: func() (map[string]any, error) {
			return map[string]any{"final_score": 84}, nil
		},
	}
	h := NewHandler(testConfig(), mqtttest.NewClient(), cb)

	tests := []struct {
		name       string
		cmd        Command
		wantStatus string
		wantErr    string
	}{
		{"status", Command{Command: "get_status"}, "success", ""},
		{"play", Command{Command: "play"}, "success", ""},
		{"pause", Command{Command: "pause"}, "paused", ""},
		{"seek", Command{Command: "seek", Params: map[string]any{"position_ms": 2500.0}}, "success", ""},
		{"seek missing", Command{Command: "seek"}, "error", "missing or invalid 'position_ms' parameter (expected non-negative number)"},
		{"seek negative", Command{Command: "seek", Params: map[string]any{"position_ms": -1.0}}, "error", "missing or invalid 'position_ms' parameter (expected non-negative number)"},
		{"rate", Command{Command: "set_rate", Params: map[string]any{"rate": 1.5}}, "success", ""},
		{"rate wrong type", Command{Command: "set_rate", Params: map[string]any{"rate": "fast"}}, "error", "missing or invalid 'rate' parameter (expected positive number)"},
		{"restart fails", Command{Command: "restart"}, "error", "no media loaded"},
		{"end", Command{Command: "end_session"}, "success", ""},
		{"shutdown unset", Command{Command: "shutdown"}, "error", "shutdown not implemented"},
		{"unknown", Command{Command: "dance"}, "error", "unknown command: dance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.execute(tt.cmd)
			if resp.Status != tt.wantStatus || resp.Error != tt.wantErr {
				t.Errorf("resp = %+v, want status %q error %q", resp, tt.wantStatus, tt.wantErr)
			}
			if resp.CommandAck != tt.cmd.Command {
				t.Errorf("ack = %q", resp.CommandAck)
			}
			if _, err := time.Parse(time.RFC3339Nano, resp.Timestamp); err != nil {
				t.Errorf("timestamp %q: %v", resp.Timestamp, err)
			}
		})
	}

	if seekPos != 2500 || rate != 1.5 {
		t.Errorf("seek=%v rate=%v", seekPos, rate)
	}
}

func TestHandlerRoundTrip(t *testing.T) {
	client := mqtttest.NewClient()
	var played atomic.Int32
	h := NewHandler(testConfig(), client, Callbacks{
		OnPlay: func() error { played.Add(1); return nil },
	})

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !client.Subscribed("mirror/control/test") {
		t.Fatal("not subscribed to the control topic")
	}

	client.Deliver("mirror/control/test", []byte(`{"command":"play"}`))
	client.Deliver("mirror/control/test", []byte(`not json`))

	deadline := time.Now().Add(2 * time.Second)
	for len(client.Messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := client.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d responses, want 2", len(msgs))
	}

	statuses := map[string]string{}
	for _, m := range msgs {
		if m.Topic != "mirror/status/test" {
			t.Errorf("response on %s", m.Topic)
		}
		var resp Response
		if err := json.Unmarshal(m.Payload, &resp); err != nil {
			t.Fatal(err)
		}
		statuses[resp.CommandAck] = resp.Status
	}
	if statuses["play"] != "success" || statuses["unknown"] != "error" {
		t.Errorf("statuses = %v", statuses)
	}
	if played.Load() != 1 {
		t.Errorf("play called %d times", played.Load())
	}

	if err := h.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if client.Subscribed("mirror/control/test") {
		t.Error("still subscribed after Stop")
	}
	t.Logf("✅ control command answered on the status topic")
}

func TestStopWithoutStart(t *testing.T) {
	h := NewHandler(testConfig(), mqtttest.NewClient(), Callbacks{})
	if err := h.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
