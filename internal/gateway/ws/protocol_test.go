package ws

import (
	"encoding/json"
	"testing"
)

func TestMarshalUnmarshal_RequestFrame(t *testing.T) {
	orig, err := NewRequestFrame("req-1", MethodCancelTask, TaskParams{TaskID: "t-1"})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	data, err := MarshalFrame(orig)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}

	if got.Type != FrameTypeRequest {
		t.Fatalf("expected type %q, got %q", FrameTypeRequest, got.Type)
	}
	if got.ID != "req-1" {
		t.Fatalf("expected id %q, got %q", "req-1", got.ID)
	}
	if got.Method != string(MethodCancelTask) {
		t.Fatalf("expected method %q, got %q", MethodCancelTask, got.Method)
	}

	var p TaskParams
	if err := json.Unmarshal(got.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p.TaskID != "t-1" {
		t.Fatalf("expected task_id t-1, got %q", p.TaskID)
	}
}

func TestNewResponseFrame(t *testing.T) {
	f, err := NewResponseFrame("req-2", false, nil, "task not found")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := MarshalFrame(f)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["type"] != "res" || raw["ok"] != false || raw["error"] != "task not found" {
		t.Errorf("unexpected frame: %s", data)
	}
	if _, ok := raw["payload"]; ok {
		t.Errorf("payload should be omitted: %s", data)
	}
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("task.updated", map[string]any{"id": "evt-1"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameTypeEvent || f.Event != "task.updated" {
		t.Errorf("unexpected frame: %+v", f)
	}
	if string(f.Payload) != `{"id":"evt-1"}` {
		t.Errorf("payload: %s", f.Payload)
	}
}
