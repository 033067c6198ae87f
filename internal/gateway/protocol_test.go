// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"encoding/json"
	"testing"
)

func TestParseFrameRequest(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"req","id":"r1","method":"chat.send","params":{"message":"hi"}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.Kind != "req" {
		t.Errorf("Kind = %q, want req", frame.Kind)
	}
	if frame.ID != "r1" {
		t.Errorf("ID = %q, want r1", frame.ID)
	}
	if frame.Method != "chat.send" {
		t.Errorf("Method = %q, want chat.send", frame.Method)
	}
}

func TestParseFrameResponse(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"res","id":"r1","ok":true,"payload":{"type":"hello-ok"}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.Kind != "res" || !frame.OK {
		t.Errorf("got kind=%q ok=%v, want res/true", frame.Kind, frame.OK)
	}
}

func TestParseFrameErrorResponse(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"res","id":"r2","ok":false,"error":{"code":"RATE_LIMITED","message":"slow down","retryable":true}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.OK {
		t.Fatal("OK = true, want false")
	}
	if frame.Err == nil || frame.Err.Code != "RATE_LIMITED" {
		t.Fatalf("Err = %+v, want RATE_LIMITED", frame.Err)
	}
	if frame.Err.Retryable == nil || !*frame.Err.Retryable {
		t.Error("Retryable not set")
	}
}

func TestParseFrameEvent(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"event","event":"chat","seq":7,"payload":{"state":"delta"}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.Kind != "event" || frame.Event != "chat" {
		t.Errorf("got kind=%q event=%q", frame.Kind, frame.Event)
	}
	if frame.Seq != 7 {
		t.Errorf("Seq = %d, want 7", frame.Seq)
	}
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"id":"x"}`},
		{"unknown type", `{"type":"push","id":"x"}`},
		{"req missing id", `{"type":"req","method":"chat.send"}`},
		{"req missing method", `{"type":"req","id":"x"}`},
		{"res missing id", `{"type":"res","ok":true}`},
		{"event missing name", `{"type":"event","payload":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tc.data)); err == nil {
				t.Errorf("ParseFrame(%s) succeeded, want error", tc.data)
			}
		})
	}
}

func TestChatEventDeltaDecoding(t *testing.T) {
	raw := []byte(`{"runId":"run_1","sessionKey":"conv_a","seq":3,"state":"delta","message":{"content":"Hel","thinking":""}}`)
	var ev chatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.State != "delta" || ev.Seq != 3 {
		t.Errorf("got state=%q seq=%d", ev.State, ev.Seq)
	}
	var body chatMessageBody
	if err := json.Unmarshal(ev.Message, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Content != "Hel" {
		t.Errorf("Content = %q, want Hel", body.Content)
	}
}

func TestChatEventFinalUsage(t *testing.T) {
	raw := []byte(`{"runId":"run_1","state":"final","usage":{"input":120,"output":44,"totalTokens":164},"stopReason":"end_turn"}`)
	var ev chatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Usage == nil || ev.Usage.Total != 164 {
		t.Fatalf("Usage = %+v, want total 164", ev.Usage)
	}
	if ev.StopReason != "end_turn" {
		t.Errorf("StopReason = %q", ev.StopReason)
	}
}
