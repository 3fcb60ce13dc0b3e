package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHostDecisionKeepsOdIDFieldName(t *testing.T) {
	env := MustMake(EventAdmitUser, HostDecision{RoomID: "r1", OdID: "bob"})

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}
	if !strings.Contains(string(raw), `"odId":"bob"`) {
		t.Fatalf("admit payload must use the odId field, got %s", raw)
	}
}

func TestEnvelopePreservesUnknownPayloadFields(t *testing.T) {
	// Room-scoped fan-out payloads pass through the relay untouched; only
	// roomId is probed.
	raw := []byte(`{"event":"whiteboard-draw","data":{"roomId":"r1","points":[[1,2],[3,4]],"color":"#fff"}}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope failed: %v", err)
	}

	probe, err := Decode[RoomScoped](env.Data)
	if err != nil {
		t.Fatalf("probe decode failed: %v", err)
	}
	if probe.RoomID != "r1" {
		t.Fatalf("expected roomId r1, got %s", probe.RoomID)
	}

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("remarshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"color":"#fff"`) {
		t.Fatalf("forwarded payload lost fields: %s", out)
	}
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	if _, err := Decode[JoinRoom](nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestMakeNilPayload(t *testing.T) {
	env, err := Make(EventPing, nil)
	if err != nil {
		t.Fatalf("make failed: %v", err)
	}
	if env.Event != EventPing || env.Data != nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
