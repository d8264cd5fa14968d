package model

import "testing"

func TestDecodeRealtimeMessage(t *testing.T) {
	body := []byte(`{"type":"EQUIPMENT_UPDATED","equipment":{"id":"eq_1"},"timestamp":"2024-08-30T10:00:00Z"}`)
	msg, err := DecodeRealtimeMessage("/topic/equipment/updates", body)
	if err != nil {
		t.Fatalf("DecodeRealtimeMessage error: %v", err)
	}
	if msg.Type != "EQUIPMENT_UPDATED" {
		t.Errorf("Type = %q", msg.Type)
	}
	if msg.Destination != "/topic/equipment/updates" {
		t.Errorf("Destination = %q", msg.Destination)
	}

	var eq struct {
		Equipment struct {
			ID string `json:"id"`
		} `json:"equipment"`
	}
	if err := msg.Decode(&eq); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if eq.Equipment.ID != "eq_1" {
		t.Errorf("equipment.id = %q", eq.Equipment.ID)
	}
}

func TestDecodeRealtimeMessage_malformed(t *testing.T) {
	_, err := DecodeRealtimeMessage("/topic/x", []byte(`{"type":`))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if ErrorCode(err) != ErrFrameDecode {
		t.Errorf("code = %q, want %q", ErrorCode(err), ErrFrameDecode)
	}
}

func TestDecodeRealtimeMessage_nonObject(t *testing.T) {
	msg, err := DecodeRealtimeMessage("/topic/x", []byte(`[1,2,3]`))
	if err != nil {
		t.Fatalf("non-object JSON should be accepted: %v", err)
	}
	if string(msg.Raw) != `[1,2,3]` {
		t.Errorf("Raw = %s", msg.Raw)
	}
}

func TestDecodeRealtimeMessage_errorQueue(t *testing.T) {
	msg, err := DecodeRealtimeMessage("/user/u1/queue/errors", []byte(`{"error":"equipment unavailable","timestamp":"t"}`))
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if msg.Error != "equipment unavailable" {
		t.Errorf("Error = %q", msg.Error)
	}
}
