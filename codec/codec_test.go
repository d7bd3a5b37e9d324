package codec

import "testing"

func TestRequestRoundTrip(t *testing.T) {
	req, err := NewRequest("1", "message/send", map[string]any{"parts": []any{map[string]any{"text": "hi"}}})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	wire, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest("topic", wire)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Method != "message/send" {
		t.Errorf("method: got %q", got.Method)
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	_, err := DecodeRequest("topic", []byte("not json"))
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDecodeRequestMissingMethod(t *testing.T) {
	_, err := DecodeRequest("topic", []byte(`{"jsonrpc":"2.0","id":"1"}`))
	if err == nil {
		t.Fatal("expected decode error for missing method")
	}
}

func TestPatternsEnvelopeRoundTrip(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":"1","method":"message/send"}`)
	wire, err := WrapPatterns("agent1", "agent2", "", body)
	if err != nil {
		t.Fatalf("WrapPatterns: %v", err)
	}
	env, err := UnwrapPatterns("topic", wire)
	if err != nil {
		t.Fatalf("UnwrapPatterns: %v", err)
	}
	if env.From != "agent1" || env.To != "agent2" {
		t.Errorf("got from=%q to=%q", env.From, env.To)
	}
}

func TestStreamRecordRoundTrip(t *testing.T) {
	rec := StreamRecord{StreamID: "s1", Seq: 3, Payload: []byte(`{"jsonrpc":"2.0"}`)}
	wire, err := EncodeStreamRecord(rec)
	if err != nil {
		t.Fatalf("EncodeStreamRecord: %v", err)
	}
	got, err := DecodeStreamRecord("topic", wire)
	if err != nil {
		t.Fatalf("DecodeStreamRecord: %v", err)
	}
	if got.StreamID != "s1" || got.Seq != 3 {
		t.Errorf("got %+v", got)
	}
}
