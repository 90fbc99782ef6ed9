package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	id := uuid.New()
	original, err := NewEnvelope("SagaStarted", id, map[string]string{"saga_id": id.String()})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.SchemaVersion != original.SchemaVersion ||
		decoded.EventType != original.EventType ||
		decoded.EventID != original.EventID {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, original)
	}
	if string(decoded.Data) != string(original.Data) {
		t.Fatalf("data mismatch: got %s want %s", decoded.Data, original.Data)
	}
}

func TestEnvelopeDefaultsSchemaVersion(t *testing.T) {
	env, err := NewEnvelope("PaymentCompleted", uuid.New(), struct{}{})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.SchemaVersion != SchemaVersion {
		t.Fatalf("schema version = %s, want %s", env.SchemaVersion, SchemaVersion)
	}
}
