package saga

import "testing"

func TestDefaultTopologyRegistered(t *testing.T) {
	def, ok := Lookup("CreateCompleteCampaign")
	if !ok {
		t.Fatal("CreateCompleteCampaign not registered")
	}
	wantSteps := []string{"CREATE_CAMPAIGN", "PROCESS_PAYMENT", "GENERATE_REPORT"}
	if len(def.Steps) != len(wantSteps) {
		t.Fatalf("Steps = %v, want %v", def.Steps, wantSteps)
	}
	for i, kind := range wantSteps {
		if def.Steps[i] != kind {
			t.Errorf("Steps[%d] = %q, want %q", i, def.Steps[i], kind)
		}
	}
}

func TestCompensationFor(t *testing.T) {
	def, _ := Lookup("CreateCompleteCampaign")

	cases := map[string]string{
		"CREATE_CAMPAIGN": "CANCEL_CAMPAIGN",
		"PROCESS_PAYMENT": "REFUND_PAYMENT",
		"GENERATE_REPORT": "CANCEL_REPORT",
	}
	for step, want := range cases {
		got, ok := def.CompensationFor(step)
		if !ok {
			t.Errorf("CompensationFor(%q) missing", step)
		}
		if got != want {
			t.Errorf("CompensationFor(%q) = %q, want %q", step, got, want)
		}
	}

	if _, ok := def.CompensationFor("NOT_A_STEP"); ok {
		t.Error("CompensationFor(unknown) should be not-ok")
	}
}

func TestLookupUnknownType(t *testing.T) {
	if _, ok := Lookup("NotRegistered"); ok {
		t.Error("Lookup of unregistered type should be not-ok")
	}
}

func TestRegisterAddsTopology(t *testing.T) {
	Register(Definition{
		Type:          "testOnlyTopology",
		Steps:         []string{"A", "B"},
		Compensations: map[string]string{"A": "UNDO_A", "B": "UNDO_B"},
	})

	def, ok := Lookup("testOnlyTopology")
	if !ok {
		t.Fatal("registered topology not found")
	}
	if len(def.Steps) != 2 {
		t.Fatalf("Steps = %v, want 2 entries", def.Steps)
	}
}
