package inbox

import "testing"

func TestOutcomeValues(t *testing.T) {
	if First == Duplicate {
		t.Fatal("First and Duplicate must be distinct outcomes")
	}
}
