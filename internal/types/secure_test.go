package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const testSecret = "re_live_0123456789abcdef"

func TestSecretString_String(t *testing.T) {
	s := SecretString(testSecret)

	if s.String() != redactedPlaceholder {
		t.Errorf("String() = %q, want %q", s.String(), redactedPlaceholder)
	}
	if out := fmt.Sprintf("key=%s %v", s, s); strings.Contains(out, testSecret) {
		t.Errorf("fmt leaked the raw secret: %s", out)
	}
}

func TestSecretString_MarshalJSON(t *testing.T) {
	payload := struct {
		Key SecretString `json:"key"`
	}{Key: SecretString(testSecret)}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if strings.Contains(string(data), testSecret) {
		t.Errorf("JSON leaked the raw secret: %s", data)
	}
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)

	if s.Unmask() != testSecret {
		t.Errorf("Unmask() = %q, want %q", s.Unmask(), testSecret)
	}
	if !s.IsSet() {
		t.Error("IsSet() = false for a non-empty secret")
	}
	if SecretString("").IsSet() {
		t.Error("IsSet() = true for an empty secret")
	}
}
