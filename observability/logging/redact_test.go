package logging

import "testing"

func TestMaskFieldRedactsCredentialKeys(t *testing.T) {
	for _, key := range []string{"apiKey", "secret", "signature", "nonce"} {
		attr := MaskField(key, "deadbeef")
		if attr.Value.String() != RedactedValue {
			t.Fatalf("key %q logged verbatim: %q", key, attr.Value.String())
		}
		if attr.Key != key {
			t.Fatalf("key casing changed: %q", attr.Key)
		}
	}
}

func TestMaskFieldPassesOperationalKeys(t *testing.T) {
	cases := map[string]string{
		"actor":     "ops-admin",
		"owner":     "treasury",
		"validator": "aegval1xyz",
		"address":   ":8446",
		"reason":    "incident",
		"type":      "bridge.paused",
	}
	for key, value := range cases {
		attr := MaskField(key, value)
		if attr.Value.String() != value {
			t.Fatalf("allowlisted key %q masked: %q", key, attr.Value.String())
		}
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("apiKey", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %q", attr.Value.String())
	}
}

func TestAllowlistNeverContainsCredentialKeys(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		switch key {
		case "apikey", "secret", "signature", "nonce":
			t.Fatalf("credential key %q is allowlisted", key)
		}
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("hunter2"); got != RedactedValue {
		t.Fatalf("MaskValue = %q", got)
	}
	if got := MaskValue("  "); got != "  " {
		t.Fatalf("blank value rewritten: %q", got)
	}
}
