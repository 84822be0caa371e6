package logging

import "testing"

func TestRedactMasksSensitiveKeys(t *testing.T) {
	in := map[string]interface{}{
		"relaySecret":    "hunter2",
		"PHEMEX_SECRET":  "abc",
		"PHEMEX_API_KEY": "def",
		"symbol":         "ETHUSDT.P",
		"price":          2500.0,
	}

	out := Redact(in)

	for _, k := range []string{"relaySecret", "PHEMEX_SECRET", "PHEMEX_API_KEY"} {
		if out[k] != redactedPlaceholder {
			t.Errorf("expected %s to be redacted, got %v", k, out[k])
		}
	}
	if out["symbol"] != "ETHUSDT.P" || out["price"] != 2500.0 {
		t.Errorf("non-sensitive fields must pass through unchanged: %v", out)
	}
	if in["relaySecret"] != "hunter2" {
		t.Error("input map must not be modified")
	}
}

func TestRedactNilValueNotMasked(t *testing.T) {
	out := Redact(map[string]interface{}{"relaySecret": nil})
	if out["relaySecret"] != nil {
		t.Errorf("nil secret should stay nil, got %v", out["relaySecret"])
	}
}
