package logger

import (
	"fmt"
	"strings"
	"testing"
)

func enableScrub() { policyOnce.Do(func() { scrubOn = true }) }

func TestScrubRedactsContent(t *testing.T) {
	enableScrub()

	out := scrub([]interface{}{
		"text", "I keep thinking about the move",
		"generated_text", "You often return to change.",
		"api_key", "sk-123",
		"user_id", "0b6f4c1e-7a43-4c1e-9b7b-4a0d1b8c2e11",
		"node_id", "n1",
		"embedding", []float32{0.1, 0.2, 0.3},
		"dangling",
	})

	for _, i := range []int{1, 3, 5} {
		if out[i] != "[REDACTED]" {
			t.Fatalf("value %d not redacted: %v", i, out[i])
		}
	}
	if s := fmt.Sprint(out[7]); !strings.Contains(s, "hash:") {
		t.Fatalf("user_id not pseudonymized: %q", s)
	}
	if out[9] != "n1" {
		t.Fatalf("node_id=%v", out[9])
	}
	if out[11] != "[vector dim=3]" {
		t.Fatalf("embedding=%v", out[11])
	}
	if out[12] != "dangling" {
		t.Fatalf("dangling key=%v", out[12])
	}
}

func TestScrubNestedMap(t *testing.T) {
	enableScrub()
	got := scrubValue("payload", map[string]interface{}{"password": "x", "batch_size": 10, "Session_ID": "s1"})
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("scrubValue returned %T", got)
	}
	if m["password"] != "[REDACTED]" {
		t.Fatalf("password=%v", m["password"])
	}
	if m["batch_size"] != 10 {
		t.Fatalf("batch_size=%v", m["batch_size"])
	}
	if s := fmt.Sprint(m["Session_ID"]); !strings.Contains(s, "hash:") {
		t.Fatalf("Session_ID=%q", s)
	}
}

func TestPseudonymIsStable(t *testing.T) {
	enableScrub()
	if pseudonym("u-1") != pseudonym("u-1") {
		t.Fatalf("pseudonym not stable")
	}
	if pseudonym("u-1") == pseudonym("u-2") {
		t.Fatalf("distinct ids share a pseudonym")
	}
	if got := pseudonym(nil); got != "" {
		t.Fatalf("pseudonym(nil)=%q", got)
	}
}
