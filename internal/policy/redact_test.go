package policy

import (
	"encoding/json"
	"strings"
	"testing"
)

func compilePolicy(t *testing.T, file File) *Policy {
	t.Helper()
	p, err := Compile(file)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func TestRedactCapturingGroup(t *testing.T) {
	p := compilePolicy(t, File{Redaction: Redaction{Patterns: []string{`api_key=(\w+)`}}})

	got := p.Redact(`{"log":"api_key=secret123"}`)
	want := `{"log":"api_key=***"}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestRedactWholeMatchWithoutGroups(t *testing.T) {
	p := compilePolicy(t, File{Redaction: Redaction{Patterns: []string{`sk-[a-z0-9]+`}}})

	got := p.Redact("token sk-abc123 in payload")
	if got != "token *** in payload" {
		t.Errorf("unexpected redaction: %s", got)
	}
}

func TestRedactMultipleMatches(t *testing.T) {
	p := compilePolicy(t, File{Redaction: Redaction{Patterns: []string{`password=(\w+)`}}})

	got := p.Redact("password=one and password=two")
	if got != "password=*** and password=***" {
		t.Errorf("unexpected redaction: %s", got)
	}
}

func TestRedactPreservesSurroundings(t *testing.T) {
	p := compilePolicy(t, File{Redaction: Redaction{Patterns: []string{`"token":"([^"]+)"`}}})

	got := p.Redact(`{"user":"alice","token":"abc","n":1}`)
	want := `{"user":"alice","token":"***","n":1}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if !json.Valid([]byte(got)) {
		t.Error("redacted payload must remain valid JSON")
	}
}

func TestRedactNoPatterns(t *testing.T) {
	p := Default()
	payload := `{"anything":"goes"}`
	if got := p.Redact(payload); got != payload {
		t.Errorf("no-pattern policy must pass payloads through, got %s", got)
	}
}

func TestCapUnderBudget(t *testing.T) {
	p := compilePolicy(t, File{Limits: Limits{MaxOutputBytes: 1024, MaxOutputTokens: 1024}})

	payload := []byte(`{"small":"result"}`)
	capped := p.Cap(payload)
	if capped.Truncated {
		t.Error("payload under budget must not be truncated")
	}
	if capped.RawSize != len(payload) {
		t.Errorf("expected raw size %d, got %d", len(payload), capped.RawSize)
	}
	if string(capped.Payload) != string(payload) {
		t.Error("payload under budget must pass through unchanged")
	}
}

func TestCapOverByteBudget(t *testing.T) {
	p := compilePolicy(t, File{Limits: Limits{MaxOutputBytes: 50, MaxOutputTokens: 10000}})

	payload := []byte(`{"data":"` + strings.Repeat("x", 89) + `"}`)
	if len(payload) != 100 {
		t.Fatalf("fixture should be 100 bytes, got %d", len(payload))
	}

	capped := p.Cap(payload)
	if !capped.Truncated {
		t.Error("oversized payload must be truncated")
	}
	if capped.RawSize != 100 {
		t.Errorf("expected raw size estimate 100, got %d", capped.RawSize)
	}
	if len(capped.Payload) > 50 {
		t.Errorf("capped payload is %d bytes, budget is 50", len(capped.Payload))
	}
	if !json.Valid(capped.Payload) {
		t.Errorf("truncated payload must be valid JSON: %s", capped.Payload)
	}

	var wrapper struct {
		TruncatedAt int    `json:"_truncated_at"`
		Payload     string `json:"payload"`
	}
	if err := json.Unmarshal(capped.Payload, &wrapper); err != nil {
		t.Fatalf("truncated payload must carry the wrapper: %v", err)
	}
	if wrapper.TruncatedAt != 100 {
		t.Errorf("expected _truncated_at 100, got %d", wrapper.TruncatedAt)
	}
}

func TestCapTokenBudgetDominates(t *testing.T) {
	// 40 tokens * 4 bytes = 160 bytes, tighter than the byte cap.
	p := compilePolicy(t, File{Limits: Limits{MaxOutputBytes: 4096, MaxOutputTokens: 40}})

	payload := []byte(strings.Repeat("a", 500))
	capped := p.Cap(payload)
	if !capped.Truncated {
		t.Error("payload over the token budget must be truncated")
	}
	if len(capped.Payload) > 160 {
		t.Errorf("capped payload is %d bytes, token budget allows 160", len(capped.Payload))
	}
}

func TestCapTinyBudgetStillValidJSON(t *testing.T) {
	p := compilePolicy(t, File{Limits: Limits{MaxOutputBytes: 30, MaxOutputTokens: 10000}})

	capped := p.Cap([]byte(strings.Repeat("z", 1000)))
	if !capped.Truncated {
		t.Error("expected truncation")
	}
	if !json.Valid(capped.Payload) {
		t.Errorf("even tiny budgets must yield valid JSON: %s", capped.Payload)
	}
}

func TestCapUTF8Boundary(t *testing.T) {
	p := compilePolicy(t, File{Limits: Limits{MaxOutputBytes: 60, MaxOutputTokens: 10000}})

	payload := []byte(`{"s":"` + strings.Repeat("ü", 100) + `"}`)
	capped := p.Cap(payload)
	if !capped.Truncated {
		t.Error("expected truncation")
	}
	if !json.Valid(capped.Payload) {
		t.Errorf("truncation must not split multi-byte runes: %s", capped.Payload)
	}
}
