package policy

import (
	"encoding/json"
	"strings"
)

const mask = "***"

// Redact applies every configured pattern to the serialized payload.
// Patterns with capturing groups have each group replaced by *** in place,
// so the surrounding structure (key names, separators) is untouched;
// patterns without groups have the full match replaced.
func (p *Policy) Redact(payload string) string {
	for _, re := range p.redact {
		matches := re.FindAllStringSubmatchIndex(payload, -1)
		if matches == nil {
			continue
		}
		var out strings.Builder
		out.Grow(len(payload))
		prev := 0
		for _, m := range matches {
			spans := groupSpans(m)
			if len(spans) == 0 {
				// No capturing groups: mask the whole match.
				spans = [][2]int{{m[0], m[1]}}
			}
			for _, span := range spans {
				if span[0] < prev {
					continue
				}
				out.WriteString(payload[prev:span[0]])
				out.WriteString(mask)
				prev = span[1]
			}
		}
		out.WriteString(payload[prev:])
		payload = out.String()
	}
	return payload
}

// groupSpans extracts the non-empty capturing group ranges from a
// FindAllStringSubmatchIndex entry, in order.
func groupSpans(m []int) [][2]int {
	var spans [][2]int
	for i := 2; i+1 < len(m); i += 2 {
		if m[i] < 0 || m[i+1] < 0 {
			continue
		}
		spans = append(spans, [2]int{m[i], m[i+1]})
	}
	return spans
}

// Capped is the result of applying the output size cap.
type Capped struct {
	Payload   json.RawMessage
	Truncated bool
	// RawSize is the byte length of the original serialization.
	RawSize int
}

// Cap enforces max_output_bytes and max_output_tokens (bytes/4 floor) on a
// serialized result. Oversized payloads are re-wrapped as a valid JSON
// document carrying a string prefix of the original serialization plus a
// _truncated_at marker with the original length.
func (p *Policy) Cap(payload []byte) Capped {
	budget := p.limits.MaxOutputBytes
	if tokenBudget := p.limits.MaxOutputTokens * 4; tokenBudget < budget {
		budget = tokenBudget
	}
	if len(payload) <= budget && len(payload)/4 <= p.limits.MaxOutputTokens {
		return Capped{Payload: payload, RawSize: len(payload)}
	}

	wrapped := truncateToBudget(payload, budget)
	return Capped{Payload: wrapped, Truncated: true, RawSize: len(payload)}
}

// truncateToBudget wraps a prefix of the original serialization so the
// wrapper itself fits the byte budget. JSON string escaping can inflate the
// encoded size, so the prefix shrinks until the encoded wrapper fits.
func truncateToBudget(payload []byte, budget int) json.RawMessage {
	type wrapper struct {
		TruncatedAt int    `json:"_truncated_at"`
		Payload     string `json:"payload"`
	}

	cut := budget
	if cut > len(payload) {
		cut = len(payload)
	}
	for {
		prefix := strings.ToValidUTF8(string(payload[:cut]), "")
		out, err := json.Marshal(wrapper{TruncatedAt: len(payload), Payload: prefix})
		if err == nil && len(out) <= budget {
			return out
		}
		if cut == 0 {
			// Budget too small for any payload; keep the marker alone.
			out, _ := json.Marshal(wrapper{TruncatedAt: len(payload)})
			return out
		}
		over := 64
		if err == nil && len(out)-budget > over {
			over = len(out) - budget
		}
		cut -= over
		if cut < 0 {
			cut = 0
		}
	}
}
