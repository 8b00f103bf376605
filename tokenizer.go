package main

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Token accounting. The upstream does not report usage on the web
// transport, so the proxy carries a deterministic estimator: words and
// punctuation runs for text, a fixed charge for images, serialized
// length for tool blocks. The numbers are estimates but they are
// stable, which is what clients doing budget math need.

const imageTokenCost = 1500

var knownModelPrefixes = []string{
	"claude-3",
	"claude-3-5",
	"claude-3-7",
	"claude-sonnet-4",
	"claude-opus-4",
	"claude-haiku-4",
}

func isKnownModel(model string) bool {
	for _, p := range knownModelPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// countTextTokens estimates tokens in a text fragment: one per word
// plus one per run of punctuation, with long words charged one token
// per four characters.
func countTextTokens(text string) int64 {
	var count int64
	inWord := false
	wordLen := 0
	flush := func() {
		if wordLen > 0 {
			count += int64((wordLen + 3) / 4)
		}
		wordLen = 0
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				flush()
				inWord = true
			}
			wordLen++
		default:
			// punctuation and symbols tokenize individually
			flush()
			inWord = false
			count++
		}
	}
	flush()
	return count
}

// countBlockTokens estimates tokens for one content block. Returns an
// invalid-model error only at the request level, not here.
func countBlockTokens(b ContentBlock) int64 {
	switch b.Type {
	case "text":
		return countTextTokens(b.Text)
	case "image":
		return imageTokenCost
	case "tool_use":
		raw, _ := json.Marshal(b)
		return countTextTokens(string(raw))
	case "tool_result":
		raw, _ := json.Marshal(b)
		return countTextTokens(string(raw))
	case "thinking":
		return countTextTokens(b.Thinking)
	default:
		raw, _ := json.Marshal(b)
		return countTextTokens(string(raw))
	}
}

// countRequestTokens estimates the input side of a request. Fails with
// request-invalid when the model is unknown.
func countRequestTokens(req *MessagesRequest) (int64, error) {
	if !isKnownModel(req.Model) {
		return 0, perrorf(errRequestInvalid, "unknown model %q", req.Model)
	}
	var total int64
	for _, b := range req.System {
		total += countBlockTokens(b)
	}
	for _, m := range req.Messages {
		total += 3 // per-message framing overhead
		for _, b := range m.Content {
			total += countBlockTokens(b)
		}
	}
	for _, t := range req.Tools {
		raw, _ := json.Marshal(t)
		total += countTextTokens(string(raw))
	}
	return total, nil
}

// streamCounter tracks output tokens across successive text deltas.
type streamCounter struct {
	total int64
}

func (c *streamCounter) feed(text string) int64 {
	c.total += countTextTokens(text)
	return c.total
}

// stopMatcher watches a delta stream for literal stop sequences across
// chunk boundaries. Text that could still turn into a match is held
// back, so nothing past a stop boundary is ever released.
type stopMatcher struct {
	stops   []string
	held    string
	maxHold int
}

func newStopMatcher(stops []string) *stopMatcher {
	m := &stopMatcher{stops: stops}
	for _, s := range stops {
		if len(s)-1 > m.maxHold {
			m.maxHold = len(s) - 1
		}
	}
	return m
}

// feed consumes a delta and returns the text safe to release. When a
// stop sequence completes, matched is the sequence, emit holds the
// text before the match start, and rest is whatever followed the match
// in the buffer. Stop handling discards rest; the fence detector
// captures it.
func (m *stopMatcher) feed(delta string) (emit, matched, rest string) {
	if len(m.stops) == 0 {
		return delta, "", ""
	}
	buf := m.held + delta
	first := -1
	for _, s := range m.stops {
		if i := strings.Index(buf, s); i >= 0 && (first < 0 || i < first || (i == first && len(s) > len(matched))) {
			first = i
			matched = s
		}
	}
	if first >= 0 {
		m.held = ""
		return buf[:first], matched, buf[first+len(matched):]
	}
	// Hold the longest suffix that is a proper prefix of any stop.
	hold := 0
	limit := m.maxHold
	if limit > len(buf) {
		limit = len(buf)
	}
	for n := limit; n > 0; n-- {
		suffix := buf[len(buf)-n:]
		for _, s := range m.stops {
			if strings.HasPrefix(s, suffix) {
				hold = n
				break
			}
		}
		if hold > 0 {
			break
		}
	}
	m.held = buf[len(buf)-hold:]
	return buf[:len(buf)-hold], "", ""
}

// finish releases any held text once the stream ends without a match.
func (m *stopMatcher) finish() string {
	out := m.held
	m.held = ""
	return out
}
