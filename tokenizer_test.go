package main

import (
	"testing"
)

func TestCountTextTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"hi", 1},
		{"hello world", 4},
		{"hello, world!", 6},
		{"supercalifragilistic", 5},
	}
	for _, c := range cases {
		if got := countTextTokens(c.in); got != c.want {
			t.Errorf("countTextTokens(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCountRequestTokensUnknownModel(t *testing.T) {
	req := &MessagesRequest{Model: "gpt-4", Messages: []InputMessage{
		{Role: "user", Content: BlockList{{Type: "text", Text: "hi"}}},
	}}
	if _, err := countRequestTokens(req); err == nil {
		t.Fatalf("expected error for unknown model")
	} else if errorKind(err) != errRequestInvalid {
		t.Fatalf("expected request_invalid, got %v", errorKind(err))
	}
}

func TestCountRequestTokensImageFixedCost(t *testing.T) {
	req := &MessagesRequest{Model: "claude-3-5-sonnet-20241022", Messages: []InputMessage{
		{Role: "user", Content: BlockList{{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}}}},
	}}
	got, err := countRequestTokens(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got < imageTokenCost {
		t.Fatalf("image request counted %d tokens, want at least %d", got, imageTokenCost)
	}
}

func TestStopMatcherAcrossBoundary(t *testing.T) {
	m := newStopMatcher([]string{"world"})

	emit, matched, _ := m.feed("Hello, wo")
	if matched != "" {
		t.Fatalf("unexpected match on first delta")
	}
	if emit != "Hello, " {
		t.Fatalf("first emit = %q, want %q", emit, "Hello, ")
	}

	emit, matched, _ = m.feed("rld! Good")
	if matched != "world" {
		t.Fatalf("matched = %q, want world", matched)
	}
	if emit != "" {
		t.Fatalf("emit after match = %q, want empty", emit)
	}
}

func TestStopMatcherWholeResponse(t *testing.T) {
	m := newStopMatcher([]string{"DONE"})
	emit, matched, _ := m.feed("DONE")
	if emit != "" || matched != "DONE" {
		t.Fatalf("got emit=%q matched=%q", emit, matched)
	}
}

func TestStopMatcherNoMatchFlushesOnFinish(t *testing.T) {
	m := newStopMatcher([]string{"zzz"})
	emit, matched, _ := m.feed("hello z")
	if matched != "" {
		t.Fatalf("unexpected match")
	}
	if emit != "hello " {
		t.Fatalf("emit = %q, want %q", emit, "hello ")
	}
	if rest := m.finish(); rest != "z" {
		t.Fatalf("finish = %q, want z", rest)
	}
}

func TestStopMatcherEarliestWins(t *testing.T) {
	m := newStopMatcher([]string{"bb", "aa"})
	emit, matched, _ := m.feed("xxaayybb")
	if matched != "aa" {
		t.Fatalf("matched = %q, want aa", matched)
	}
	if emit != "xx" {
		t.Fatalf("emit = %q, want xx", emit)
	}
}

func TestStreamCounterAccumulates(t *testing.T) {
	var c streamCounter
	c.feed("hello ")
	total := c.feed("world")
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
}
