package aggregators

import (
	"strings"
	"testing"
)

func collect(tokens []string, cfg SplitterConfig) []string {
	agg := NewTextAggregator(cfg)
	var out []string
	for _, tok := range tokens {
		out = append(out, agg.AddToken(tok)...)
	}
	if tail := agg.Flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}

func TestSplitsOnTerminators(t *testing.T) {
	tokens := []string{"We provide ", "Salesforce consulting", " services.", " Anything", " else?"}
	got := collect(tokens, SplitterConfig{})
	want := []string{"We provide Salesforce consulting services.", "Anything else?"}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: %q != %q", i, got[i], want[i])
		}
	}
}

func TestEveryByteLandsInExactlyOneSentence(t *testing.T) {
	full := "First sentence. Second one! A third, with commas? And a tail without terminator"
	var tokens []string
	for i := 0; i < len(full); i += 3 {
		end := i + 3
		if end > len(full) {
			end = len(full)
		}
		tokens = append(tokens, full[i:end])
	}
	got := collect(tokens, SplitterConfig{})
	joined := strings.Join(got, " ")
	if joined != full {
		t.Fatalf("byte preservation failed:\n%q\n%q", full, joined)
	}
}

func TestSoftLimitFlushesLongRuns(t *testing.T) {
	agg := NewTextAggregator(SplitterConfig{SoftLimit: 40})
	long := strings.Repeat("word ", 20) // no terminator
	var out []string
	for _, tok := range strings.SplitAfter(long, " ") {
		out = append(out, agg.AddToken(tok)...)
	}
	if len(out) == 0 {
		t.Fatalf("soft limit never flushed")
	}
	for _, s := range out {
		if len(s) > 45 {
			t.Fatalf("sentence exceeds soft limit: %q", s)
		}
	}
}

func TestTerminatorRunsStayTogether(t *testing.T) {
	got := collect([]string{"Wait..", ". Really?!", " Yes."}, SplitterConfig{})
	want := []string{"Wait...", "Really?!", "Yes."}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: %q != %q", i, got[i], want[i])
		}
	}
}

func TestMaxSentencesCapsOutput(t *testing.T) {
	agg := NewTextAggregator(SplitterConfig{MaxSentences: 2})
	var out []string
	for i := 0; i < 10; i++ {
		out = append(out, agg.AddToken("Sentence here. ")...)
	}
	out = appendNonEmpty(out, agg.Flush())
	if len(out) != 2 {
		t.Fatalf("expected 2 sentences, got %d", len(out))
	}
}

func TestSplitterDeterministic(t *testing.T) {
	tokens := []string{"Hello", " there.", " How", " can I", " help?"}
	first := collect(tokens, SplitterConfig{})
	second := collect(tokens, SplitterConfig{})
	if strings.Join(first, "|") != strings.Join(second, "|") {
		t.Fatalf("splitter not deterministic")
	}
}

func appendNonEmpty(out []string, s string) []string {
	if s != "" {
		return append(out, s)
	}
	return out
}
