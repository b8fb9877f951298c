package aggregators

import (
	"strings"
	"sync"
)

// TextAggregator buffers LLM tokens and emits sentences as soon as they
// complete, so synthesis can start before the stream finishes. A
// sentence completes on a terminator (., !, ?) or at the soft limit.
type TextAggregator struct {
	mu    sync.Mutex
	cfg   SplitterConfig
	sb    strings.Builder
	count int
}

func NewTextAggregator(cfg SplitterConfig) *TextAggregator {
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = 200
	}
	return &TextAggregator{cfg: cfg}
}

// AddToken appends one token and returns any sentences it completed.
func (a *TextAggregator) AddToken(tok string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capped() {
		return nil
	}
	a.sb.WriteString(tok)
	var out []string
	for {
		s, rest, ok := a.splitOnceLocked()
		if !ok {
			break
		}
		a.sb.Reset()
		a.sb.WriteString(rest)
		if s != "" {
			out = append(out, s)
			a.count++
			if a.capped() {
				a.sb.Reset()
				break
			}
		}
	}
	return out
}

// Flush returns any buffered tail and resets the aggregator.
func (a *TextAggregator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	tail := strings.TrimSpace(a.sb.String())
	a.sb.Reset()
	a.count = 0
	return tail
}

// Count reports sentences emitted since the last Flush.
func (a *TextAggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *TextAggregator) capped() bool {
	return a.cfg.MaxSentences > 0 && a.count >= a.cfg.MaxSentences
}

// splitOnceLocked finds the first complete sentence in the buffer. A
// terminator run ("...", "?!") at the very end of the buffer does not
// split yet, because the next token may extend it; Flush commits the
// tail at end of stream.
func (a *TextAggregator) splitOnceLocked() (sentence, rest string, ok bool) {
	text := a.sb.String()
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			j := i
			for j+1 < len(text) && isTerminator(text[j+1]) {
				j++
			}
			if j+1 >= len(text) {
				break
			}
			return strings.TrimSpace(text[:j+1]), text[j+1:], true
		}
	}
	if len(text) >= a.cfg.SoftLimit {
		return strings.TrimSpace(text), "", true
	}
	return "", "", false
}

func isTerminator(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

var _ Splitter = (*TextAggregator)(nil)
