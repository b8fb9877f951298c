package processors

import "strings"

// Intent is the coarse lexical class of a user utterance.
type Intent int

const (
	IntentOther Intent = iota
	IntentGreeting
	IntentGoodbye
	IntentConfirm
	IntentDeny
	IntentQuestion
	IntentAction
)

func (i Intent) String() string {
	switch i {
	case IntentGreeting:
		return "greeting"
	case IntentGoodbye:
		return "goodbye"
	case IntentConfirm:
		return "confirm"
	case IntentDeny:
		return "deny"
	case IntentQuestion:
		return "question"
	case IntentAction:
		return "action"
	default:
		return "other"
	}
}

var goodbyePhrases = []string{
	"bye", "goodbye", "end the call", "that's all", "thats all", "talk later", "hang up",
}

var greetingWords = map[string]struct{}{
	"hello": {}, "hi": {}, "hey": {}, "halo": {}, "hai": {},
}

var questionWords = map[string]struct{}{
	"what": {}, "who": {}, "where": {}, "when": {}, "why": {}, "how": {},
	"can": {}, "could": {}, "do": {}, "does": {}, "is": {}, "are": {},
}

var actionWords = map[string]struct{}{
	"transfer": {}, "schedule": {}, "book": {}, "send": {}, "call": {}, "cancel": {},
}

// classifyIntent is the cheap lexical classifier that gates the RAG
// flow. Goodbye short-circuits to the ending flow; confirm/deny are
// consumed while a tool confirmation is pending.
func classifyIntent(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return IntentOther
	}
	for _, p := range goodbyePhrases {
		if strings.Contains(t, p) {
			return IntentGoodbye
		}
	}
	tokens := splitTokens(t)
	// Confirm/deny only applies to short replies; a longer utterance
	// containing "please" or "no" is a new request, not an answer.
	if len(tokens) <= 4 {
		if confirm, deny := confirmationIntent(t); confirm {
			return IntentConfirm
		} else if deny {
			return IntentDeny
		}
	}
	if len(tokens) > 0 {
		if _, ok := greetingWords[tokens[0]]; ok && len(tokens) <= 3 {
			return IntentGreeting
		}
		if _, ok := questionWords[tokens[0]]; ok || strings.HasSuffix(t, "?") {
			return IntentQuestion
		}
		for _, tok := range tokens {
			if _, ok := actionWords[tok]; ok {
				return IntentAction
			}
		}
	}
	return IntentOther
}

// confirmationIntent detects yes/no replies to a pending confirmation.
// Matching is case-insensitive, trims punctuation, understands DTMF
// digits (1=yes, 2=no) and covers English and Indonesian forms.
func confirmationIntent(text string) (bool, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false, false
	}
	t = strings.TrimPrefix(t, "dtmf input:")
	t = strings.TrimSpace(t)
	tokens := splitTokens(t)
	for _, tok := range tokens {
		switch tok {
		case "1":
			return true, false
		case "2":
			return false, true
		}
	}
	yesWords := map[string]struct{}{
		"yes": {}, "yeah": {}, "yep": {}, "yup": {}, "sure": {}, "ok": {}, "okay": {},
		"confirm": {}, "correct": {}, "right": {}, "proceed": {}, "absolutely": {}, "please": {},
		"ya": {}, "iya": {}, "y": {}, "oke": {}, "lanjut": {}, "setuju": {}, "boleh": {}, "siap": {}, "baik": {}, "benar": {},
	}
	noWords := map[string]struct{}{
		"no": {}, "nope": {}, "nah": {}, "cancel": {}, "stop": {}, "wait": {}, "don't": {}, "dont": {},
		"tidak": {}, "gak": {}, "nggak": {}, "ngga": {}, "enggak": {}, "ga": {}, "batal": {}, "jangan": {}, "jgn": {},
	}
	yesPhrases := []string{"go ahead", "do it", "sounds good", "that's fine", "all right", "let's do it"}
	noPhrases := []string{"not yet", "not now", "never mind", "hold on", "maybe later", "not interested"}
	for _, p := range noPhrases {
		if strings.Contains(t, p) {
			return false, true
		}
	}
	for _, tok := range tokens {
		if _, ok := noWords[tok]; ok {
			return false, true
		}
	}
	for _, p := range yesPhrases {
		if strings.Contains(t, p) {
			return true, false
		}
	}
	for _, tok := range tokens {
		if _, ok := yesWords[tok]; ok {
			return true, false
		}
	}
	return false, false
}

func splitTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= '0' && r <= '9' {
			return false
		}
		return r != '\''
	})
}
