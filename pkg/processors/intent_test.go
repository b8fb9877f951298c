package processors

import "testing"

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		text string
		want Intent
	}{
		{"okay, goodbye", IntentGoodbye},
		{"bye now", IntentGoodbye},
		{"that's all, thanks", IntentGoodbye},
		{"hello", IntentGreeting},
		{"hi there", IntentGreeting},
		{"what services do you provide", IntentQuestion},
		{"can you help me", IntentQuestion},
		{"is the office open", IntentQuestion},
		{"please transfer me to support", IntentAction},
		{"I'd like to schedule a meeting", IntentAction},
		{"yes please", IntentConfirm},
		{"go ahead", IntentConfirm},
		{"no thanks", IntentDeny},
		{"never mind", IntentDeny},
		{"the sky is blue", IntentOther},
		{"", IntentOther},
	}
	for _, c := range cases {
		if got := classifyIntent(c.text); got != c.want {
			t.Fatalf("%q: expected %s, got %s", c.text, c.want, got)
		}
	}
}

func TestConfirmationIntentForms(t *testing.T) {
	yes := []string{"yes", "Yes please", "yeah", "sure", "confirm", "go ahead", "OK!", "iya", "boleh"}
	for _, s := range yes {
		confirm, deny := confirmationIntent(s)
		if !confirm || deny {
			t.Fatalf("%q: expected confirm", s)
		}
	}
	no := []string{"no", "nope", "not now", "cancel", "never mind", "tidak", "jangan"}
	for _, s := range no {
		confirm, deny := confirmationIntent(s)
		if confirm || !deny {
			t.Fatalf("%q: expected deny", s)
		}
	}
	neither := []string{"what time is it", "maybe", ""}
	for _, s := range neither {
		confirm, deny := confirmationIntent(s)
		if confirm || deny {
			t.Fatalf("%q: expected neither", s)
		}
	}
}

func TestConfirmationIntentDTMF(t *testing.T) {
	if c, _ := confirmationIntent("DTMF input: 1"); !c {
		t.Fatalf("digit 1 should confirm")
	}
	if _, d := confirmationIntent("DTMF input: 2"); !d {
		t.Fatalf("digit 2 should deny")
	}
}
