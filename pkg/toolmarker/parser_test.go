package toolmarker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanImmediateMarker(t *testing.T) {
	res := Scan("Let me end the call now. [TOOL:end_call(reason=user_requested)]")
	require.Len(t, res.Markers, 1)
	m := res.Markers[0]
	assert.Equal(t, "end_call", m.Name)
	assert.False(t, m.Confirm)
	assert.Equal(t, "user_requested", m.Params["reason"])
	assert.Equal(t, "Let me end the call now.", res.Clean)
	assert.Empty(t, res.Malformed)
}

func TestScanConfirmMarkerWithQuotedValue(t *testing.T) {
	res := Scan(`I'll transfer you to sales. [CONFIRM_TOOL:transfer_call(department="sales")]`)
	require.Len(t, res.Markers, 1)
	m := res.Markers[0]
	assert.Equal(t, "transfer_call", m.Name)
	assert.True(t, m.Confirm)
	assert.Equal(t, "sales", m.Params["department"])
	assert.Equal(t, "I'll transfer you to sales.", res.Clean)
}

func TestScanMultipleParamsAndUnknownKeys(t *testing.T) {
	res := Scan(`[TOOL:call_webhook(url="https://example.com/hook", dept=sales, custom_key=anything)]`)
	require.Len(t, res.Markers, 1)
	m := res.Markers[0]
	assert.Equal(t, "https://example.com/hook", m.Params["url"])
	assert.Equal(t, "sales", m.Params["dept"])
	// Unknown keys pass through untouched.
	assert.Equal(t, "anything", m.Params["custom_key"])
	assert.Equal(t, "", res.Clean)
}

func TestScanEscapedQuotes(t *testing.T) {
	res := Scan(`[TOOL:say(text="she said \"hi\" twice")]`)
	require.Len(t, res.Markers, 1)
	assert.Equal(t, `she said "hi" twice`, res.Markers[0].Params["text"])
}

func TestMalformedMarkerStaysVerbatim(t *testing.T) {
	cases := []string{
		"[TOOL:end_call(reason=]",      // empty value
		"[TOOL:(x=1)]",                 // empty name
		"[TOOL:end_call reason=now]",   // missing parens
		"[CONFIRM_TOOL:t(k=v,)]",       // trailing comma
		"[TOOL:9bad(x=1)]",             // name starts with a digit
		`[TOOL:t(k="unclosed)]`,        // unterminated string
		"[TOOL:t(k=v]",                 // missing close paren
	}
	for _, in := range cases {
		res := Scan("before " + in + " after")
		assert.Empty(t, res.Markers, "input %q", in)
		require.Len(t, res.Malformed, 1, "input %q", in)
		// Never partially stripped: the raw candidate stays in the text.
		assert.Contains(t, res.Clean, res.Malformed[0], "input %q", in)
	}
}

func TestPlainBracketsAreNotMarkers(t *testing.T) {
	res := Scan("prices are [10, 20] dollars")
	assert.Empty(t, res.Markers)
	assert.Empty(t, res.Malformed)
	assert.Equal(t, "prices are [10, 20] dollars", res.Clean)
}

func TestScanIsIdempotentOnCleanOutput(t *testing.T) {
	in := `One. [TOOL:end_call(reason=bye)] Two! [CONFIRM_TOOL:transfer_call(department="sales")] Three?`
	first := Scan(in)
	second := Scan(first.Clean)
	assert.Equal(t, first.Clean, second.Clean)
	assert.Empty(t, second.Markers)
}

func TestEmptyParamList(t *testing.T) {
	res := Scan("[TOOL:end_call()]")
	require.Len(t, res.Markers, 1)
	assert.Equal(t, "end_call", res.Markers[0].Name)
	assert.Empty(t, res.Markers[0].Params)
}
