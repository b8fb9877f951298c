package processors

import (
	"regexp"
	"strings"
)

var (
	mdBold      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdBoldAlt   = regexp.MustCompile(`__(.+?)__`)
	mdItalic    = regexp.MustCompile(`\*(.+?)\*`)
	mdItalicAlt = regexp.MustCompile(`_(.+?)_`)
	mdStrike    = regexp.MustCompile(`~~(.+?)~~`)
	mdCodeBlock = regexp.MustCompile("```[\\s\\S]*?```")
	mdCode      = regexp.MustCompile("`(.+?)`")
	mdLink      = regexp.MustCompile(`\[(.+?)\]\(.+?\)`)
	mdHeader    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBullet    = regexp.MustCompile(`(?m)^[\-\*]\s+`)
	mdNumbered  = regexp.MustCompile(`(?m)^\d+\.\s+`)
	wsRun       = regexp.MustCompile(`\s+`)
)

// normalizeForTTS strips markdown so synthesis never reads formatting
// symbols aloud.
func normalizeForTTS(text string) string {
	text = mdCodeBlock.ReplaceAllString(text, "")
	text = mdBold.ReplaceAllString(text, "$1")
	text = mdBoldAlt.ReplaceAllString(text, "$1")
	text = mdItalic.ReplaceAllString(text, "$1")
	text = mdItalicAlt.ReplaceAllString(text, "$1")
	text = mdStrike.ReplaceAllString(text, "$1")
	text = mdCode.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeader.ReplaceAllString(text, "")
	text = mdBullet.ReplaceAllString(text, "")
	text = mdNumbered.ReplaceAllString(text, "")
	return strings.TrimSpace(wsRun.ReplaceAllString(text, " "))
}
