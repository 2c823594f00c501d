// Package macros substitutes persona placeholders in user- and
// character-authored text before it reaches prompt assembly.
package macros

import (
	"regexp"
	"strings"
)

var (
	reUser     = regexp.MustCompile(`(?i){{user}}`)
	reChar     = regexp.MustCompile(`(?i){{char}}`)
	reUserTag  = regexp.MustCompile(`(?i)<USER>`)
	reBotTag   = regexp.MustCompile(`(?i)<BOT>`)
	reBias     = regexp.MustCompile(`{{(\*?.+?\*?)}}`)
	reNewlines = regexp.MustCompile(`\n{3,}`)
)

// Substitute replaces the persona placeholders with the active user and
// character names.
func Substitute(text, userName, charName string) string {
	if text == "" {
		return text
	}
	text = reUser.ReplaceAllString(text, userName)
	text = reChar.ReplaceAllString(text, charName)
	text = reUserTag.ReplaceAllString(text, userName)
	text = reBotTag.ReplaceAllString(text, charName)
	return text
}

// StripBias removes bias markup ({{...}}) from a chat line. Bias text is
// carried separately on the message's extra bag, never inline in the prompt.
func StripBias(text string) string {
	return reBias.ReplaceAllString(text, "")
}

// ExtractBias returns the first bias markup found in a send-box text, without
// the surrounding braces, or "" when there is none.
func ExtractBias(text string) string {
	m := reBias.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// CollapseNewlines squeezes runs of three or more newlines down to two.
func CollapseNewlines(text string) string {
	return reNewlines.ReplaceAllString(text, "\n\n")
}
