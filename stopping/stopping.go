// Package stopping computes the ordered, deduplicated list of strings that
// truncate generated output. The list is computed once per generation and
// reused for every streaming increment's cleanup pass.
package stopping

import (
	"strings"

	"fable-server/instruct"
	"fable-server/macros"
)

type Policy struct {
	UserName string
	CharName string

	// NamesAsStopStrings adds "\nName:" forms so the model can't speak for
	// the other side of the conversation.
	NamesAsStopStrings bool

	// GroupMembers are the enabled members of the active group, if any.
	// Responder is the member currently generating; its own stop form is
	// never added.
	GroupMembers []string
	Responder    string

	Instruct instruct.Settings

	CustomStrings []string

	// SingleLineMode truncates at the first newline, ahead of everything
	// else.
	SingleLineMode bool

	// LastTurnWasUser marks whether the chat tail is a user turn, which
	// matters for the continue rule below.
	LastTurnWasUser bool
}

// Compute returns the stopping strings for one generation.
//
// Continuation must not let the model impersonate the next user turn, so a
// continue on top of a user tail also stops at the character's own form.
func (p Policy) Compute(isImpersonate, isContinue bool) []string {
	var result []string

	if p.SingleLineMode {
		result = append(result, "\n")
	}

	charString := "\n" + p.CharName + ":"
	userString := "\n" + p.UserName + ":"

	if p.NamesAsStopStrings {
		if isImpersonate {
			result = append(result, charString)
		} else {
			result = append(result, userString)
		}

		// chat always stops at the user's own form
		result = append(result, userString)

		if isContinue && p.LastTurnWasUser {
			result = append(result, charString)
		}
	}

	for _, member := range p.GroupMembers {
		if member == "" || member == p.Responder {
			continue
		}
		result = append(result, "\n"+member+":")
	}

	if p.Instruct.Enabled {
		for _, seq := range []string{
			p.Instruct.StopSequence,
			p.Instruct.InputSequence,
			p.Instruct.OutputSequence,
			p.Instruct.FirstOutputSequence,
			p.Instruct.LastOutputSequence,
		} {
			seq = strings.TrimSpace(macros.Substitute(seq, p.UserName, p.CharName))
			if seq != "" {
				result = append(result, seq)
			}
		}
	}

	result = append(result, p.CustomStrings...)

	return dedupe(result)
}

func dedupe(strs []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(strs))
	for _, s := range strs {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Truncate cuts text at the earliest occurrence of any stopping string.
// Applying it to an already-clean string is a no-op.
func Truncate(text string, stoppingStrings []string) string {
	cut := len(text)
	for _, stop := range stoppingStrings {
		if idx := strings.Index(text, stop); idx != -1 && idx < cut {
			cut = idx
		}
	}
	return text[:cut]
}

// TrimPartialTail removes an incomplete stopping string from the end of a
// streaming increment, so a stop sequence arriving split across chunks never
// flashes on screen.
func TrimPartialTail(text string, stoppingStrings []string) string {
	for _, stop := range stoppingStrings {
		for l := len(stop) - 1; l > 0; l-- {
			if strings.HasSuffix(text, stop[:l]) {
				return text[:len(text)-l]
			}
		}
	}
	return text
}
