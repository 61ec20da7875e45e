package answer

import (
	"regexp"
	"strings"
	"unicode"
)

// Chat-model engines often open with stall phrases such as "Sure, give me a
// second". Those are trimmed before the answer reaches synthesis.

const fillerPrefixLimit = 96

var (
	ackWords = []string{
		"sure", "okay", "ok", "alright", "all right", "got it", "absolutely",
		"yes", "yep", "yeah", "certainly", "of course", "right", "well",
		"hmm", "mmhm", "mm hmm",
	}
	stallPhrases = []string{
		"give me a second while i think",
		"give me a second to think",
		"give me a second",
		"give me just a second",
		"just a sec",
		"one sec",
		"just a second",
		"one second",
		"give me a moment",
		"just a moment",
		"one moment",
		"hold on",
		"hang on",
		"let me check",
		"let me look that up",
		"let me think",
		"while i think",
	}

	ackRe   = regexp.MustCompile(`(?is)^\s*(?:sure|okay|ok|alright|all right|got it|absolutely|yes|yep|yeah|certainly|of course|right|well|hmm|mmhm|mm\s*hmm+)(?:(?:\s*\pP+\s*)+|\s+$|$)`)
	stallRe = regexp.MustCompile(`(?is)^\s*(?:give me(?: just)? a (?:second|sec|moment)(?: while i think| to think)?|just a (?:second|sec|moment)|one (?:second|sec|moment)|hold on|hang on|let me (?:check|look that up|think(?: for a (?:second|moment))?)|while i think)(?:(?:\s*\pP+\s*)+|\s+$|$)`)
)

// trimLeadFiller drops stall phrases from the start of text, optionally
// preceded by an acknowledgement. A bare acknowledgement is kept.
func trimLeadFiller(text string) string {
	for i := 0; i < 4; i++ {
		next := stripStall(text)
		if loc := ackRe.FindStringIndex(next); loc != nil {
			rest := next[loc[1]:]
			if stripped := stripStall(rest); stripped != rest {
				next = stripped
			}
		}
		if next == text {
			break
		}
		text = next
	}
	return text
}

func stripStall(text string) string {
	for i := 0; i < 4; i++ {
		next := stallRe.ReplaceAllString(text, "")
		if next == text {
			break
		}
		text = next
	}
	return text
}

// fillerFilter applies trimLeadFiller to a delta stream. Deltas are held
// while the accumulated prefix could still grow into filler.
type fillerFilter struct {
	passing bool
	held    string
}

func (f *fillerFilter) Push(delta string) string {
	if f.passing || delta == "" {
		return delta
	}
	f.held += delta
	if mayBecomeFiller(canonical(f.held)) {
		return ""
	}
	f.held = trimLeadFiller(f.held)
	if c := canonical(f.held); c == "" || mayBecomeFiller(c) {
		return ""
	}
	f.passing = true
	out := f.held
	f.held = ""
	return out
}

// Flush returns whatever is still held once the stream ends.
func (f *fillerFilter) Flush() string {
	out := f.held
	f.held = ""
	if f.passing {
		return out
	}
	return trimLeadFiller(out)
}

func mayBecomeFiller(c string) bool {
	if c == "" || len(c) >= fillerPrefixLimit {
		return false
	}
	if hasPhrasePrefix(stallPhrases, c) || hasPhrasePrefix(ackWords, c) {
		return true
	}
	for _, ack := range ackWords {
		if c == ack {
			return true
		}
		if rest, ok := strings.CutPrefix(c, ack+" "); ok {
			return hasPhrasePrefix(stallPhrases, strings.TrimSpace(rest))
		}
	}
	return false
}

func hasPhrasePrefix(phrases []string, c string) bool {
	for _, p := range phrases {
		if strings.HasPrefix(p, c) {
			return true
		}
	}
	return false
}

// canonical lowercases text and folds punctuation and whitespace runs into
// single spaces. Symbols are dropped.
func canonical(text string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
