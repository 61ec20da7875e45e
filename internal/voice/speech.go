package voice

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`]*`")
	mdLinkRe     = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	bareURLRe    = regexp.MustCompile(`https?://\S+`)

	markupReplacer = strings.NewReplacer(
		"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
		"#", " ", "~", " ", "<", " ", ">", " ",
	)
)

// SpeakableText strips markup, URLs and symbol glyphs from answer text so
// only words and sentence punctuation reach the synthesizer. Link labels are
// kept; code is dropped entirely.
func SpeakableText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = fencedCodeRe.ReplaceAllString(raw, " ")
	raw = inlineCodeRe.ReplaceAllString(raw, " ")
	raw = mdLinkRe.ReplaceAllString(raw, "$1")
	raw = bareURLRe.ReplaceAllString(raw, " ")
	raw = markupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		case strings.ContainsRune(`.,!?:;'"-()`, r):
			b.WriteRune(r)
			space = false
		case unicode.IsPunct(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

const (
	firstSegmentMin = 24
	nextSegmentMin  = 42
	segmentCutSpan  = 44
)

// SegmentForSpeech splits text into phrase-sized pieces for incremental
// synthesis. The first piece is kept short so audio starts early. Cuts prefer
// a comma, then sentence punctuation, then whitespace.
func SegmentForSpeech(text string) []string {
	var out []string
	rest := text
	for strings.TrimSpace(rest) != "" {
		floor := nextSegmentMin
		if len(out) == 0 {
			floor = firstSegmentMin
		}
		cut := segmentCut(rest, floor)
		if seg := strings.Join(strings.Fields(rest[:cut]), " "); seg != "" {
			out = append(out, seg)
		}
		rest = rest[cut:]
	}
	return out
}

// segmentCut returns the byte length of the next segment of s, which is at
// least floor bytes unless s is shorter.
func segmentCut(s string, floor int) int {
	if len(s) <= floor {
		return len(s)
	}
	if i := strings.IndexByte(s[floor-1:], ','); i >= 0 {
		return floor + i
	}
	if i := strings.IndexAny(s[floor-1:], ".!?;:\n"); i >= 0 {
		return floor + i
	}
	limit := min(floor+segmentCutSpan, len(s))
	if i := strings.IndexAny(s[floor:limit], " \t\r\n"); i >= 0 {
		return floor + i
	}
	if limit == len(s) {
		return len(s)
	}
	cut := floor
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return cut
}
