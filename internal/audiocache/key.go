package audiocache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Key identifies one synthesized artifact.
type Key struct {
	Text     string
	Voice    string
	Language string
	Emotion  string
}

// Normalized collapses whitespace in the text and lowercases the selectors,
// so cosmetic differences share an artifact.
func (k Key) Normalized() Key {
	return Key{
		Text:     strings.Join(strings.Fields(k.Text), " "),
		Voice:    strings.TrimSpace(k.Voice),
		Language: strings.ToLower(strings.TrimSpace(k.Language)),
		Emotion:  strings.ToLower(strings.TrimSpace(k.Emotion)),
	}
}

// ID is the hex sha256 of the normalized key. It doubles as the public
// audio reference. Fields are length-prefixed so separators inside the text
// cannot shift bytes between fields.
func (k Key) ID() string {
	n := k.Normalized()
	h := sha256.New()
	for _, f := range []string{n.Text, n.Voice, n.Language, n.Emotion} {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
