package answer

import (
	"strings"
	"testing"
)

func TestTrimLeadFiller(t *testing.T) {
	cases := map[string]string{
		"Give me a second while I think. The library opens at nine.": "The library opens at nine.",
		"Sure, one moment. Room 204 is upstairs.":                     "Room 204 is upstairs.",
		"Give me a second chance to explain.":                         "Give me a second chance to explain.",
		"Sure.":                                                       "Sure.",
		"Let's begin with the campus map.":                            "Let's begin with the campus map.",
	}
	for in, want := range cases {
		if got := strings.TrimSpace(trimLeadFiller(in)); got != want {
			t.Errorf("trimLeadFiller(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFillerFilterHoldsSplitPrefix(t *testing.T) {
	var f fillerFilter
	if got := f.Push("Give me a sec"); got != "" {
		t.Fatalf("Push(part1) = %q, want held", got)
	}
	if got := f.Push("ond while I think."); got != "" {
		t.Fatalf("Push(part2) = %q, want held", got)
	}
	if got := f.Push(" The gym is open."); got != "The gym is open." {
		t.Fatalf("Push(part3) = %q", got)
	}
	if got := f.Push(" Bring a card."); got != " Bring a card." {
		t.Fatalf("Push(after pass) = %q", got)
	}
	if got := f.Flush(); got != "" {
		t.Fatalf("Flush() = %q, want empty", got)
	}
}

func TestFillerFilterFlushKeepsBareAcknowledgement(t *testing.T) {
	var f fillerFilter
	if got := f.Push("Okay."); got != "" {
		t.Fatalf("Push() = %q, want held", got)
	}
	if got := f.Flush(); got != "Okay." {
		t.Fatalf("Flush() = %q, want %q", got, "Okay.")
	}
}

func TestHTTPEngineStreamTrimsFiller(t *testing.T) {
	e := NewHTTPEngine("http://example.test", false, 0)
	stream := strings.NewReader(strings.Join([]string{
		"data: {\"delta\":\"Hold on. \"}",
		"data: {\"delta\":\"Parking is free after six.\"}",
		"data: [DONE]",
	}, "\n"))

	var deltas []string
	resp, err := e.consumeSSE(stream, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if resp.Text != "Parking is free after six." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if strings.TrimSpace(strings.Join(deltas, "")) != resp.Text {
		t.Fatalf("deltas = %q", deltas)
	}
}
