package dialogue

import (
	"strings"
	"unicode"
)

type Intent string

const (
	IntentNavigation     Intent = "navigation"
	IntentKnowledgeQuery Intent = "knowledge_query"
	IntentGreeting       Intent = "greeting"
	IntentOther          Intent = "other"
)

// Classification is the result of intent detection. Confidence is in [0,1].
type Classification struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

type lexicon struct {
	greetings []string
	navVerbs  []string
	navBack   []string
	questions []string
	fillers   []string
}

var lexicons = map[string]lexicon{
	"en": {
		greetings: []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening", "greetings"},
		navVerbs:  []string{"open", "go to", "navigate to", "take me to", "show me", "show", "switch to"},
		navBack:   []string{"go back", "back", "previous page", "go home", "home"},
		questions: []string{"what", "how", "why", "when", "where", "who", "which", "can", "could", "is", "are", "does", "do", "tell me", "explain"},
		fillers:   []string{"please", "the", "page", "screen", "section"},
	},
	"ru": {
		greetings: []string{"привет", "здравствуйте", "здравствуй", "добрый день", "доброе утро", "добрый вечер"},
		navVerbs:  []string{"открой", "перейди в", "перейди на", "перейди к", "покажи", "переключись на"},
		navBack:   []string{"назад", "вернись", "на главную", "домой"},
		questions: []string{"что", "как", "почему", "зачем", "когда", "где", "кто", "какой", "какая", "какое", "какие", "сколько", "расскажи", "объясни", "можно ли"},
		fillers:   []string{"пожалуйста", "страницу", "раздел", "экран"},
	},
}

// Classify detects the intent of a single utterance. It is deterministic and
// needs no network access.
func Classify(text, language string) Classification {
	norm := normalize(text)
	if norm == "" {
		return Classification{Intent: IntentOther, Confidence: 0}
	}
	lex := lexicons[baseLanguage(language)]
	words := strings.Fields(norm)

	if g, ok := matchPrefix(norm, lex.greetings); ok && len(words) <= len(strings.Fields(g))+3 {
		return Classification{Intent: IntentGreeting, Confidence: 0.95}
	}

	if b, ok := matchPrefix(norm, lex.navBack); ok && len(words) <= len(strings.Fields(b))+1 {
		return Classification{Intent: IntentNavigation, Confidence: 0.9, Entities: map[string]string{"target": "back"}}
	}
	if verb, ok := matchPrefix(norm, lex.navVerbs); ok {
		target := stripFillers(strings.TrimSpace(strings.TrimPrefix(norm, verb)), lex.fillers)
		if target != "" {
			return Classification{Intent: IntentNavigation, Confidence: 0.9, Entities: map[string]string{"target": target}}
		}
		return Classification{Intent: IntentNavigation, Confidence: 0.45}
	}

	question := strings.HasSuffix(strings.TrimSpace(text), "?")
	if _, ok := matchPrefix(norm, lex.questions); ok || question {
		return Classification{Intent: IntentKnowledgeQuery, Confidence: 0.85, Entities: map[string]string{"topic": norm}}
	}
	if containsWord(words, lex.questions) {
		return Classification{Intent: IntentKnowledgeQuery, Confidence: 0.65, Entities: map[string]string{"topic": norm}}
	}
	if len(words) >= 3 {
		return Classification{Intent: IntentKnowledgeQuery, Confidence: 0.55, Entities: map[string]string{"topic": norm}}
	}
	return Classification{Intent: IntentOther, Confidence: 0.3}
}

// normalize lowercases text, drops punctuation and collapses whitespace.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// matchPrefix returns the longest phrase that norm starts with on a word boundary.
func matchPrefix(norm string, phrases []string) (string, bool) {
	best := ""
	for _, p := range phrases {
		if norm == p || strings.HasPrefix(norm, p+" ") {
			if len(p) > len(best) {
				best = p
			}
		}
	}
	return best, best != ""
}

func containsWord(words []string, phrases []string) bool {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, p := range phrases {
		if strings.Contains(p, " ") {
			continue
		}
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}

func stripFillers(target string, fillers []string) string {
	words := strings.Fields(target)
	out := words[:0]
	for _, w := range words {
		skip := false
		for _, f := range fillers {
			if w == f {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}
