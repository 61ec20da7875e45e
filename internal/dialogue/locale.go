package dialogue

import "strings"

type messageKey int

const (
	msgGreeting messageKey = iota
	msgWelcome
	msgClarify
	msgNoAnswer
	msgNavigating
	msgNavigatingBack
	msgUnavailable
)

var messages = map[string]map[messageKey]string{
	"en": {
		msgGreeting:       "Hello! What can I help you with?",
		msgWelcome:        "Hi, I'm listening. Ask me anything.",
		msgClarify:        "Sorry, I didn't quite catch that. Could you rephrase?",
		msgNoAnswer:       "I couldn't find an answer to that.",
		msgNavigating:     "Opening %s.",
		msgNavigatingBack: "Going back.",
		msgUnavailable:    "I'm having trouble reaching my services right now. Please try again in a moment.",
	},
	"ru": {
		msgGreeting:       "Здравствуйте! Чем могу помочь?",
		msgWelcome:        "Привет, я слушаю. Спрашивайте.",
		msgClarify:        "Извините, я не совсем понял. Не могли бы вы переформулировать?",
		msgNoAnswer:       "Я не нашёл ответа на этот вопрос.",
		msgNavigating:     "Открываю: %s.",
		msgNavigatingBack: "Возвращаюсь назад.",
		msgUnavailable:    "Сейчас сервисы недоступны. Попробуйте ещё раз чуть позже.",
	},
}

// baseLanguage returns the supported primary subtag for tag, defaulting to "en".
func baseLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	if _, ok := messages[tag]; ok {
		return tag
	}
	return "en"
}

func localize(language string, key messageKey) string {
	return messages[baseLanguage(language)][key]
}

// Welcome is the initial greeting sent when a session starts.
func Welcome(language string) string { return localize(language, msgWelcome) }

// Unavailable is the spoken text used when a provider outage ends a turn.
func Unavailable(language string) string { return localize(language, msgUnavailable) }
