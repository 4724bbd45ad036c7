package music

import "strings"

// DefaultGenre is used for emotions without a mapping.
const DefaultGenre = "pop"

var emotionGenres = map[string]string{
	"happy":    "pop",
	"sad":      "acoustic",
	"angry":    "rock",
	"fear":     "ambient",
	"neutral":  "classical",
	"surprise": "electronic",
	"disgust":  "metal",
}

// GenreFor maps an emotion name to a genre. Unknown names get DefaultGenre.
func GenreFor(emotion string) string {
	if genre, ok := emotionGenres[strings.ToLower(strings.TrimSpace(emotion))]; ok {
		return genre
	}
	return DefaultGenre
}

// Locale is the language name used in the search query and the catalog market.
type Locale struct {
	Language string
	Market   string
}

// DefaultLocale applies to unknown language codes.
var DefaultLocale = Locale{Language: "English", Market: "US"}

var locales = map[string]Locale{
	"en": {Language: "English", Market: "US"},
	"hi": {Language: "Hindi", Market: "IN"},
	"ta": {Language: "Tamil", Market: "IN"},
	"te": {Language: "Telugu", Market: "IN"},
}

// LocaleFor maps a language code to a Locale.
func LocaleFor(language string) Locale {
	if l, ok := locales[strings.ToLower(strings.TrimSpace(language))]; ok {
		return l
	}
	return DefaultLocale
}

// Query builds the catalog search string for a genre in a locale.
func Query(genre string, locale Locale) string {
	return locale.Language + " songs genre:" + genre
}
