package llm

import (
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// whisperLanguages are the base codes Whisper reports in verbose responses
var whisperLanguages = []string{
	"af", "am", "ar", "as", "az", "ba", "be", "bg", "bn", "bo", "br", "bs", "ca", "cs", "cy", "da",
	"de", "el", "en", "es", "et", "eu", "fa", "fi", "fo", "fr", "gl", "gu", "ha", "haw", "he", "hi",
	"hr", "ht", "hu", "hy", "id", "is", "it", "ja", "jv", "ka", "kk", "km", "kn", "ko", "la", "lb",
	"ln", "lo", "lt", "lv", "mg", "mi", "mk", "ml", "mn", "mr", "ms", "mt", "my", "ne", "nl", "nn",
	"no", "oc", "pa", "pl", "ps", "pt", "ro", "ru", "sa", "sd", "si", "sk", "sl", "sn", "so", "sq",
	"sr", "su", "sv", "sw", "ta", "te", "tg", "th", "tk", "tl", "tr", "tt", "uk", "ur", "uz", "vi",
	"yi", "yo", "yue", "zh",
}

// Whisper spellings that differ from the CLDR English names
var languageAliases = map[string]string{
	"burmese":       "my",
	"castilian":     "es",
	"flemish":       "nl",
	"haitian":       "ht",
	"javanese":      "jv",
	"letzeburgesch": "lb",
	"mandarin":      "zh",
	"moldavian":     "ro",
	"nynorsk":       "nn",
	"panjabi":       "pa",
	"pushto":        "ps",
	"sinhalese":     "si",
	"valencian":     "ca",
}

var (
	languageNamesOnce sync.Once
	languageNames     map[string]language.Tag
)

func loadLanguageNames() {
	namer := display.English.Languages()
	languageNames = make(map[string]language.Tag, len(whisperLanguages)+len(languageAliases))
	for _, code := range whisperLanguages {
		tag, err := language.Parse(code)
		if err != nil {
			continue
		}
		if name := strings.ToLower(namer.Name(tag)); name != "" {
			languageNames[name] = tag
		}
	}
	for name, code := range languageAliases {
		if tag, err := language.Parse(code); err == nil {
			languageNames[name] = tag
		}
	}
}

// detectedLanguageTag turns a detected language ("english", "es") into a
// BCP 47 tag. When it matches the requested language the requested tag is
// kept with its region; unknown values fall back to requested.
func detectedLanguageTag(detected, requested string) string {
	detected = strings.ToLower(strings.TrimSpace(detected))
	if detected == "" {
		return requested
	}

	languageNamesOnce.Do(loadLanguageNames)
	tag, ok := languageNames[detected]
	if !ok {
		parsed, err := language.Parse(detected)
		if err != nil {
			return requested
		}
		tag = parsed
	}

	if req, err := language.Parse(requested); err == nil {
		reqBase, _ := req.Base()
		base, _ := tag.Base()
		if reqBase == base {
			return req.String()
		}
	}
	return tag.String()
}
