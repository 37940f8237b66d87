package language

import (
	"strings"

	"golang.org/x/text/cases"
	xlanguage "golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// words maps English language names streamers put in configs to tags.
var words = map[string]xlanguage.Tag{
	"english":    xlanguage.English,
	"chinese":    xlanguage.Chinese,
	"mandarin":   xlanguage.Chinese,
	"cantonese":  xlanguage.MustParse("yue"),
	"japanese":   xlanguage.Japanese,
	"korean":     xlanguage.Korean,
	"spanish":    xlanguage.Spanish,
	"portuguese": xlanguage.Portuguese,
	"french":     xlanguage.French,
	"german":     xlanguage.German,
	"russian":    xlanguage.Russian,
	"thai":       xlanguage.Thai,
	"vietnamese": xlanguage.Vietnamese,
	"indonesian": xlanguage.Indonesian,
}

// Parse resolves a BCP 47 tag, ISO 639 code or English language name.
func Parse(value string) (xlanguage.Tag, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return xlanguage.Und, false
	}
	if tag, ok := words[value]; ok {
		return tag, true
	}
	tag, err := xlanguage.Parse(value)
	if err != nil || tag == xlanguage.Und {
		return xlanguage.Und, false
	}
	return tag, true
}

// ToISO2 converts a recognized language to ISO 639-1. Languages without a
// two-letter code, and unrecognized input, return "".
func ToISO2(value string) string {
	tag, ok := Parse(value)
	if !ok {
		return ""
	}
	base, _ := tag.Base()
	code := base.String()
	if len(code) != 2 {
		return ""
	}
	return code
}

// ToISO3 converts a recognized language to ISO 639-2, or "und".
func ToISO3(value string) string {
	tag, ok := Parse(value)
	if !ok {
		return "und"
	}
	base, _ := tag.Base()
	return base.ISO3()
}

// DisplayName returns the English name of a recognized language, or the
// uppercased input.
func DisplayName(value string) string {
	if strings.TrimSpace(value) == "" {
		return "Unknown"
	}
	tag, ok := Parse(value)
	if !ok {
		return strings.ToUpper(strings.TrimSpace(value))
	}
	base, _ := tag.Base()
	if name := display.English.Languages().Name(base); name != "" {
		return name
	}
	return strings.ToUpper(strings.TrimSpace(value))
}

// TitleLabel renders identifiers like "vision_analyze" as "Vision Analyze".
func TitleLabel(value string) string {
	value = strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(value))
	return cases.Title(xlanguage.Und).String(value)
}
