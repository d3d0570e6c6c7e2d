package krstore

import (
	"encoding/json"
	"fmt"
)

// Lang is the human language a message is written in. Values serialize as
// their English names, e.g. "French".
type Lang string

const (
	LangEnglish    Lang = "English"
	LangSpanish    Lang = "Spanish"
	LangFrench     Lang = "French"
	LangItalian    Lang = "Italian"
	LangPortuguese Lang = "Portuguese"
	LangGerman     Lang = "German"
)

// AllLangs lists every supported language in declaration order.
var AllLangs = []Lang{
	LangEnglish,
	LangSpanish,
	LangFrench,
	LangItalian,
	LangPortuguese,
	LangGerman,
}

type UnknownLangError struct {
	val string
}

func (e *UnknownLangError) Error() string { return fmt.Sprintf("unknown language: %q", e.val) }

// ParseLang maps a string to a Lang. Matching is exact and case sensitive.
func ParseLang(s string) (Lang, error) {
	lang := Lang(s)
	if !lang.Valid() {
		return "", &UnknownLangError{s}
	}
	return lang, nil
}

func (l Lang) Valid() bool {
	switch l {
	case LangEnglish, LangSpanish, LangFrench, LangItalian, LangPortuguese, LangGerman:
		return true
	}
	return false
}

func (l Lang) String() string { return string(l) }

func (l *Lang) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err //nolint:wrapcheck
	}

	lang, err := ParseLang(s)
	if err != nil {
		return err
	}

	*l = lang
	return nil
}
