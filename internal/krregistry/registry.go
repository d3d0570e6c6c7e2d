// Package krregistry tracks client tokens and the set of languages each one
// is subscribed to.
package krregistry

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krstore"
)

var (
	ErrLangNotFound  = xerrors.New("language not registered for token")
	ErrTokenNotFound = xerrors.New("token not found")
)

// TokenInfo is a token along with its subscribed languages.
type TokenInfo struct {
	Token string         `json:"token"`
	Langs []krstore.Lang `json:"langs"`
}

type Registry interface {
	// Register creates a token with no languages. Registering an existing
	// token resets it to no languages.
	Register(ctx context.Context, token string) error

	// Langs returns a token's languages in the order of krstore.AllLangs.
	Langs(ctx context.Context, token string) ([]krstore.Lang, error)

	AddLang(ctx context.Context, token string, lang krstore.Lang) error
	RemoveLang(ctx context.Context, token string, lang krstore.Lang) error
	Unregister(ctx context.Context, token string) error

	// List returns every token, sorted by token.
	List(ctx context.Context) ([]*TokenInfo, error)
}

// SortLangs returns the members of the given set ordered as in
// krstore.AllLangs.
func SortLangs(set map[krstore.Lang]struct{}) []krstore.Lang {
	langs := make([]krstore.Lang, 0, len(set))
	for _, lang := range krstore.AllLangs {
		if _, ok := set[lang]; ok {
			langs = append(langs, lang)
		}
	}
	return langs
}
