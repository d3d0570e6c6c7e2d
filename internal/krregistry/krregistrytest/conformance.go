// Package krregistrytest holds behavior checks shared by every registry
// implementation.
package krregistrytest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koradi/koradi/internal/krregistry"
	"github.com/koradi/koradi/internal/krstore"
)

const (
	tokenA = "token-a"
	tokenB = "token-b"
)

// Run exercises a registry produced by newRegistry, which is called once per
// subtest and must return an empty registry.
func Run(t *testing.T, newRegistry func(t *testing.T) krregistry.Registry) {
	ctx := context.Background()

	t.Run("RegisterThenLangs", func(t *testing.T) {
		r := newRegistry(t)
		require.NoError(t, r.Register(ctx, tokenA))

		langs, err := r.Langs(ctx, tokenA)
		require.NoError(t, err)
		require.Empty(t, langs)
	})

	t.Run("RegisterResets", func(t *testing.T) {
		r := newRegistry(t)
		require.NoError(t, r.Register(ctx, tokenA))
		require.NoError(t, r.AddLang(ctx, tokenA, krstore.LangEnglish))
		require.NoError(t, r.Register(ctx, tokenA))

		langs, err := r.Langs(ctx, tokenA)
		require.NoError(t, err)
		require.Empty(t, langs)
	})

	t.Run("AddLangOrdered", func(t *testing.T) {
		r := newRegistry(t)
		require.NoError(t, r.Register(ctx, tokenA))
		require.NoError(t, r.AddLang(ctx, tokenA, krstore.LangGerman))
		require.NoError(t, r.AddLang(ctx, tokenA, krstore.LangEnglish))
		require.NoError(t, r.AddLang(ctx, tokenA, krstore.LangEnglish))

		langs, err := r.Langs(ctx, tokenA)
		require.NoError(t, err)
		require.Equal(t, []krstore.Lang{krstore.LangEnglish, krstore.LangGerman}, langs)
	})

	t.Run("RemoveLang", func(t *testing.T) {
		r := newRegistry(t)
		require.NoError(t, r.Register(ctx, tokenA))
		require.NoError(t, r.AddLang(ctx, tokenA, krstore.LangEnglish))
		require.NoError(t, r.AddLang(ctx, tokenA, krstore.LangGerman))
		require.NoError(t, r.RemoveLang(ctx, tokenA, krstore.LangEnglish))

		langs, err := r.Langs(ctx, tokenA)
		require.NoError(t, err)
		require.Equal(t, []krstore.Lang{krstore.LangGerman}, langs)

		require.ErrorIs(t, r.RemoveLang(ctx, tokenA, krstore.LangEnglish), krregistry.ErrLangNotFound)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		r := newRegistry(t)

		_, err := r.Langs(ctx, tokenA)
		require.ErrorIs(t, err, krregistry.ErrTokenNotFound)
		require.ErrorIs(t, r.AddLang(ctx, tokenA, krstore.LangEnglish), krregistry.ErrTokenNotFound)
		require.ErrorIs(t, r.RemoveLang(ctx, tokenA, krstore.LangEnglish), krregistry.ErrTokenNotFound)
		require.ErrorIs(t, r.Unregister(ctx, tokenA), krregistry.ErrTokenNotFound)
	})

	t.Run("Unregister", func(t *testing.T) {
		r := newRegistry(t)
		require.NoError(t, r.Register(ctx, tokenA))
		require.NoError(t, r.Unregister(ctx, tokenA))

		_, err := r.Langs(ctx, tokenA)
		require.ErrorIs(t, err, krregistry.ErrTokenNotFound)
	})

	t.Run("List", func(t *testing.T) {
		r := newRegistry(t)

		infos, err := r.List(ctx)
		require.NoError(t, err)
		require.Empty(t, infos)

		require.NoError(t, r.Register(ctx, tokenB))
		require.NoError(t, r.Register(ctx, tokenA))
		require.NoError(t, r.AddLang(ctx, tokenB, krstore.LangSpanish))

		infos, err = r.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []*krregistry.TokenInfo{
			{Token: tokenA, Langs: []krstore.Lang{}},
			{Token: tokenB, Langs: []krstore.Lang{krstore.LangSpanish}},
		}, infos)
	})
}
