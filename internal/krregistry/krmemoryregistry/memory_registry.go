package krmemoryregistry

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/koradi/koradi/internal/krregistry"
	"github.com/koradi/koradi/internal/krstore"
)

type langSet = map[krstore.Lang]struct{}

type MemoryRegistry struct {
	mut    sync.Mutex
	tokens map[string]langSet
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tokens: make(map[string]langSet),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, token string) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.tokens[token] = make(langSet)
	return nil
}

func (r *MemoryRegistry) Langs(ctx context.Context, token string) ([]krstore.Lang, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	set, ok := r.tokens[token]
	if !ok {
		return nil, krregistry.ErrTokenNotFound
	}

	return krregistry.SortLangs(set), nil
}

func (r *MemoryRegistry) AddLang(ctx context.Context, token string, lang krstore.Lang) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	set, ok := r.tokens[token]
	if !ok {
		return krregistry.ErrTokenNotFound
	}

	set[lang] = struct{}{}
	return nil
}

func (r *MemoryRegistry) RemoveLang(ctx context.Context, token string, lang krstore.Lang) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	set, ok := r.tokens[token]
	if !ok {
		return krregistry.ErrTokenNotFound
	}

	if _, ok := set[lang]; !ok {
		return krregistry.ErrLangNotFound
	}

	delete(set, lang)
	return nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, token string) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, ok := r.tokens[token]; !ok {
		return krregistry.ErrTokenNotFound
	}

	delete(r.tokens, token)
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*krregistry.TokenInfo, error) {
	r.mut.Lock()
	tokens := maps.Clone(r.tokens)
	infos := make([]*krregistry.TokenInfo, 0, len(tokens))
	for token, set := range tokens {
		infos = append(infos, &krregistry.TokenInfo{Token: token, Langs: krregistry.SortLangs(set)})
	}
	r.mut.Unlock()

	slices.SortFunc(infos, func(a, b *krregistry.TokenInfo) bool { return a.Token < b.Token })
	return infos, nil
}
