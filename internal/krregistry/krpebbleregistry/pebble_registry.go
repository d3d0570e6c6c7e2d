// Package krpebbleregistry is a token registry persisted to a Pebble
// database so that subscriptions survive restarts.
package krpebbleregistry

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krregistry"
	"github.com/koradi/koradi/internal/krstore"
)

const tokenPrefix = "token/"

type PebbleRegistry struct {
	db     *pebble.DB
	logger *logrus.Logger
	name   string

	// Serializes read-modify-write cycles on a token's language set.
	mut sync.Mutex
}

// NewPebbleRegistry opens (or creates) a registry database at dir. opts may
// be nil for defaults.
func NewPebbleRegistry(logger *logrus.Logger, dir string, opts *pebble.Options) (*PebbleRegistry, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, xerrors.Errorf("error opening registry database at %q: %w", dir, err)
	}

	return &PebbleRegistry{
		db:     db,
		logger: logger,
		name:   reflect.TypeOf(PebbleRegistry{}).Name(),
	}, nil
}

func (r *PebbleRegistry) Close() error {
	if err := r.db.Close(); err != nil {
		return xerrors.Errorf("error closing registry database: %w", err)
	}
	return nil
}

func (r *PebbleRegistry) Register(ctx context.Context, token string) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if err := r.putLangs(token, nil); err != nil {
		return err
	}

	r.logger.WithField("token_len", len(token)).Debugf(r.name + ": Registered token")
	return nil
}

func (r *PebbleRegistry) Langs(ctx context.Context, token string) ([]krstore.Lang, error) {
	set, err := r.getLangs(token)
	if err != nil {
		return nil, err
	}
	return krregistry.SortLangs(set), nil
}

func (r *PebbleRegistry) AddLang(ctx context.Context, token string, lang krstore.Lang) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	set, err := r.getLangs(token)
	if err != nil {
		return err
	}

	set[lang] = struct{}{}
	return r.putLangs(token, set)
}

func (r *PebbleRegistry) RemoveLang(ctx context.Context, token string, lang krstore.Lang) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	set, err := r.getLangs(token)
	if err != nil {
		return err
	}

	if _, ok := set[lang]; !ok {
		return krregistry.ErrLangNotFound
	}

	delete(set, lang)
	return r.putLangs(token, set)
}

func (r *PebbleRegistry) Unregister(ctx context.Context, token string) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, err := r.getLangs(token); err != nil {
		return err
	}

	if err := r.db.Delete(tokenKey(token), pebble.Sync); err != nil {
		return xerrors.Errorf("error deleting token: %w", err)
	}

	return nil
}

func (r *PebbleRegistry) List(ctx context.Context) ([]*krregistry.TokenInfo, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(tokenPrefix),
		UpperBound: prefixUpperBound([]byte(tokenPrefix)),
	})
	if err != nil {
		return nil, xerrors.Errorf("error opening registry iterator: %w", err)
	}
	defer iter.Close()

	// Keys come back in byte order, which is the order of the tokens.
	var infos []*krregistry.TokenInfo
	for iter.First(); iter.Valid(); iter.Next() {
		set, err := decodeLangs(iter.Value())
		if err != nil {
			return nil, err
		}

		infos = append(infos, &krregistry.TokenInfo{
			Token: strings.TrimPrefix(string(iter.Key()), tokenPrefix),
			Langs: krregistry.SortLangs(set),
		})
	}

	if err := iter.Error(); err != nil {
		return nil, xerrors.Errorf("error iterating registry: %w", err)
	}

	if infos == nil {
		infos = []*krregistry.TokenInfo{}
	}
	return infos, nil
}

func (r *PebbleRegistry) getLangs(token string) (map[krstore.Lang]struct{}, error) {
	data, closer, err := r.db.Get(tokenKey(token))
	if err != nil {
		if xerrors.Is(err, pebble.ErrNotFound) {
			return nil, krregistry.ErrTokenNotFound
		}
		return nil, xerrors.Errorf("error reading token: %w", err)
	}
	defer closer.Close()

	return decodeLangs(data)
}

func (r *PebbleRegistry) putLangs(token string, set map[krstore.Lang]struct{}) error {
	data, err := json.Marshal(krregistry.SortLangs(set))
	if err != nil {
		return xerrors.Errorf("error marshaling languages: %w", err)
	}

	if err := r.db.Set(tokenKey(token), data, pebble.Sync); err != nil {
		return xerrors.Errorf("error writing token: %w", err)
	}

	return nil
}

func decodeLangs(data []byte) (map[krstore.Lang]struct{}, error) {
	// Lang's UnmarshalJSON rejects anything unknown, so a corrupted value
	// surfaces here instead of leaking out of the registry.
	var langs []krstore.Lang
	if err := json.Unmarshal(data, &langs); err != nil {
		return nil, xerrors.Errorf("error decoding languages: %w", err)
	}

	set := make(map[krstore.Lang]struct{}, len(langs))
	for _, lang := range langs {
		set[lang] = struct{}{}
	}
	return set, nil
}

func tokenKey(token string) []byte {
	return []byte(tokenPrefix + token)
}

// prefixUpperBound returns the smallest key greater than every key that has
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
