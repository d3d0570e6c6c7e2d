package krmemorystore

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krstore"
)

// MemoryStore keeps messages in a slice in insertion order. A single mutex
// guards the slice, and every method copies data in and out so that callers
// never hold references into it.
type MemoryStore struct {
	logger   *logrus.Logger
	messages []*krstore.Message
	mut      sync.Mutex
	name     string
	poisoned bool
	timeNow  func() time.Time

	// For testability.
	newID func() uuid.UUID
}

func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger,
		name:    reflect.TypeOf(MemoryStore{}).Name(),
		newID:   uuid.New,
		timeNow: time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, newMessage *krstore.NewMessage) (*krstore.Message, error) {
	if err := newMessage.Validate(); err != nil {
		return nil, err
	}

	var message *krstore.Message
	err := s.withLock(func() error {
		message = &krstore.Message{
			ID:            s.uniqueIDLocked(),
			Created:       s.timeNow(),
			Content:       newMessage.Content,
			Title:         newMessage.Title,
			Lang:          newMessage.Lang,
			Expires:       newMessage.Expires,
			ImageURL:      newMessage.ImageURL,
			ImageData:     newMessage.ImageData,
			ImageMimeType: newMessage.ImageMimeType,
		}
		s.messages = append(s.messages, message)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return copyMessage(message), nil
}

func (s *MemoryStore) ListByLang(ctx context.Context, lang krstore.Lang) ([]*krstore.Message, error) {
	messages := make([]*krstore.Message, 0)
	err := s.withLock(func() error {
		now := s.timeNow()
		for _, message := range s.messages {
			if message.Lang != lang {
				continue
			}

			// Just in case the reaper is behind, hide content that's already
			// past its expiry.
			if krstore.IsExpired(message.Created, now, message.Expires) {
				continue
			}

			messages = append(messages, copyMessage(message))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

func (s *MemoryStore) Edit(ctx context.Context, edit *krstore.MessageEdit) error {
	if err := edit.Validate(); err != nil {
		return err
	}

	return s.withLock(func() error {
		i := s.indexLocked(edit.ID)
		if i < 0 {
			return krstore.ErrMessageNotFound
		}

		// Replace rather than mutate in place so that the update is a single
		// pointer swap.
		updated := copyMessage(s.messages[i])
		updated.Content = edit.Content
		updated.Title = edit.Title
		updated.ImageURL = edit.ImageURL
		s.messages[i] = updated
		return nil
	})
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.withLock(func() error {
		i := s.indexLocked(id)
		if i < 0 {
			return krstore.ErrMessageNotFound
		}

		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		return nil
	})
}

// SweepExpired removes every message whose age as of `now` is at least its
// expiration's lifetime, returning how many were removed.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var numReaped int
	err := s.withLock(func() error {
		kept := s.messages[:0]
		for _, message := range s.messages {
			if krstore.IsExpired(message.Created, now, message.Expires) {
				numReaped++
				continue
			}
			kept = append(kept, message)
		}

		// Clear the tail so removed messages can be collected.
		for i := len(kept); i < len(s.messages); i++ {
			s.messages[i] = nil
		}
		s.messages = kept
		return nil
	})
	if err != nil {
		return 0, err
	}

	if numReaped > 0 {
		s.logger.WithFields(logrus.Fields{
			"num_reaped": numReaped,
		}).Infof(s.name+": Reaped %d message(s)", numReaped)
	}

	return numReaped, nil
}

func (s *MemoryStore) ExportAll(ctx context.Context) ([]*krstore.Message, error) {
	var messages []*krstore.Message
	err := s.withLock(func() error {
		messages = make([]*krstore.Message, len(s.messages))
		for i, message := range s.messages {
			messages[i] = copyMessage(message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// ReplaceAll swaps the store's entire contents for the given messages, which
// keep their original IDs and creation times. It's used to restore from a
// backup, normally before the server starts accepting traffic, but it takes
// the same lock as everything else and so is safe to call at any time.
func (s *MemoryStore) ReplaceAll(ctx context.Context, messages []*krstore.Message) error {
	replacement := make([]*krstore.Message, 0, len(messages))
	seen := make(map[uuid.UUID]struct{}, len(messages))

	for i, message := range messages {
		if message == nil {
			return xerrors.Errorf("%w: nil message at index %d", krstore.ErrInvalidMessage, i)
		}
		if message.ID == uuid.Nil {
			return xerrors.Errorf("%w: empty id at index %d", krstore.ErrInvalidMessage, i)
		}
		if message.Created.IsZero() {
			return xerrors.Errorf("%w: empty created time on message %s", krstore.ErrInvalidMessage, message.ID)
		}
		if _, ok := seen[message.ID]; ok {
			return xerrors.Errorf("%w: duplicate id %s", krstore.ErrInvalidMessage, message.ID)
		}
		if !message.Lang.Valid() || !message.Expires.Valid() {
			return xerrors.Errorf("%w: bad enum value on message %s", krstore.ErrInvalidMessage, message.ID)
		}

		seen[message.ID] = struct{}{}
		replacement = append(replacement, copyMessage(message))
	}

	err := s.withLock(func() error {
		s.messages = replacement
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Infof(s.name+": Replaced contents with %d message(s)", len(replacement))
	return nil
}

// Len returns the number of messages held, including any that are expired
// but not yet reaped.
func (s *MemoryStore) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()

	return len(s.messages)
}

func (s *MemoryStore) SetTimeNow(timeNow func() time.Time) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.timeNow = timeNow
}

// withLock runs fn as a critical section. The lock is released on every exit
// path. A panic in fn poisons the store, after which every operation fails
// with ErrStorePoisoned.
func (s *MemoryStore) withLock(fn func() error) (err error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.poisoned {
		return krstore.ErrStorePoisoned
	}

	defer func() {
		if r := recover(); r != nil {
			s.poisoned = true
			s.logger.Errorf(s.name+": Panic in critical section; store is now poisoned: %v", r)
			err = xerrors.Errorf("%w: %v", krstore.ErrStorePoisoned, fmt.Sprint(r))
		}
	}()

	return fn()
}

func (s *MemoryStore) indexLocked(id uuid.UUID) int {
	for i, message := range s.messages {
		if message.ID == id {
			return i
		}
	}
	return -1
}

// Random v4 IDs practically never collide, but ids must be unique within the
// live collection.
func (s *MemoryStore) uniqueIDLocked() uuid.UUID {
	for {
		id := s.newID()
		if s.indexLocked(id) < 0 {
			return id
		}
	}
}

func copyMessage(m *krstore.Message) *krstore.Message {
	c := *m
	return &c
}
