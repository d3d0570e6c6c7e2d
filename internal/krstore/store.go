package krstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

var (
	ErrInvalidMessage  = xerrors.New("message is invalid")
	ErrMessageNotFound = xerrors.New("message not found")

	// ErrStorePoisoned is returned by every operation on a store after a prior
	// operation panicked while holding the store's lock. The store's contents
	// can no longer be trusted to be consistent.
	ErrStorePoisoned = xerrors.New("message store is poisoned by a prior panic")
)

// Message is a single post on the board. ID, Created, Lang, and Expires are
// fixed at creation. Content, Title, and ImageURL may be changed by an edit.
type Message struct {
	ID            uuid.UUID  `json:"id"`
	Created       time.Time  `json:"created"`
	Content       string     `json:"content"`
	Title         string     `json:"title"`
	Lang          Lang       `json:"lang"`
	Expires       Expiration `json:"expires"`
	ImageURL      string     `json:"image_url,omitempty"`
	ImageData     string     `json:"image_data,omitempty"`
	ImageMimeType string     `json:"image_mime_type,omitempty"`
}

// NewMessage holds the client supplied fields of a message about to be
// created. The store assigns ID and Created.
type NewMessage struct {
	Content       string
	Title         string
	Lang          Lang
	Expires       Expiration
	ImageURL      string
	ImageData     string
	ImageMimeType string
}

// Validate checks that required fields are present and that enum values are
// members of their enumerations.
func (m *NewMessage) Validate() error {
	if m.Content == "" {
		return xerrors.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if m.Title == "" {
		return xerrors.Errorf("%w: title is empty", ErrInvalidMessage)
	}
	if !m.Lang.Valid() {
		return xerrors.Errorf("%w: %v", ErrInvalidMessage, &UnknownLangError{string(m.Lang)})
	}
	if !m.Expires.Valid() {
		return xerrors.Errorf("%w: %v", ErrInvalidMessage, &UnknownExpirationError{string(m.Expires)})
	}
	return nil
}

// MessageEdit carries the mutable fields of a message. All three replace the
// existing values wholesale.
type MessageEdit struct {
	ID       uuid.UUID
	Content  string
	Title    string
	ImageURL string
}

func (e *MessageEdit) Validate() error {
	if e.ID == uuid.Nil {
		return xerrors.Errorf("%w: id is empty", ErrInvalidMessage)
	}
	if e.Content == "" {
		return xerrors.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if e.Title == "" {
		return xerrors.Errorf("%w: title is empty", ErrInvalidMessage)
	}
	return nil
}

// MessageStore holds the live set of messages. Implementations serialize all
// operations and never hand out references to their internal state.
type MessageStore interface {
	Create(ctx context.Context, m *NewMessage) (*Message, error)
	ListByLang(ctx context.Context, lang Lang) ([]*Message, error)
	Edit(ctx context.Context, edit *MessageEdit) error
	Delete(ctx context.Context, id uuid.UUID) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Snapshot and restore for backups.
	ExportAll(ctx context.Context) ([]*Message, error)
	ReplaceAll(ctx context.Context, messages []*Message) error
}
