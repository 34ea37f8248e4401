// Package session persists interview state and the per-session turn log.
package session

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Store persists sessions and their turn logs.
//
// Load never reports a missing session: it returns a fresh Session at step 0.
// Callers that need the record to exist check Exists first.
type Store interface {
	Create(ctx context.Context, protocol, lang string) (string, error)
	Exists(ctx context.Context, id string) (bool, error)
	Load(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, s Session) error
	AppendTurn(ctx context.Context, id string, turn Turn) error
	Turns(ctx context.Context, id string) ([]Turn, error)
	Close() error
}

const maxCreateAttempts = 5

// ErrIDExhausted means every generated id collided with an existing session.
var ErrIDExhausted = errors.New("session: could not allocate a unique id")

var validID = regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`)

// NewID returns a fresh opaque session id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidID reports whether id could have been produced by NewID. Ids that fail
// this check never reach a store, which keeps them out of filesystem paths
// and key names.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

func fresh(id string) Session {
	return Session{ID: id}
}
