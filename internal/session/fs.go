package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ent0n29/cogscreen/internal/artifacts"
)

const (
	stateFile = "state.json"
	turnsFile = "turns.json"
)

// FSStore keeps each session in its own directory under root, next to the
// session's artifacts. Writes are atomic; callers serialise writes per id.
type FSStore struct {
	root  string
	newID func() string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FSStore{root: root, newID: NewID}, nil
}

func (s *FSStore) dir(id string) string { return filepath.Join(s.root, id) }

func (s *FSStore) Create(_ context.Context, protocol, lang string) (string, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id := s.newID()
		if err := os.Mkdir(s.dir(id), 0o755); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return "", fmt.Errorf("create session dir: %w", err)
		}
		now := time.Now().UTC()
		sess := Session{ID: id, Protocol: protocol, Lang: lang, CreatedAt: now, UpdatedAt: now}
		if err := artifacts.WriteJSONAtomic(filepath.Join(s.dir(id), stateFile), sess); err != nil {
			return "", fmt.Errorf("write session state: %w", err)
		}
		return id, nil
	}
	return "", ErrIDExhausted
}

func (s *FSStore) Exists(_ context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(s.dir(id), stateFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat session state: %w", err)
}

func (s *FSStore) Load(_ context.Context, id string) (Session, error) {
	if !ValidID(id) {
		return fresh(id), nil
	}
	b, err := os.ReadFile(filepath.Join(s.dir(id), stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return fresh(id), nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session state: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session state: %w", err)
	}
	sess.ID = id
	return sess, nil
}

func (s *FSStore) Save(_ context.Context, sess Session) error {
	if !ValidID(sess.ID) {
		return fmt.Errorf("save session: invalid id %q", sess.ID)
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := artifacts.WriteJSONAtomic(filepath.Join(s.dir(sess.ID), stateFile), sess); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}

func (s *FSStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	turns, err := s.Turns(ctx, id)
	if err != nil {
		return err
	}
	turns = append(turns, turn)
	if err := artifacts.WriteJSONAtomic(filepath.Join(s.dir(id), turnsFile), turns); err != nil {
		return fmt.Errorf("write turn log: %w", err)
	}
	return nil
}

func (s *FSStore) Turns(_ context.Context, id string) ([]Turn, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("turn log: invalid id %q", id)
	}
	b, err := os.ReadFile(filepath.Join(s.dir(id), turnsFile))
	if errors.Is(err, os.ErrNotExist) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read turn log: %w", err)
	}
	var turns []Turn
	if err := json.Unmarshal(b, &turns); err != nil {
		return nil, fmt.Errorf("decode turn log: %w", err)
	}
	return turns, nil
}

func (s *FSStore) Close() error { return nil }
