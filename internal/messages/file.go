package messages

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/cogscreen/internal/artifacts"
)

const (
	messagesFile = "messages.jsonl"
	seqFile      = "message_seq"
)

// FileLog keeps each session's messages as JSON lines in
// <dir>/<session>/messages.jsonl, next to the session state. Ids come from a
// counter persisted in <dir>/message_seq, so they keep increasing across
// restarts. Appends are serialised.
type FileLog struct {
	dir string

	mu   sync.Mutex
	last int64
}

func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create message log dir: %w", err)
	}
	l := &FileLog{dir: dir}
	b, err := os.ReadFile(filepath.Join(dir, seqFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read message sequence: %w", err)
	default:
		if l.last, err = strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err != nil {
			return nil, fmt.Errorf("parse message sequence: %w", err)
		}
	}
	return l, nil
}

// RegisterSession is a no-op; the session store owns session records.
func (l *FileLog) RegisterSession(context.Context, string, string) error { return nil }

func (l *FileLog) Append(_ context.Context, msg Message) (Message, error) {
	path, err := l.path(msg.SessionID)
	if err != nil {
		return Message{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// The counter is stored before the line, so a crash in between leaves a
	// gap in ids rather than a reused one.
	id := l.last + 1
	if err := artifacts.WriteFileAtomic(filepath.Join(l.dir, seqFile), []byte(strconv.FormatInt(id, 10)+"\n"), 0o644); err != nil {
		return Message{}, fmt.Errorf("store message sequence: %w", err)
	}
	l.last = id

	msg.ID = id
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	if err := appendLine(path, append(line, '\n')); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (l *FileLog) List(_ context.Context, sessionID string) ([]Message, error) {
	path, err := l.path(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	items := make([]Message, 0, 8)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A line without its newline is a torn append.
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read message log: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", len(items), err)
		}
		items = append(items, m)
	}
}

func (l *FileLog) Close() error { return nil }

func (l *FileLog) path(sessionID string) (string, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) || strings.HasPrefix(sessionID, ".") {
		return "", fmt.Errorf("message log: invalid session id %q", sessionID)
	}
	return filepath.Join(l.dir, sessionID, messagesFile), nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync message log: %w", err)
	}
	return f.Close()
}
