package messages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var (
	_ Log = (*FileLog)(nil)
	_ Log = (*RedisLog)(nil)
)

func TestFileLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	l, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("NewFileLog() error = %v", err)
	}
	first, _ := l.Append(ctx, Message{SessionID: "s1", Role: RoleAssistant, Text: "Che giorno è oggi?", AudioURL: URL("/files/s1/out/start/system_reply.wav")})
	if _, err := l.Append(ctx, Message{SessionID: "s1", Role: RoleUser, Text: "lunedì"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_ = l.Close()

	reopened, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("NewFileLog() reopen error = %v", err)
	}
	got, err := reopened.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "Che giorno è oggi?" || got[1].Role != RoleUser {
		t.Fatalf("List() = %+v", got)
	}
	if got[0].ID != first.ID || got[0].AudioURL == nil || got[1].AudioURL != nil {
		t.Fatalf("first message = %+v, want %+v", got[0], first)
	}

	next, err := reopened.Append(ctx, Message{SessionID: "s2", Role: RoleAssistant, Text: "altro"})
	if err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}
	if next.ID <= got[1].ID {
		t.Fatalf("id after reopen = %d, want > %d", next.ID, got[1].ID)
	}
	if empty, _ := reopened.List(ctx, "nobody"); len(empty) != 0 {
		t.Fatalf("List(unknown) = %+v, want empty", empty)
	}
}

func TestFileLogIgnoresTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	l, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("NewFileLog() error = %v", err)
	}
	if _, err := l.Append(ctx, Message{SessionID: "s1", Role: RoleUser, Text: "casa"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "s1", messagesFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	_, _ = f.WriteString(`{"id":9,"session_id":"s1","ro`)
	f.Close()

	got, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "casa" {
		t.Fatalf("List() = %+v, want the complete message only", got)
	}
}

func TestFileLogRejectsPathLikeIDs(t *testing.T) {
	l, err := NewFileLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLog() error = %v", err)
	}
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := l.Append(context.Background(), Message{SessionID: id, Role: RoleUser}); err == nil {
			t.Fatalf("Append(%q) error = nil, want invalid id", id)
		}
	}
}

func TestRedisLogSharedAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	newLog := func() *RedisLog {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return NewRedisLog(c)
	}
	a, b := newLog(), newLog()

	m1, err := a.Append(ctx, Message{SessionID: "s1", Role: RoleAssistant, Text: "q0"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	m2, err := b.Append(ctx, Message{SessionID: "s1", Role: RoleUser, Text: "a0"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if m2.ID <= m1.ID {
		t.Fatalf("ids = %d, %d, want increasing", m1.ID, m2.ID)
	}

	got, err := b.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "q0" || got[1].Text != "a0" {
		t.Fatalf("List() = %+v", got)
	}
}

func TestNewLogPicksBackend(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(context.Background(), Backends{Dir: dir})
	if err != nil {
		t.Fatalf("NewLog() error = %v", err)
	}
	if _, ok := l.(*FileLog); !ok {
		t.Fatalf("NewLog(Dir) = %T, want *FileLog", l)
	}
	l, _ = NewLog(context.Background(), Backends{})
	if _, ok := l.(*InMemoryLog); !ok {
		t.Fatalf("NewLog() = %T, want *InMemoryLog", l)
	}
}
