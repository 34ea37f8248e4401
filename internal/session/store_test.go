package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/ent0n29/cogscreen/internal/scoring"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return map[string]Store{"fs": fs, "redis": rs}
}

func TestStoreLifecycle(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := store.Create(ctx, "mmse_v1", "it")
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if !ValidID(id) {
				t.Fatalf("Create() id = %q, not a valid id", id)
			}
			ok, err := store.Exists(ctx, id)
			if err != nil || !ok {
				t.Fatalf("Exists() = (%v, %v), want true", ok, err)
			}

			sess, err := store.Load(ctx, id)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if sess.Protocol != "mmse_v1" || sess.Lang != "it" || sess.CurrentStep != 0 || sess.Completed {
				t.Fatalf("Load() = %+v, want fresh mmse_v1 session", sess)
			}

			sess.CurrentStep = 1
			if err := store.Save(ctx, sess); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := store.Save(ctx, sess); err != nil {
				t.Fatalf("second Save() error = %v", err)
			}
			got, _ := store.Load(ctx, id)
			if got.CurrentStep != 1 {
				t.Fatalf("CurrentStep = %d, want 1", got.CurrentStep)
			}

			score := 2
			max := 3
			for i, text := range []string{"casa pane", "gatto"} {
				turn := Turn{StepIndex: i, StepID: "s", Transcript: text, Features: ComputeFeatures(text)}
				if i == 0 {
					turn.Score = &scoring.Result{Score: &score, MaxScore: &max, Reason: "ok"}
				}
				if err := store.AppendTurn(ctx, id, turn); err != nil {
					t.Fatalf("AppendTurn() error = %v", err)
				}
			}
			turns, err := store.Turns(ctx, id)
			if err != nil {
				t.Fatalf("Turns() error = %v", err)
			}
			if len(turns) != 2 || turns[0].Transcript != "casa pane" || turns[1].StepIndex != 1 {
				t.Fatalf("Turns() = %+v", turns)
			}
			if turns[0].Score == nil || *turns[0].Score.Score != 2 {
				t.Fatalf("turn score = %+v, want 2", turns[0].Score)
			}
		})
	}
}

func TestLoadMissingReturnsFresh(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := NewID()

			ok, err := store.Exists(ctx, id)
			if err != nil || ok {
				t.Fatalf("Exists() = (%v, %v), want false", ok, err)
			}
			sess, err := store.Load(ctx, id)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if sess.ID != id || sess.CurrentStep != 0 || sess.Completed || sess.Protocol != "" {
				t.Fatalf("Load() = %+v, want fresh session", sess)
			}
		})
	}
}

func TestExistsRejectsPathLikeIDs(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"../etc", "", "a/b/c/d/e/f", "short"} {
				ok, err := store.Exists(context.Background(), id)
				if err != nil || ok {
					t.Fatalf("Exists(%q) = (%v, %v), want false", id, ok, err)
				}
			}
		})
	}
}

func TestFSCreateRetriesOnCollision(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	taken := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if err := os.Mkdir(filepath.Join(root, taken), 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	ids := []string{taken, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}
	store.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	id, err := store.Create(context.Background(), "demo_v1", "it")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" {
		t.Fatalf("Create() id = %q, want the second candidate", id)
	}
}

func TestRedisCreateRetriesOnCollision(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	taken := "cccccccccccccccccccccccccccccccc"
	if err := mr.Set(stateKey(taken), "{}"); err != nil {
		t.Fatalf("miniredis Set() error = %v", err)
	}
	calls := 0
	store.newID = func() string {
		calls++
		return taken
	}
	if _, err := store.Create(context.Background(), "mmse_v1", "it"); err != ErrIDExhausted {
		t.Fatalf("Create() error = %v, want ErrIDExhausted", err)
	}
	if calls != maxCreateAttempts {
		t.Fatalf("id attempts = %d, want %d", calls, maxCreateAttempts)
	}
}

func TestComputeFeatures(t *testing.T) {
	raw := "  casa pane  gatto "
	f := ComputeFeatures(raw)
	if f.WordCount != 3 {
		t.Fatalf("WordCount = %d, want 3", f.WordCount)
	}
	if f.CharCount != len(raw) {
		t.Fatalf("CharCount = %d, want %d", f.CharCount, len(raw))
	}
	if got := ComputeFeatures("perché sì").CharCount; got != 9 {
		t.Fatalf("CharCount = %d, want 9 runes", got)
	}
}
