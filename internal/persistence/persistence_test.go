package persistence

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/quiltmesh/quilt/internal/engine"
)

// TestMemoryStore tests the bind/update/unbind cycle against the log
func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("bind on an empty store leaves the engine empty", func(t *testing.T) {
		store := NewMemoryStore()
		doc := engine.NewMemDoc(1)

		state, err := store.Bind(ctx, "doc", doc)
		if err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		if state != 0 {
			t.Errorf("Expected initial state 0, got %v", state)
		}
		if got := doc.Strings(); len(got) != 0 {
			t.Errorf("Expected empty document, got %v", got)
		}
	})

	t.Run("updates replay on the next bind", func(t *testing.T) {
		store := NewMemoryStore()

		// First coordinator lifetime: write two updates
		writer := engine.NewMemDoc(1)
		state, err := store.Bind(ctx, "doc", writer)
		if err != nil {
			t.Fatalf("Bind failed: %v", err)
		}

		writer.Insert(0, "a")
		u1, _ := writer.Diff(nil)
		state, err = store.Update(ctx, state, u1, "doc", writer)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		writer.Insert(1, "b")
		u2, _ := writer.Diff(nil)
		state, err = store.Update(ctx, state, u2, "doc", writer)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if state != 2 {
			t.Errorf("Expected state 2 after two updates, got %v", state)
		}

		if err := store.Unbind(ctx, state, "doc", writer); err != nil {
			t.Fatalf("Unbind failed: %v", err)
		}

		// Second lifetime: bind replays everything
		reader := engine.NewMemDoc(2)
		if _, err := store.Bind(ctx, "doc", reader); err != nil {
			t.Fatalf("Rebind failed: %v", err)
		}
		want := []string{"a", "b"}
		if got := reader.Strings(); !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %v after replay, got %v", want, got)
		}
	})

	t.Run("unbind compacts the log to one snapshot", func(t *testing.T) {
		store := NewMemoryStore()
		doc := engine.NewMemDoc(1)
		state, _ := store.Bind(ctx, "doc", doc)

		for i, v := range []string{"x", "y", "z"} {
			doc.Insert(i, v)
			u, _ := doc.Diff(nil)
			var err error
			state, err = store.Update(ctx, state, u, "doc", doc)
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
		}
		if store.LogLen("doc") != 3 {
			t.Fatalf("Expected 3 log entries, got %d", store.LogLen("doc"))
		}

		if err := store.Unbind(ctx, state, "doc", doc); err != nil {
			t.Fatalf("Unbind failed: %v", err)
		}
		if store.LogLen("doc") != 1 {
			t.Errorf("Expected compacted log of 1, got %d", store.LogLen("doc"))
		}
	})

	t.Run("documents are isolated", func(t *testing.T) {
		store := NewMemoryStore()
		a := engine.NewMemDoc(1)
		stateA, _ := store.Bind(ctx, "doc-a", a)
		a.Insert(0, "only-a")
		u, _ := a.Diff(nil)
		if _, err := store.Update(ctx, stateA, u, "doc-a", a); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		b := engine.NewMemDoc(2)
		if _, err := store.Bind(ctx, "doc-b", b); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		if got := b.Strings(); len(got) != 0 {
			t.Errorf("doc-b saw doc-a content: %v", got)
		}
	})

	t.Run("compaction threshold bounds the log", func(t *testing.T) {
		store := NewMemoryStore()
		store.compactAfter = 5
		doc := engine.NewMemDoc(1)
		state, _ := store.Bind(ctx, "doc", doc)

		for i := 0; i < 12; i++ {
			doc.Insert(i, "v")
			u, _ := doc.Diff(nil)
			var err error
			state, err = store.Update(ctx, state, u, "doc", doc)
			if err != nil {
				t.Fatalf("Update %d failed: %v", i, err)
			}
		}
		if n := store.LogLen("doc"); n >= 12 {
			t.Errorf("Log never compacted: %d entries", n)
		}

		fresh := engine.NewMemDoc(2)
		if _, err := store.Bind(ctx, "doc", fresh); err != nil {
			t.Fatalf("Rebind failed: %v", err)
		}
		if got := len(fresh.Strings()); got != 12 {
			t.Errorf("Compaction lost content: %d of 12 values", got)
		}
	})
}

// TestNop verifies the no-op persistence stores nothing
func TestNop(t *testing.T) {
	ctx := context.Background()
	var p Persistence = Nop{}

	doc := engine.NewMemDoc(1)
	state, err := p.Bind(ctx, "doc", doc)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	doc.Insert(0, "gone")
	u, _ := doc.Diff(nil)
	if state, err = p.Update(ctx, state, u, "doc", doc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := p.Unbind(ctx, state, "doc", doc); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}

	fresh := engine.NewMemDoc(2)
	if _, err := p.Bind(ctx, "doc", fresh); err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	if got := fresh.Strings(); len(got) != 0 {
		t.Errorf("Nop persisted content: %v", got)
	}
}

// TestPostgresStore exercises the Postgres adapter against a live database.
// Set QUILT_TEST_POSTGRES_URL to run it.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("QUILT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("QUILT_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer store.Close()

	docName := "pgtest-" + t.Name()
	writer := engine.NewMemDoc(1)
	state, err := store.Bind(ctx, docName, writer)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	writer.Insert(0, "durable")
	u, _ := writer.Diff(nil)
	if state, err = store.Update(ctx, state, u, docName, writer); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := store.Unbind(ctx, state, docName, writer); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}

	reader := engine.NewMemDoc(2)
	if _, err := store.Bind(ctx, docName, reader); err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	if got := reader.Strings(); !reflect.DeepEqual(got, []string{"durable"}) {
		t.Errorf("Expected [durable], got %v", got)
	}
}
