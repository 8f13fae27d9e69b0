package scene

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/marchog-core/internal/dispatch"
	"github.com/nerrad567/marchog-core/internal/infrastructure/database"
	"github.com/nerrad567/marchog-core/migrations"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteStore(db.DB)
}

func TestSQLiteStore_Active(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LoadActive(ctx); err != nil || ok {
		t.Fatalf("LoadActive(empty) = %v, %v", ok, err)
	}

	at := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	if err := store.SaveActive(ctx, Active{SceneID: "day", ActivatedAt: at}); err != nil {
		t.Fatalf("SaveActive() error = %v", err)
	}
	if err := store.SaveActive(ctx, Active{SceneID: "night-mode", ActivatedAt: at.Add(time.Hour)}); err != nil {
		t.Fatalf("SaveActive() error = %v", err)
	}

	a, ok, err := store.LoadActive(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadActive() = %v, %v", ok, err)
	}
	if a.SceneID != "night-mode" || !a.ActivatedAt.Equal(at.Add(time.Hour)) {
		t.Errorf("LoadActive() = %+v", a)
	}
}

func TestSQLiteStore_History(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		rec := Record{
			ID:          "batch-" + id,
			SceneID:     id,
			Source:      "api",
			Redispatch:  i == 2,
			Recipients:  i + 1,
			ActivatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.RecordActivation(ctx, rec); err != nil {
			t.Fatalf("RecordActivation() error = %v", err)
		}
	}

	got, err := store.History(ctx, 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 || got[0].SceneID != "c" || got[1].SceneID != "b" {
		t.Fatalf("History() = %+v", got)
	}
	if !got[0].Redispatch || got[0].Recipients != 3 {
		t.Errorf("History()[0] = %+v", got[0])
	}

	all, err := store.History(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Errorf("History(0) = %d rows, %v", len(all), err)
	}
}

func TestSQLiteStore_WithEngine(t *testing.T) {
	store := openTestStore(t)
	v := newEnv(t)
	e := NewEngine(dispatch.New(v.registry, v.router), v.router, store)
	if err := e.Load([]Scene{redAlert()}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctx := context.Background()
	if _, err := e.Activate(ctx, "red-alert", "api"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	restarted := NewEngine(dispatch.New(v.registry, v.router), v.router, store)
	if err := restarted.Load([]Scene{redAlert()}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if a, ok := restarted.Active(); !ok || a.SceneID != "red-alert" {
		t.Errorf("restored Active() = %+v, %v", a, ok)
	}
	hist, err := restarted.History(ctx, 10)
	if err != nil || len(hist) != 1 {
		t.Errorf("History() = %+v, %v", hist, err)
	}
}
