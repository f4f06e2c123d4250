package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewFileStore(fs, "/data/schedules", discardLogger()), fs
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      Schedule
		field   string
		wantErr bool
	}{
		{"valid", Schedule{ID: "s1", Interval: 60, Capabilities: []string{"cpu"}}, "", false},
		{"zero interval", Schedule{ID: "s1", Interval: 0, Capabilities: []string{"cpu"}}, "interval", true},
		{"negative interval", Schedule{ID: "s1", Interval: -5, Capabilities: []string{"cpu"}}, "interval", true},
		{"infinite interval", Schedule{ID: "s1", Interval: math.Inf(1), Capabilities: []string{"cpu"}}, "interval", true},
		{"nan interval", Schedule{ID: "s1", Interval: math.NaN(), Capabilities: []string{"cpu"}}, "interval", true},
		{"empty caps", Schedule{ID: "s1", Interval: 10}, "details_required", true},
		{"blank caps", Schedule{ID: "s1", Interval: 10, Capabilities: []string{" ", ""}}, "details_required", true},
		{"empty id", Schedule{ID: "", Interval: 10, Capabilities: []string{"cpu"}}, "schedule_id", true},
		{"path id", Schedule{ID: "../etc", Interval: 10, Capabilities: []string{"cpu"}}, "schedule_id", true},
		{"dotdot id", Schedule{ID: "..", Interval: 10, Capabilities: []string{"cpu"}}, "schedule_id", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestValidateDeduplicatesInOrder(t *testing.T) {
	v, err := Validate(Schedule{ID: "s", Interval: 1, Capabilities: []string{"gpu", " cpu", "gpu", "memory"}})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := []string{"gpu", "cpu", "memory"}
	if len(v.Capabilities) != len(want) {
		t.Fatalf("Capabilities = %v, want %v", v.Capabilities, want)
	}
	for i := range want {
		if v.Capabilities[i] != want[i] {
			t.Errorf("Capabilities[%d] = %q, want %q", i, v.Capabilities[i], want[i])
		}
	}
}

func TestIntervalDuration(t *testing.T) {
	s := Schedule{Interval: 1.5}
	if got := s.IntervalDuration(); got != 1500*time.Millisecond {
		t.Errorf("IntervalDuration = %v, want 1.5s", got)
	}
}

func TestFileStorePutAndList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, Schedule{ID: "b", Interval: 30, Capabilities: []string{"memory"}}); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	got, err := store.Put(ctx, Schedule{ID: "a", Interval: 60, Capabilities: []string{"cpu"}})
	if err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if got.ID != "a" || got.Interval != 60 {
		t.Errorf("Put returned %+v", got)
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll returned %d schedules, want 2", len(all))
	}
	if all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("ListAll order = [%s %s], want [a b]", all[0].ID, all[1].ID)
	}
}

func TestFileStorePutOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _ = store.Put(ctx, Schedule{ID: "s1", Interval: 60, Capabilities: []string{"cpu", "gpu"}})
	_, _ = store.Put(ctx, Schedule{ID: "s1", Interval: 5, Capabilities: []string{"memory"}})

	all, _ := store.ListAll(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 schedule after overwrite, got %d", len(all))
	}
	if all[0].Interval != 5 || len(all[0].Capabilities) != 1 || all[0].Capabilities[0] != "memory" {
		t.Errorf("overwrite was merged, got %+v", all[0])
	}
}

func TestFileStorePutRejectsInvalid(t *testing.T) {
	store, fs := newTestStore(t)
	_, err := store.Put(context.Background(), Schedule{ID: "bad", Interval: 0, Capabilities: []string{"cpu"}})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ok, _ := afero.Exists(fs, "/data/schedules/bad.json"); ok {
		t.Error("invalid schedule must not be persisted")
	}
}

func TestFileStoreEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	all, err := store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll on empty store: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected no schedules, got %d", len(all))
	}
}

func TestFileStoreSkipsCorruptFile(t *testing.T) {
	store, fs := newTestStore(t)
	ctx := context.Background()
	_, _ = store.Put(ctx, Schedule{ID: "good", Interval: 10, Capabilities: []string{"cpu"}})
	_ = afero.WriteFile(fs, "/data/schedules/broken.json", []byte("{"), 0o644)
	_ = afero.WriteFile(fs, "/data/schedules/zero.json", []byte(`{"interval":0,"details_required":["cpu"]}`), 0o644)

	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 || all[0].ID != "good" {
		t.Errorf("ListAll = %+v, want only 'good'", all)
	}
}

func TestFileStorePutStorageError(t *testing.T) {
	base := afero.NewMemMapFs()
	store := NewFileStore(afero.NewReadOnlyFs(base), "/data/schedules", discardLogger())

	_, err := store.Put(context.Background(), Schedule{ID: "s", Interval: 1, Capabilities: []string{"cpu"}})
	var se *storage.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *storage.StorageError, got %v", err)
	}
}

func TestFileStoreGetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = store.Put(ctx, Schedule{ID: "s1", Interval: 10, Capabilities: []string{"cpu"}})

	got, ok, err := store.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.ID != "s1" {
		t.Errorf("Get ID = %q", got.ID)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "s1"); ok {
		t.Error("schedule still present after Delete")
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
}

func TestFileStoreConcurrentPutAndList(t *testing.T) {
	store := NewFileStore(afero.NewOsFs(), t.TempDir(), discardLogger())
	ctx := context.Background()
	_, _ = store.Put(ctx, Schedule{ID: "s", Interval: 1, Capabilities: []string{"cpu"}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			_, _ = store.Put(ctx, Schedule{ID: "s", Interval: float64(i), Capabilities: []string{"cpu"}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			all, err := store.ListAll(ctx)
			if err != nil {
				t.Errorf("ListAll: %v", err)
				return
			}
			if len(all) != 1 {
				t.Errorf("ListAll saw %d schedules, want 1", len(all))
				return
			}
		}
	}()
	wg.Wait()
}
