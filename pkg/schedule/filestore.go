package schedule

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/storage"
)

// FileStore keeps one JSON document per schedule under a directory. The
// schedule ID is the file name. Nothing is cached: every ListAll re-reads the
// directory.
type FileStore struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

// NewFileStore returns a FileStore rooted at dir on fs. A nil logger uses
// slog.Default().
func NewFileStore(fs afero.Fs, dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{fs: fs, dir: dir, logger: logger}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Put validates sched and atomically writes it, overwriting any previous
// definition with the same ID.
func (s *FileStore) Put(ctx context.Context, sched Schedule) (Schedule, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, err
	}
	v, err := Validate(sched)
	if err != nil {
		return Schedule{}, err
	}
	if err := storage.WriteJSON(s.fs, s.path(v.ID), v); err != nil {
		return Schedule{}, err
	}
	s.logger.Info("schedule stored", "schedule_id", v.ID, "interval", v.Interval, "capabilities", v.Capabilities)
	return v, nil
}

// ListAll returns every readable schedule sorted by ID. Unreadable or invalid
// documents are skipped with a warning so that one bad file cannot stall
// scheduling.
func (s *FileStore) ListAll(ctx context.Context) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := storage.ListJSON(s.fs, s.dir)
	if err != nil {
		return nil, err
	}

	out := make([]Schedule, 0, len(names))
	for _, name := range names {
		sched, err := storage.ReadJSON[Schedule](s.fs, s.path(name))
		if err != nil {
			s.logger.Warn("skipping unreadable schedule", "file", s.path(name), "error", err)
			continue
		}
		// The file name is authoritative for the ID.
		sched.ID = name
		v, err := Validate(sched)
		if err != nil {
			s.logger.Warn("skipping invalid schedule", "file", s.path(name), "error", err)
			continue
		}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the schedule with the given ID.
func (s *FileStore) Get(ctx context.Context, id string) (Schedule, bool, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, false, err
	}
	if !idPattern.MatchString(id) {
		return Schedule{}, false, nil
	}
	sched, err := storage.ReadJSON[Schedule](s.fs, s.path(id))
	if err != nil {
		if storage.IsNotExist(err) {
			return Schedule{}, false, nil
		}
		return Schedule{}, false, err
	}
	sched.ID = id
	return sched, true, nil
}

// Delete removes the schedule with the given ID. Deleting an unknown ID is
// not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !idPattern.MatchString(id) {
		return &ValidationError{Field: "schedule_id", Reason: "invalid id"}
	}
	if err := storage.Remove(s.fs, s.path(id)); err != nil {
		return err
	}
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}
