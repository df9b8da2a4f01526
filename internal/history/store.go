// Package history — персистентная история завершённых задач поверх bbolt.
//
// Снимки лежат в бакете "tasks" под ключом «время завершения + task_id», поэтому
// курсор с конца отдаёт новые задачи первыми. Бакет "task_index" отображает
// task_id на ключ снимка: повторный запуск задачи с тем же id замещает запись.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"session-web/internal/infra/storage"
	"session-web/internal/progress"
)

const (
	dbOpenTimeout = time.Second
	// DefaultListLimit — размер выборки List по умолчанию.
	DefaultListLimit = 50
)

var (
	tasksBucket = []byte("tasks")
	indexBucket = []byte("task_index")
)

// ErrNotFound — задачи нет в истории.
var ErrNotFound = errors.New("task not found in history")

// Store хранит снимки завершённых задач.
type Store struct {
	db *bbolt.DB
}

// Open открывает (или создаёт) файл истории.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history: db path is empty")
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "history: ensure dir")
	}

	db, err := bbolt.Open(path, os.FileMode(storage.DefaultFilePerm), &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "history: open db")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{tasksBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "history: create buckets")
	}
	return &Store{db: db}, nil
}

// Close закрывает файл базы данных.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save сохраняет снимок задачи, замещая прежнюю запись с тем же task_id.
func (s *Store) Save(_ context.Context, snap progress.Snapshot) error {
	if snap.TaskID == "" {
		return errors.New("history: empty task id")
	}
	value, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "history: encode snapshot")
	}
	key := recordKey(snap)

	return s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(tasksBucket)
		index := tx.Bucket(indexBucket)

		if prev := index.Get([]byte(snap.TaskID)); prev != nil {
			if err := tasks.Delete(prev); err != nil {
				return errors.Wrap(err, "history: delete previous record")
			}
		}
		if err := tasks.Put(key, value); err != nil {
			return errors.Wrap(err, "history: put record")
		}
		return index.Put([]byte(snap.TaskID), key)
	})
}

// Get возвращает снимок задачи по её id или ErrNotFound.
func (s *Store) Get(_ context.Context, taskID string) (progress.Snapshot, error) {
	var snap progress.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(indexBucket).Get([]byte(taskID))
		if key == nil {
			return ErrNotFound
		}
		value := tx.Bucket(tasksBucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		return json.Unmarshal(value, &snap)
	})
	if err != nil {
		return progress.Snapshot{}, err
	}
	return snap, nil
}

// List возвращает до limit последних задач, новые первыми. limit <= 0 означает DefaultListLimit.
func (s *Store) List(_ context.Context, limit int) ([]progress.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	out := make([]progress.Snapshot, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(tasksBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var snap progress.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("history: decode record %q: %w", k, err)
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// recordKey — ключ, упорядоченный по времени завершения задачи.
func recordKey(snap progress.Snapshot) []byte {
	end := snap.StartTime
	if snap.Summary != nil {
		end = snap.Summary.EndTime
	}
	return fmt.Appendf(nil, "%020d|%s", end.UnixNano(), snap.TaskID)
}
