package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"policy-copilot/internal/domain"
)

const threadKeyPrefix = "thread/"

// BadgerConfig selects where the thread checkpointer keeps its data.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// Checkpointer persists per-thread short-term memory in a badger database.
type Checkpointer struct {
	db *badger.DB
}

// OpenCheckpointer opens (creating if needed) the badger database described by cfg.
func OpenCheckpointer(cfg BadgerConfig) (*Checkpointer, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errors.New("repository: checkpoint path is required for a persistent checkpointer")
		}
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("repository: create checkpoint dir %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("repository: open checkpoint db: %w", err)
	}
	return &Checkpointer{db: db}, nil
}

// LoadThread returns the saved thread, or an empty thread with the given ID.
func (c *Checkpointer) LoadThread(_ context.Context, threadID string) (domain.Thread, error) {
	th := domain.Thread{ID: threadID, Messages: []domain.ChatMessage{}}
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(threadKey(threadID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &th)
		})
	})
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: load thread %q: %w", threadID, err)
	}
	return th, nil
}

// SaveThread overwrites the checkpoint for th.ID.
func (c *Checkpointer) SaveThread(_ context.Context, th domain.Thread) error {
	if strings.TrimSpace(th.ID) == "" {
		return errors.New("repository: SaveThread: thread id is required")
	}
	if th.UpdatedAt.IsZero() {
		th.UpdatedAt = time.Now().UTC()
	}
	val, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("repository: encode thread: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(threadKey(th.ID), val)
	})
	if err != nil {
		return fmt.Errorf("repository: save thread %q: %w", th.ID, err)
	}
	return nil
}

func (c *Checkpointer) Close() error {
	return c.db.Close()
}

func threadKey(id string) []byte {
	return []byte(threadKeyPrefix + id)
}

// badgerLogger routes badger's internal logging into zerolog at debug level,
// except errors and warnings.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}
