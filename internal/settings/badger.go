package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "settings:"

type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens a settings store in dir. An empty dir keeps everything in
// memory.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	dir = strings.TrimSpace(dir)
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("settings: create dir: %w", err)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: logger})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("settings: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key string, dst any) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("settings: get %q: %w", key, err)
		}
		found = true
		return item.Value(func(val []byte) error {
			return decode(key, val, dst)
		})
	})
	return found, err
}

func (s *BadgerStore) Set(key string, value any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encode(key, value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key), data)
	})
}

func (s *BadgerStore) Delete(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + key))
	})
}

// Keys lists every stored key in order.
func (s *BadgerStore) Keys() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), badgerKeyPrefix))
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// badgerLogger routes badger's printf-style logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("settings_badger", slog.String("msg", strings.TrimSpace(fmt.Sprintf(format, args...))))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("settings_badger", slog.String("msg", strings.TrimSpace(fmt.Sprintf(format, args...))))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("settings_badger", slog.String("msg", strings.TrimSpace(fmt.Sprintf(format, args...))))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug("settings_badger", slog.String("msg", strings.TrimSpace(fmt.Sprintf(format, args...))))
}
