package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/dlddu/tiny-identity/internal/domain"
)

const badgerChallengeKeyPrefix = "passkey_challenge:"

// BadgerChallengeRepository stores passkey challenges in BadgerDB with an
// entry TTL matching the challenge expiry, so abandoned ceremonies are
// collected without a sweeper.
type BadgerChallengeRepository struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerChallengeRepository opens (or creates) a BadgerDB at path. An
// empty path opens an in-memory database.
func OpenBadgerChallengeRepository(path string) (*BadgerChallengeRepository, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts.ValueLogFileSize = 16 << 20
		opts.SyncWrites = true
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for passkey challenges: %w", err)
	}
	return &BadgerChallengeRepository{db: db, now: time.Now}, nil
}

// NewBadgerChallengeRepository wraps an existing BadgerDB handle.
func NewBadgerChallengeRepository(db *badger.DB) *BadgerChallengeRepository {
	return &BadgerChallengeRepository{db: db, now: time.Now}
}

// Close closes the underlying database.
func (r *BadgerChallengeRepository) Close() error {
	return r.db.Close()
}

func challengeKey(id string) []byte {
	return []byte(badgerChallengeKeyPrefix + id)
}

func (r *BadgerChallengeRepository) Save(_ context.Context, c *domain.PasskeyChallenge) error {
	if c == nil || c.ID == "" {
		return errors.New("challenge cannot be empty")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		key := challengeKey(c.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		entry := badger.NewEntry(key, data)
		if ttl := c.ExpiresAt.Sub(r.now()); ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (r *BadgerChallengeRepository) Find(_ context.Context, id string) (*domain.PasskeyChallenge, error) {
	var c domain.PasskeyChallenge
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(challengeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrChallengeNotFound
		}
		if err != nil {
			return fmt.Errorf("get challenge: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *BadgerChallengeRepository) Delete(_ context.Context, id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(challengeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Consume reads and deletes in one transaction. Badger's optimistic
// concurrency aborts the second of two racing transactions with ErrConflict,
// which is reported as not found.
func (r *BadgerChallengeRepository) Consume(_ context.Context, id string) (*domain.PasskeyChallenge, error) {
	var c domain.PasskeyChallenge
	err := r.db.Update(func(txn *badger.Txn) error {
		key := challengeKey(id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrChallengeNotFound
		}
		if err != nil {
			return fmt.Errorf("get challenge: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		}); err != nil {
			return fmt.Errorf("decode challenge: %w", err)
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
