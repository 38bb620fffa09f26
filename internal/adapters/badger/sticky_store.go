package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const stickyPrefix = "sticky/"

// maxTxnRetries bounds retries of PutIfAbsent on badger.ErrConflict.
const maxTxnRetries = 10

// StickyStore keeps sticky assignments under sticky/<experiment>/<client>.
type StickyStore struct {
	db *DB
}

func NewStickyStore(db *DB) *StickyStore {
	return &StickyStore{db: db}
}

func stickyKey(experimentID, clientID string) []byte {
	return []byte(stickyPrefix + experimentID + "/" + clientID)
}

func (s *StickyStore) Get(ctx context.Context, experimentID, clientID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var armID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stickyKey(experimentID, clientID))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		armID = string(val)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get sticky assignment: %w", err)
	}
	return armID, true, nil
}

// PutIfAbsent relies on badger's optimistic transactions: two racing writers
// conflict on commit and the loser re-reads the winner's arm.
func (s *StickyStore) PutIfAbsent(ctx context.Context, experimentID, clientID, armID string) (string, error) {
	key := stickyKey(experimentID, clientID)

	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		stored := armID
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			switch {
			case err == nil:
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				stored = string(val)
				return nil
			case errors.Is(err, badger.ErrKeyNotFound):
				return txn.Set(key, []byte(armID))
			default:
				return err
			}
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("put sticky assignment: %w", err)
		}
		return stored, nil
	}
	return "", fmt.Errorf("put sticky assignment: %w", badger.ErrConflict)
}

func (s *StickyStore) DeleteExperiment(ctx context.Context, experimentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix([]byte(stickyPrefix + experimentID + "/")); err != nil {
		return fmt.Errorf("delete sticky assignments: %w", err)
	}
	return nil
}
