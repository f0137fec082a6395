package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/kellerkompanie/kellerkompanie-ts3bot/pkg/models"
)

var (
	bucketPresence = []byte("presence")

	ErrNotSeen = errors.New("identity never seen")
)

// Store keeps per-identity presence records in a local bolt file so
// join counts and last-seen times survive bot restarts.
type Store struct {
	db     *bbolt.DB
	logger *logrus.Logger
}

// Open opens (or creates) the presence database at path.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open presence database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPresence)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create presence bucket: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordJoin marks an identity online and bumps its join count.
func (s *Store) RecordJoin(uid, nickname string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)

		record := models.PresenceRecord{UID: uid, FirstSeen: at}
		if data := b.Get([]byte(uid)); data != nil {
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("failed to unmarshal presence record %s: %w", uid, err)
			}
		}

		record.Nickname = nickname
		record.Online = true
		record.JoinCount++
		record.LastSeen = at

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal presence record: %w", err)
		}
		return b.Put([]byte(uid), data)
	})
}

// Touch marks an identity online without counting a join. Used for the
// roster walk on startup, where clients were already connected.
func (s *Store) Touch(uid, nickname string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)

		record := models.PresenceRecord{UID: uid, FirstSeen: at}
		if data := b.Get([]byte(uid)); data != nil {
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("failed to unmarshal presence record %s: %w", uid, err)
			}
		}

		record.Nickname = nickname
		record.Online = true
		record.LastSeen = at

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal presence record: %w", err)
		}
		return b.Put([]byte(uid), data)
	})
}

// RecordLeave marks an identity offline. Unknown identities are
// ignored: a leave for a client the bot never saw join carries no
// useful state.
func (s *Store) RecordLeave(uid string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)

		data := b.Get([]byte(uid))
		if data == nil {
			return nil
		}

		var record models.PresenceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to unmarshal presence record %s: %w", uid, err)
		}

		record.Online = false
		record.LastSeen = at

		updated, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal presence record: %w", err)
		}
		return b.Put([]byte(uid), updated)
	})
}

// Get returns the presence record of a single identity.
func (s *Store) Get(uid string) (*models.PresenceRecord, error) {
	var record models.PresenceRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPresence).Get([]byte(uid))
		if data == nil {
			return ErrNotSeen
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// List returns all presence records.
func (s *Store) List() ([]models.PresenceRecord, error) {
	var records []models.PresenceRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).ForEach(func(k, v []byte) error {
			var record models.PresenceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal presence record %s: %w", k, err)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// MarkAllOffline clears the online flag of every record. Called on
// startup before the roster walk so stale online flags from a crash do
// not linger.
func (s *Store) MarkAllOffline() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)

		// Collect first: putting while iterating the same bucket is
		// not allowed.
		updates := make(map[string][]byte)
		err := b.ForEach(func(k, v []byte) error {
			var record models.PresenceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal presence record %s: %w", k, err)
			}
			if !record.Online {
				return nil
			}

			record.Online = false
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}

		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}
