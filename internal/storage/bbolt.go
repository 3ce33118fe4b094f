// Package storage persists client state that must survive a restart: the
// outbox of frames queued while offline and known sender profiles.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"palaver/internal/metrics"
	"palaver/internal/models"
)

var (
	bucketOutbox   = []byte("outbox")
	bucketProfiles = []byte("profiles")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOutbox); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketProfiles); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &BboltStorage{db: db}
	if n, err := s.Len(); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
	return s, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Push appends env to the outbox.
func (s *BboltStorage) Push(env models.Envelope) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		dbEnv := &DBEnvelope{
			Seq:      seq,
			Type:     env.Type,
			Data:     env.Data,
			QueuedAt: time.Now().UnixMilli(),
		}
		data, err := dbEnv.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		return b.Put(dbEnv.Key(), data)
	})
	if err != nil {
		return fmt.Errorf("failed to queue %s: %w", env.Type, err)
	}
	if n, err := s.Len(); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
	return nil
}

// Drain hands queued frames to send oldest first. A frame is removed only
// after send accepts it; the first error stops the drain and leaves that
// frame queued. It returns the number of frames sent.
func (s *BboltStorage) Drain(send func(models.Envelope) error) (int, error) {
	sent := 0
	defer func() {
		if n, err := s.Len(); err == nil {
			metrics.OutboxDepth.Set(float64(n))
		}
	}()

	for {
		var head *DBEnvelope
		err := s.db.View(func(tx *bbolt.Tx) error {
			k, v := tx.Bucket(bucketOutbox).Cursor().First()
			if k == nil {
				return nil
			}
			head = &DBEnvelope{}
			return head.UnmarshalBinary(v)
		})
		if err != nil {
			return sent, fmt.Errorf("failed to read outbox: %w", err)
		}
		if head == nil {
			return sent, nil
		}

		if err := send(models.Envelope{Type: head.Type, Data: head.Data}); err != nil {
			return sent, err
		}
		sent++

		err = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketOutbox).Delete(head.Key())
		})
		if err != nil {
			return sent, fmt.Errorf("failed to remove sent frame: %w", err)
		}
	}
}

// Len returns the number of queued frames.
func (s *BboltStorage) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// UpsertProfile stores a sender profile.
func (s *BboltStorage) UpsertProfile(p models.Profile) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbProfile := &DBProfile{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
		}
		data, err := dbProfile.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProfiles).Put(dbProfile.Key(), data)
	})
}

// ListProfiles returns every stored profile.
func (s *BboltStorage) ListProfiles() ([]models.Profile, error) {
	var profiles []models.Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			var dbProfile DBProfile
			if err := dbProfile.UnmarshalBinary(v); err != nil {
				return err
			}
			profiles = append(profiles, models.Profile{
				ID:          dbProfile.ID,
				DisplayName: dbProfile.DisplayName,
				AvatarURL:   dbProfile.AvatarURL,
			})
			return nil
		})
	})
	return profiles, err
}
