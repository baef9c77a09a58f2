package services

import (
	"context"
	"fmt"
	"time"

	"github.com/MegaGrindStone/tc-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the transcript store using a BoltDB backend. The transcript and the settings are kept as
// two JSON records of the state bucket, each write replaces its record inside one transaction, so readers
// never observe a partial write.
type BoltDB struct {
	db *bolt.DB
}

var (
	stateBucket   = []byte("state")
	secretsBucket = []byte("secrets")

	transcriptKey = []byte("transcript")
	settingsKey   = []byte("settings")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database with
// required buckets and returns an error if the database cannot be opened or initialized. The database file
// is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{stateBucket, secretsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// LoadTranscript returns the stored transcript, or an empty one if nothing was saved yet.
func (b BoltDB) LoadTranscript(context.Context) (models.Transcript, error) {
	data, err := b.get(stateBucket, transcriptKey)
	if err != nil {
		return models.Transcript{}, err
	}
	return models.DecodeTranscript(data)
}

// SaveTranscript replaces the stored transcript. Failures wrap models.ErrPersistence.
func (b BoltDB) SaveTranscript(_ context.Context, transcript models.Transcript) error {
	v, err := models.EncodeTranscript(transcript)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal transcript: %w", models.ErrPersistence, err)
	}
	return b.put(stateBucket, transcriptKey, v)
}

// LoadSettings returns the stored settings, or zero settings if nothing was saved yet.
func (b BoltDB) LoadSettings(context.Context) (models.Settings, error) {
	data, err := b.get(stateBucket, settingsKey)
	if err != nil {
		return models.Settings{}, err
	}
	return models.DecodeSettings(data)
}

// SaveSettings replaces the stored settings. Failures wrap models.ErrPersistence.
func (b BoltDB) SaveSettings(_ context.Context, settings models.Settings) error {
	v, err := models.EncodeSettings(settings)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal settings: %w", models.ErrPersistence, err)
	}
	return b.put(stateBucket, settingsKey, v)
}

func (b BoltDB) get(bucket, key []byte) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}
		// Values are only valid inside the transaction.
		if v := bk.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (b BoltDB) put(bucket, key, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return bk.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to write %s/%s: %w", models.ErrPersistence, bucket, key, err)
	}
	return nil
}

func (b BoltDB) remove(bucket, key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}
		return bk.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete %s/%s: %w", models.ErrPersistence, bucket, key, err)
	}
	return nil
}
