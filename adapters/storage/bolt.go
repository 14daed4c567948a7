package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

var (
	conversationsBucket = []byte("conversations")
	favoritesBucket     = []byte("favorites")
)

// BoltBackend stores the same per-user documents as FileBackend, as values keyed by user id
// in a single bbolt database.
type BoltBackend struct {
	db *bolt.DB
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, favoritesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func (b *BoltBackend) LoadConversations(_ context.Context, userID string) (map[string][]domain.Message, error) {
	conversations := map[string][]domain.Message{}
	if err := b.get(conversationsBucket, userID, &conversations); err != nil {
		return nil, err
	}
	if conversations == nil {
		conversations = map[string][]domain.Message{}
	}
	return conversations, nil
}

func (b *BoltBackend) SaveConversations(_ context.Context, userID string, conversations map[string][]domain.Message) error {
	return b.put(conversationsBucket, userID, conversations)
}

func (b *BoltBackend) LoadFavorites(_ context.Context, userID string) ([]string, error) {
	var favorites []string
	if err := b.get(favoritesBucket, userID, &favorites); err != nil {
		return nil, err
	}
	return favorites, nil
}

func (b *BoltBackend) SaveFavorites(_ context.Context, userID string, favorites []string) error {
	if favorites == nil {
		favorites = []string{}
	}
	return b.put(favoritesBucket, userID, favorites)
}

func (b *BoltBackend) get(bucket []byte, userID string, v any) error {
	return b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(userID))
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: %s/%s: %v", domain.ErrStoreUnreadable, bucket, userID, err)
		}
		return nil
	})
}

func (b *BoltBackend) put(bucket []byte, userID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", bucket, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(userID), data)
	})
}
