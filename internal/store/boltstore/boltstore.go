// Package boltstore is the embedded single-file backend used when no
// Postgres URL is configured. It offers the same operations as store.Store.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/credits"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
)

var (
	bucketConversations = []byte("conversations")
	bucketVersions      = []byte("file_versions")
	bucketCredits       = []byte("user_credits")
)

// Store keeps every record as a JSON value in one bbolt file.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketVersions, bucketCredits} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateConversation(_ context.Context, c *store.Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	normalize(c)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if b.Get(c.ID[:]) != nil {
			return fmt.Errorf("conversation %s already exists", c.ID)
		}
		return putJSON(b, c.ID[:], c)
	})
}

func (s *Store) UpdateConversation(_ context.Context, c *store.Conversation) error {
	normalize(c)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		var existing store.Conversation
		if err := getJSON(b, c.ID[:], &existing); err != nil {
			return err
		}
		existing.ProjectLabel = c.ProjectLabel
		existing.Messages = c.Messages
		existing.Files = c.Files
		existing.UpdatedAt = s.now().UTC()
		c.OwnerID, c.CreatedAt, c.UpdatedAt = existing.OwnerID, existing.CreatedAt, existing.UpdatedAt
		return putJSON(b, c.ID[:], &existing)
	})
}

func (s *Store) GetConversation(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	var c store.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketConversations), id[:], &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendFileVersion assigns 1 + max inside a single write transaction;
// bbolt serialises writers, so numbers never collide.
func (s *Store) AppendFileVersion(_ context.Context, conversationID uuid.UUID, fileName, content string) (*store.FileVersion, error) {
	v := &store.FileVersion{
		ID:             uuid.New(),
		ConversationID: conversationID,
		FileName:       fileName,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConversations).Get(conversationID[:]) == nil {
			return store.ErrNotFound
		}
		b := tx.Bucket(bucketVersions)
		prefix := versionPrefix(conversationID, fileName)

		latest := 0
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if n := int(binary.BigEndian.Uint32(k[len(prefix):])); n > latest {
				latest = n
			}
		}
		v.VersionNumber = latest + 1
		return putJSON(b, versionKey(conversationID, fileName, v.VersionNumber), v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListFileVersions returns every version of fileName, newest first.
func (s *Store) ListFileVersions(_ context.Context, conversationID uuid.UUID, fileName string) ([]store.FileVersion, error) {
	var out []store.FileVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := versionPrefix(conversationID, fileName)
		c := tx.Bucket(bucketVersions).Cursor()
		for k, raw := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, raw = c.Next() {
			var v store.FileVersion
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode file version: %w", err)
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (s *Store) GetFileVersion(_ context.Context, conversationID uuid.UUID, fileName string, number int) (*store.FileVersion, error) {
	var v store.FileVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketVersions), versionKey(conversationID, fileName, number), &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) EnsureCredits(_ context.Context, ownerID string) (credits.Balance, error) {
	var out credits.Balance
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredits)
		now := s.now().UTC()

		var bal credits.Balance
		switch err := getJSON(b, []byte(ownerID), &bal); err {
		case nil:
			refreshed, changed := credits.Refresh(bal, now)
			out = refreshed
			if !changed {
				return nil
			}
		case store.ErrNotFound:
			out = credits.New(ownerID, now)
		default:
			return err
		}
		return putJSON(b, []byte(ownerID), out)
	})
	return out, err
}

func (s *Store) ConsumeCredit(_ context.Context, ownerID string) (int, error) {
	var remaining int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredits)
		var bal credits.Balance
		if err := getJSON(b, []byte(ownerID), &bal); err == store.ErrNotFound {
			return store.ErrNoCredits
		} else if err != nil {
			return err
		}
		if bal.Exhausted() {
			return store.ErrNoCredits
		}
		bal.Remaining--
		remaining = bal.Remaining
		return putJSON(b, []byte(ownerID), bal)
	})
	return remaining, err
}

func (s *Store) Credits(_ context.Context, ownerID string) (credits.Balance, error) {
	var bal credits.Balance
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCredits), []byte(ownerID), &bal)
	})
	return bal, err
}

func normalize(c *store.Conversation) {
	if c.Messages == nil {
		c.Messages = chat.Transcript{}
	}
	if c.Files == nil {
		c.Files = map[string]string{}
	}
}

func versionPrefix(conversationID uuid.UUID, fileName string) []byte {
	key := make([]byte, 0, len(conversationID)+len(fileName)+1)
	key = append(key, conversationID[:]...)
	key = append(key, fileName...)
	return append(key, 0)
}

func versionKey(conversationID uuid.UUID, fileName string, number int) []byte {
	return binary.BigEndian.AppendUint32(versionPrefix(conversationID, fileName), uint32(number))
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, enc)
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return store.ErrNotFound
	}
	return json.Unmarshal(raw, v)
}
