// Package store is the client's local durable state: the saved credential
// pair and the small resumable app state (picked assistant, last open topic),
// both in a single bbolt database under the app directory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"egpt/internal/types"
)

var (
	bucketCredential = []byte("credential")
	bucketAppState   = []byte("app_state")
	keyCredential    = []byte("current")
	keyAppState      = []byte("state")
)

var ErrCredentialNotFound = errors.New("credential not found")

// AppState is what survives a restart besides the credential.
type AppState struct {
	ActiveAssistant types.AssistantType `json:"active_assistant,omitempty"`
	ActiveTopicID   int64               `json:"active_topic_id,omitempty"`
}

type CredentialStore interface {
	Load(ctx context.Context) (*types.Credential, bool, error)
	Save(ctx context.Context, credential *types.Credential) error
	Delete(ctx context.Context) error
}

type AppStateStore interface {
	Load(ctx context.Context) (*AppState, error)
	Save(ctx context.Context, state *AppState) error
}

type Repository interface {
	Credential() CredentialStore
	AppState() AppStateStore
	Close() error
}

type bboltRepository struct {
	db         *bolt.DB
	credential CredentialStore
	appState   AppStateStore
}

func NewBboltRepository(path string) (Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initBboltSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltRepository{
		db:         db,
		credential: &bboltCredentialStore{db: db},
		appState:   &bboltAppStateStore{db: db},
	}, nil
}

func (r *bboltRepository) Credential() CredentialStore {
	return r.credential
}

func (r *bboltRepository) AppState() AppStateStore {
	return r.appState
}

func (r *bboltRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func initBboltSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCredential); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAppState); err != nil {
			return err
		}
		return nil
	})
}

type bboltCredentialStore struct {
	db *bolt.DB
}

func (s *bboltCredentialStore) Load(ctx context.Context) (*types.Credential, bool, error) {
	var (
		out *types.Credential
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredential)
		if b == nil {
			return nil
		}
		raw := b.Get(keyCredential)
		if len(raw) == 0 {
			return nil
		}
		var credential types.Credential
		if err := json.Unmarshal(raw, &credential); err != nil {
			return err
		}
		out = &credential
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *bboltCredentialStore) Save(ctx context.Context, credential *types.Credential) error {
	if credential == nil || strings.TrimSpace(credential.AccessToken) == "" {
		return errors.New("credential requires an access token")
	}
	raw, err := json.Marshal(credential)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredential)
		if b == nil {
			return errors.New("credential bucket missing")
		}
		return b.Put(keyCredential, raw)
	})
}

func (s *bboltCredentialStore) Delete(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredential)
		if b == nil {
			return errors.New("credential bucket missing")
		}
		if b.Get(keyCredential) == nil {
			return ErrCredentialNotFound
		}
		return b.Delete(keyCredential)
	})
}

type bboltAppStateStore struct {
	db *bolt.DB
}

func (s *bboltAppStateStore) Load(ctx context.Context) (*AppState, error) {
	state := &AppState{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppState)
		if b == nil {
			return nil
		}
		raw := b.Get(keyAppState)
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *bboltAppStateStore) Save(ctx context.Context, state *AppState) error {
	if state == nil {
		return errors.New("state is required")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppState)
		if b == nil {
			return errors.New("app state bucket missing")
		}
		return b.Put(keyAppState, raw)
	})
}
