package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is a small encrypted-at-rest KV wrapper (Badger) for broker
// credentials. Encryption is provided by Badger options (value log + key
// registry), not by this wrapper.
type Store struct {
	db *badger.DB
}

// Well-known keys for Tradier credentials.
const (
	KeyAccessToken  = "tradier/access_token"
	KeyRefreshToken = "tradier/refresh_token"
	KeyAccountID    = "tradier/account_id"
)

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; if nil, DB is opened without encryption (not recommended)
	ReadOnly      bool
}

// ParseKey decodes a 32-byte encryption key given as base64 or hex.
// Empty input returns nil (no encryption).
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, errors.New("secretstore: key must be 32 bytes, base64 or hex encoded")
}

func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// Badger requires index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the value for key; found=false when the key is absent.
func (s *Store) Get(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("secretstore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return "", false, errors.New("secretstore: key is empty")
	}
	var out string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return out, found, nil
}

func (s *Store) Set(key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return errors.New("secretstore: key is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(value))
	})
}

func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(strings.TrimSpace(key)))
	})
}

// Tokens bundles the persisted Tradier credential material.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	AccountID    string
}

// LoadTokens reads all Tradier credential keys. Missing keys come back as
// empty strings; only storage errors are reported.
func (s *Store) LoadTokens() (Tokens, error) {
	var t Tokens
	var err error
	if t.AccessToken, _, err = s.Get(KeyAccessToken); err != nil {
		return t, err
	}
	if t.RefreshToken, _, err = s.Get(KeyRefreshToken); err != nil {
		return t, err
	}
	if t.AccountID, _, err = s.Get(KeyAccountID); err != nil {
		return t, err
	}
	return t, nil
}

// SaveTokens persists the credential material. Empty fields are skipped so a
// refresh that only rotates the access token does not wipe the rest.
func (s *Store) SaveTokens(t Tokens) error {
	if t.AccessToken != "" {
		if err := s.Set(KeyAccessToken, t.AccessToken); err != nil {
			return err
		}
	}
	if t.RefreshToken != "" {
		if err := s.Set(KeyRefreshToken, t.RefreshToken); err != nil {
			return err
		}
	}
	if t.AccountID != "" {
		if err := s.Set(KeyAccountID, t.AccountID); err != nil {
			return err
		}
	}
	return nil
}
