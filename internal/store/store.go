// Package store persists group state and key package material in BadgerDB.
// All secret-bearing blobs live inside the database; when a passphrase is
// configured the database itself is encrypted at rest with a scrypt-derived
// key.
package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

const (
	prefixGroup      = "group:"
	prefixKeyPackage = "keypkg:"
	prefixConsumed   = "consumed:"
	prefixWelcome    = "welcome:"

	saltFile = "storage.salt"
	saltSize = 16
)

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

// Options configures a Store. An empty Path opens an in-memory database;
// Passphrase enables encryption at rest and is only honored for on-disk
// databases.
type Options struct {
	Path       string
	Passphrase string
	Logger     *logrus.Logger
}

// Store is a thin keyspace layer over one Badger database.
type Store struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// Open opens (creating if needed) the database described by opts.
func Open(opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}

	var badgerOpts badger.Options
	if opts.Path == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
		badgerOpts = badger.DefaultOptions(opts.Path)
		if opts.Passphrase != "" {
			key, err := deriveStorageKey(opts.Path, opts.Passphrase)
			if err != nil {
				return nil, err
			}
			// Badger requires an index cache when encryption is on.
			badgerOpts = badgerOpts.
				WithEncryptionKey(key).
				WithIndexCacheSize(16 << 20)
		}
	}
	badgerOpts = badgerOpts.WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"path":      opts.Path,
		"in_memory": opts.Path == "",
		"encrypted": opts.Path != "" && opts.Passphrase != "",
	}).Debug("storage opened")

	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// deriveStorageKey stretches the passphrase with a per-database random salt.
// The salt lives in a plain file next to the database; it is not secret.
func deriveStorageKey(dir, passphrase string) ([]byte, error) {
	saltPath := filepath.Join(dir, saltFile)
	salt, err := os.ReadFile(saltPath)
	if errors.Is(err, os.ErrNotExist) {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("store: salt generation: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("store: salt write: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("store: salt read: %w", err)
	}

	N, r, p := scryptParamsDefault()
	key, err := scrypt.Key([]byte(passphrase), salt, N, r, p, 32)
	if err != nil {
		return nil, fmt.Errorf("store: key derivation: %w", err)
	}
	return key, nil
}

func groupKey(groupID []byte) []byte {
	return append([]byte(prefixGroup), fmt.Sprintf("%x", groupID)...)
}

func keyPackageKey(ref []byte) []byte {
	return append([]byte(prefixKeyPackage), fmt.Sprintf("%x", ref)...)
}

func consumedKey(ref []byte) []byte {
	return append([]byte(prefixConsumed), fmt.Sprintf("%x", ref)...)
}

func welcomeKey(wrapperID []byte) []byte {
	return append([]byte(prefixWelcome), fmt.Sprintf("%x", wrapperID)...)
}

func (s *Store) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *Store) has(key []byte) (bool, error) {
	_, err := s.get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) scan(prefix string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		it := txn.NewIterator(options)
		defer it.Close()

		pfx := []byte(prefix)
		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, value)
		}
		return nil
	})
	return out, err
}

///
/// Groups
///

// SaveGroup stores the serialized state for one group, replacing any prior
// snapshot.
func (s *Store) SaveGroup(groupID, snapshot []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(groupKey(groupID), snapshot)
	})
}

func (s *Store) LoadGroup(groupID []byte) ([]byte, error) {
	return s.get(groupKey(groupID))
}

func (s *Store) ListGroups() ([][]byte, error) {
	return s.scan(prefixGroup)
}

func (s *Store) DeleteGroup(groupID []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(groupKey(groupID))
	})
}

///
/// Key packages
///

// SaveKeyPackage stores an owned key package blob under its ref.
func (s *Store) SaveKeyPackage(ref, blob []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyPackageKey(ref), blob)
	})
}

func (s *Store) LoadKeyPackage(ref []byte) ([]byte, error) {
	return s.get(keyPackageKey(ref))
}

func (s *Store) ListKeyPackages() ([][]byte, error) {
	return s.scan(prefixKeyPackage)
}

func (s *Store) DeleteKeyPackage(ref []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyPackageKey(ref))
	})
}

// MarkConsumed records that a foreign key package ref has been admitted to a
// group, so a second admission can be refused.
func (s *Store) MarkConsumed(ref []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(consumedKey(ref), []byte{1})
	})
}

func (s *Store) IsConsumed(ref []byte) (bool, error) {
	return s.has(consumedKey(ref))
}

///
/// Welcomes
///

// MarkWelcomeProcessed records which group a welcome wrapper resolved to.
func (s *Store) MarkWelcomeProcessed(wrapperID, groupID []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(welcomeKey(wrapperID), groupID)
	})
}

// WelcomeGroup returns the group id a processed wrapper resolved to, or
// ErrNotFound when the wrapper has not been processed.
func (s *Store) WelcomeGroup(wrapperID []byte) ([]byte, error) {
	return s.get(welcomeKey(wrapperID))
}

///
/// Compound transactions
///

// SaveGroupConsuming atomically stores a group snapshot and marks the given
// foreign key package refs consumed. Used on group creation and on commits
// that add members.
func (s *Store) SaveGroupConsuming(groupID, snapshot []byte, refs [][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(groupKey(groupID), snapshot); err != nil {
			return err
		}
		for _, ref := range refs {
			if err := txn.Set(consumedKey(ref), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompleteJoin atomically stores the joined group, deletes the own key
// package the welcome consumed, and marks the welcome wrapper processed.
// Either every effect of the join lands or none does.
func (s *Store) CompleteJoin(groupID, snapshot, consumedRef, wrapperID []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(groupKey(groupID), snapshot); err != nil {
			return err
		}
		if err := txn.Delete(keyPackageKey(consumedRef)); err != nil {
			return err
		}
		return txn.Set(welcomeKey(wrapperID), groupID)
	})
}
