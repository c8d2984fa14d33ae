// Package marmot manages the lifecycle of end-to-end-encrypted group
// conversations: key package publication, group creation and membership
// changes with strict epoch bookkeeping, welcome admission, message
// protection, and epoch secret export. Network delivery and outer event
// signatures belong to the transport layer, not here.
package marmot

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parres-hq/marmot/internal/engine"
	"github.com/parres-hq/marmot/internal/store"
)

// Config describes one session: where its state lives and whose identity it
// operates as.
type Config struct {
	// StoragePath is the database directory. Empty means in-memory, which
	// is useful for tests only: nothing survives the process.
	StoragePath string
	// Identity is the local public key all operations act as.
	Identity PublicKey
	// Passphrase, when set with an on-disk StoragePath, encrypts the
	// database at rest.
	Passphrase string
	Logger     *logrus.Logger
}

// Session is a live handle on one identity's group state. All operations are
// serialized by one lock: commits must apply atomically against storage, and
// a coarse lock makes interleaved epoch transitions impossible by
// construction.
type Session struct {
	mu     sync.Mutex
	cfg    Config
	log    logrus.FieldLogger
	store  *store.Store
	closed bool
}

// The process-wide active session. Re-initializing replaces it after fully
// closing the prior storage handle, so two sessions never hold the same
// database path at once.
var (
	activeMu sync.Mutex
	active   *Session
)

// NewSession opens a session without touching the process-wide singleton.
// Embedders that can hold an explicit handle should prefer this over Init.
func NewSession(cfg Config) (*Session, error) {
	if _, err := ParsePublicKey(string(cfg.Identity)); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}

	st, err := store.Open(store.Options{
		Path:       cfg.StoragePath,
		Passphrase: cfg.Passphrase,
		Logger:     log,
	})
	if err != nil {
		return nil, storageErr(err)
	}

	s := &Session{
		cfg:   cfg,
		log:   log.WithField("identity", cfg.Identity),
		store: st,
	}
	s.log.Info("session initialized")
	return s, nil
}

// Init opens a session and installs it as the process-wide active one,
// tearing down any prior session first: the prior storage handle is fully
// closed before the new one opens, so the same path never has two writers.
// Returns ErrLockContention when another caller is mid-initialization; that
// is transient and retryable.
func Init(cfg Config) (*Session, error) {
	if !activeMu.TryLock() {
		return nil, ErrLockContention
	}
	defer activeMu.Unlock()

	if active != nil {
		if err := active.Close(); err != nil {
			return nil, err
		}
		active = nil
	}

	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	active = s
	return s, nil
}

// Active returns the process-wide session, or ErrNotInitialized.
func Active() (*Session, error) {
	if !activeMu.TryLock() {
		return nil, ErrLockContention
	}
	defer activeMu.Unlock()
	if active == nil {
		return nil, ErrNotInitialized
	}
	return active, nil
}

// Close releases the session's storage handle. The session is unusable
// afterwards; every later operation fails with ErrNotInitialized.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.store.Close(); err != nil {
		return storageErr(err)
	}
	s.log.Info("session closed")
	return nil
}

// checkOpen must be called with s.mu held.
func (s *Session) checkOpen() error {
	if s.closed {
		return ErrNotInitialized
	}
	return nil
}

// Identity returns the public key this session operates as.
func (s *Session) Identity() PublicKey {
	return s.cfg.Identity
}

// Ciphersuite returns the suite every group under this session uses.
func (s *Session) Ciphersuite() engine.CipherSuite {
	return engine.X25519_SHA256_AES128GCM
}

// Extensions returns the extension types this implementation negotiates.
func (s *Session) Extensions() []engine.ExtensionType {
	return append([]engine.ExtensionType(nil), engine.SupportedExtensions...)
}

func (s *Session) identityBytes() []byte {
	return s.cfg.Identity.Bytes()
}

func (s *Session) logGroup(groupID GroupID) logrus.FieldLogger {
	return s.log.WithField("group_id", groupID.String())
}
