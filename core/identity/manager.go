package identity

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/whisperlink/core/cryptoops"
)

// Vault keys for the persisted identity blobs. Private keys are stored as
// 32-byte seeds; the public halves are stored alongside them and re-checked
// against the seeds on every load.
const (
	keyUserID           = "identity/user_id"
	keySigningPrivate   = "identity/signing_private"
	keySigningPublic    = "identity/signing_public"
	keyAgreementPrivate = "identity/agreement_private"
	keyAgreementPublic  = "identity/agreement_public"
)

// ErrNoIdentity is returned by Current before EnsureIdentity has run.
var ErrNoIdentity = errors.New("identity: no identity loaded")

// VaultError classifies storage faults separately from crypto faults so
// callers can trigger the wipe-and-regenerate path.
type VaultError struct {
	Op  string
	Err error
}

func (e *VaultError) Error() string {
	return fmt.Sprintf("identity: vault %s: %v", e.Op, e.Err)
}

func (e *VaultError) Unwrap() error { return e.Err }

// Manager owns the local credential lifecycle on top of a Vault.
type Manager struct {
	vault Vault

	mu     sync.Mutex
	cred   *cryptoops.Credential
	userID string
}

// NewManager wraps a vault. The credential is not loaded until
// EnsureIdentity.
func NewManager(vault Vault) *Manager {
	return &Manager{vault: vault}
}

// HasIdentity reports whether the vault holds a complete, consistent
// identity: all five blobs present, seeds of correct length, public keys
// matching their seeds, and the stored user ID matching the one derived from
// the signing key. Partial or corrupt state reports false.
func (m *Manager) HasIdentity() (bool, error) {
	_, _, err := m.load()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errAbsent), errors.Is(err, errCorrupt):
		return false, nil
	default:
		return false, err
	}
}

// EnsureIdentity loads the stored identity or creates one. Corrupt or
// partial vault state is wiped and replaced with a fresh identity rather
// than surfaced; the peer heals itself at the cost of a new user ID.
func (m *Manager) EnsureIdentity() (*cryptoops.Credential, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred != nil {
		return m.cred, m.userID, nil
	}

	cred, userID, err := m.load()
	switch {
	case err == nil:
		m.cred, m.userID = cred, userID
		log.Debug().Str("userId", userID).Msg("[Identity] loaded identity from vault")
		return cred, userID, nil
	case errors.Is(err, errCorrupt):
		log.Warn().Err(err).Msg("[Identity] vault state corrupt, regenerating identity")
		if err := m.wipe(); err != nil {
			return nil, "", err
		}
	case errors.Is(err, errAbsent):
		// first run
	default:
		return nil, "", err
	}

	cred, err = cryptoops.NewCredential()
	if err != nil {
		return nil, "", err
	}
	if err := m.persist(cred); err != nil {
		return nil, "", err
	}
	m.cred, m.userID = cred, cred.UserID()
	log.Info().Str("userId", m.userID).Msg("[Identity] generated new identity")
	return m.cred, m.userID, nil
}

// DeleteIdentity removes the identity from the vault and drops the cached
// credential. Absent keys are not an error.
func (m *Manager) DeleteIdentity() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.wipe(); err != nil {
		return err
	}
	m.cred, m.userID = nil, ""
	return nil
}

// Current returns the cached credential loaded by EnsureIdentity.
func (m *Manager) Current() (*cryptoops.Credential, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, "", ErrNoIdentity
	}
	return m.cred, m.userID, nil
}

var (
	errAbsent  = errors.New("identity: vault holds no identity")
	errCorrupt = errors.New("identity: vault identity is corrupt")
)

var identityKeys = []string{
	keyUserID,
	keySigningPrivate,
	keySigningPublic,
	keyAgreementPrivate,
	keyAgreementPublic,
}

func (m *Manager) load() (*cryptoops.Credential, string, error) {
	blobs := make(map[string][]byte, len(identityKeys))
	missing := 0
	for _, key := range identityKeys {
		val, err := m.vault.Get(key)
		switch {
		case err == nil:
			blobs[key] = val
		case errors.Is(err, ErrNotFound):
			missing++
		default:
			return nil, "", &VaultError{Op: "load", Err: err}
		}
	}
	switch missing {
	case 0:
		// fall through to decode
	case len(identityKeys):
		return nil, "", errAbsent
	default:
		return nil, "", fmt.Errorf("%w: %d of %d blobs missing", errCorrupt, missing, len(identityKeys))
	}

	cred, err := cryptoops.CredentialFromSeeds(blobs[keySigningPrivate], blobs[keyAgreementPrivate])
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if !bytes.Equal(blobs[keySigningPublic], cred.SigningPublic()) {
		return nil, "", fmt.Errorf("%w: stored signing public key does not match private key", errCorrupt)
	}
	if !bytes.Equal(blobs[keyAgreementPublic], cred.AgreementPublicBytes()) {
		return nil, "", fmt.Errorf("%w: stored agreement public key does not match private key", errCorrupt)
	}
	if cred.UserID() != string(blobs[keyUserID]) {
		return nil, "", fmt.Errorf("%w: stored user ID %q does not match derived %q",
			errCorrupt, blobs[keyUserID], cred.UserID())
	}
	return cred, cred.UserID(), nil
}

func (m *Manager) persist(cred *cryptoops.Credential) error {
	puts := []struct {
		key string
		val []byte
	}{
		{keySigningPrivate, cred.SigningSeed()},
		{keySigningPublic, cred.SigningPublic()},
		{keyAgreementPrivate, cred.AgreementSeed()},
		{keyAgreementPublic, cred.AgreementPublicBytes()},
		{keyUserID, []byte(cred.UserID())},
	}
	for _, p := range puts {
		if err := m.vault.Put(p.key, p.val); err != nil {
			return &VaultError{Op: "persist", Err: err}
		}
	}
	return nil
}

func (m *Manager) wipe() error {
	for _, key := range identityKeys {
		if err := m.vault.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
			return &VaultError{Op: "wipe", Err: err}
		}
	}
	return nil
}
