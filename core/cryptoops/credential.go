// Package cryptoops implements the whisperlink message cipher suite:
// ed25519 for signatures, X25519 for key agreement, HKDF-SHA256 for key
// derivation and ChaCha20-Poly1305 for payload encryption. User IDs are
// derived from signing public keys, never chosen by peers.
package cryptoops

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SeedSize is the stored length of each private key seed.
const SeedSize = 32

// Credential bundles a peer's long-lived key material: an ed25519 signing
// keypair and an X25519 agreement keypair. The two keys are independent;
// there is no ed25519-to-X25519 conversion.
type Credential struct {
	signingPrivate ed25519.PrivateKey
	signingPublic  ed25519.PublicKey

	agreementPrivate *ecdh.PrivateKey
	agreementPublic  *ecdh.PublicKey

	userID string
}

// NewCredential generates a fresh random credential.
func NewCredential() (*Credential, error) {
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoops: generate signing key: %w", err)
	}
	agreement, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoops: generate agreement key: %w", err)
	}
	return newCredential(signing, agreement)
}

// CredentialFromSeeds rebuilds a credential from the two 32-byte seeds held
// in a key vault.
func CredentialFromSeeds(signingSeed, agreementSeed []byte) (*Credential, error) {
	if len(signingSeed) != SeedSize {
		return nil, errors.New("cryptoops: invalid signing seed length")
	}
	if len(agreementSeed) != SeedSize {
		return nil, errors.New("cryptoops: invalid agreement seed length")
	}
	signing := ed25519.NewKeyFromSeed(signingSeed)
	agreement, err := ecdh.X25519().NewPrivateKey(agreementSeed)
	if err != nil {
		return nil, fmt.Errorf("cryptoops: invalid agreement seed: %w", err)
	}
	return newCredential(signing, agreement)
}

func newCredential(signing ed25519.PrivateKey, agreement *ecdh.PrivateKey) (*Credential, error) {
	pub, ok := signing.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("cryptoops: signing key has no ed25519 public key")
	}
	return &Credential{
		signingPrivate:   signing,
		signingPublic:    pub,
		agreementPrivate: agreement,
		agreementPublic:  agreement.PublicKey(),
		userID:           DeriveUserID(pub),
	}, nil
}

// UserID returns the identifier derived from the signing public key.
func (c *Credential) UserID() string {
	return c.userID
}

// SigningPublic returns a copy of the 32-byte ed25519 public key.
func (c *Credential) SigningPublic() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), c.signingPublic...)
}

// AgreementPublic returns the X25519 public key.
func (c *Credential) AgreementPublic() *ecdh.PublicKey {
	return c.agreementPublic
}

// AgreementPublicBytes returns a copy of the 32-byte X25519 public key.
func (c *Credential) AgreementPublicBytes() []byte {
	return append([]byte(nil), c.agreementPublic.Bytes()...)
}

// SigningSeed exports the 32-byte signing seed for vault storage.
func (c *Credential) SigningSeed() []byte {
	return append([]byte(nil), c.signingPrivate.Seed()...)
}

// AgreementSeed exports the 32-byte agreement private key for vault storage.
func (c *Credential) AgreementSeed() []byte {
	return append([]byte(nil), c.agreementPrivate.Bytes()...)
}

// Sign returns a detached ed25519 signature over data.
func (c *Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.signingPrivate, data)
}

// Verify checks a detached signature against this credential's signing key.
func (c *Credential) Verify(data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(c.signingPublic, data, sig)
}
