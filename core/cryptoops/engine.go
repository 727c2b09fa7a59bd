package cryptoops

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/gosuda/whisperlink/wire"
)

// UserIDLength is the number of hex characters in a derived user ID.
const UserIDLength = 16

// _kdfInfo domain-separates payload keys from any other use of the same
// agreement secret.
var _kdfInfo = []byte("WHISPERLINK_V1_PAYLOAD_KEY")

var _userIDRe = regexp.MustCompile(`^[0-9A-F]{16}$`)

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// IntegrityOK reports whether data hashes to expected.
func IntegrityOK(data, expected []byte) bool {
	return bytes.Equal(Hash(data), expected)
}

// DeriveUserID maps an ed25519 signing public key to its user ID: the first
// 16 hex characters of SHA-256(pubkey), uppercased. Every party derives IDs
// independently; the hub rejects self-assigned ones by construction.
func DeriveUserID(signingPublic ed25519.PublicKey) string {
	return strings.ToUpper(hex.EncodeToString(Hash(signingPublic)[:UserIDLength/2]))
}

// ValidUserID reports whether s has the shape of a derived user ID.
func ValidUserID(s string) bool {
	return _userIDRe.MatchString(s)
}

// Fingerprint returns a short hex digest of key material for log fields.
// Raw keys never appear in logs.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// SharedSecret derives the 32-byte payload key for a peer pair:
// HKDF-SHA256 over the raw X25519 agreement output. Both directions of a
// conversation derive the same key.
func SharedSecret(private *ecdh.PrivateKey, peerPublic *ecdh.PublicKey) ([]byte, error) {
	raw, err := private.ECDH(peerPublic)
	if err != nil {
		return nil, primitive("shared secret", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, _kdfInfo), key); err != nil {
		return nil, primitive("shared secret", err)
	}
	return key, nil
}

func agreementKey(peerAgreementPublic []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerAgreementPublic)
	if err != nil {
		return nil, invalidInput("peer agreement key", err)
	}
	return pub, nil
}

// Seal encrypts plaintext for the peer identified by its X25519 public key
// and signs the resulting ciphertext with the local signing key. A fresh
// random nonce is drawn per call; nonces are never reused. Empty plaintext
// is rejected.
func Seal(cred *Credential, peerAgreementPublic []byte, plaintext []byte) (*wire.Envelope, error) {
	if cred == nil {
		return nil, missingIdentity("seal", errors.New("no local credential"))
	}
	if len(plaintext) == 0 {
		return nil, invalidInput("seal", errors.New("empty plaintext"))
	}
	peerPub, err := agreementKey(peerAgreementPublic)
	if err != nil {
		return nil, err
	}
	key, err := SharedSecret(cred.agreementPrivate, peerPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, primitive("seal", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, primitive("seal", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-aead.Overhead()]
	mac := sealed[len(sealed)-aead.Overhead():]
	sig := cred.Sign(ct)

	return wire.NewEnvelope(ct, nonce, mac, sig), nil
}

// Open verifies and decrypts an inbound envelope from the peer identified by
// its signing and agreement public keys. The signature over the ciphertext
// is checked before decryption; any authentication failure is reported as
// ErrIntegrity with the cause deliberately withheld.
func Open(cred *Credential, peerAgreementPublic, peerSigningPublic []byte, env *wire.Envelope) ([]byte, error) {
	if cred == nil {
		return nil, missingIdentity("open", errors.New("no local credential"))
	}
	if env == nil {
		return nil, invalidInput("open", errors.New("nil envelope"))
	}
	if len(peerSigningPublic) != ed25519.PublicKeySize {
		return nil, invalidInput("open", fmt.Errorf("peer signing key: got %d bytes, want %d",
			len(peerSigningPublic), ed25519.PublicKeySize))
	}
	peerPub, err := agreementKey(peerAgreementPublic)
	if err != nil {
		return nil, err
	}

	ct, err := env.CiphertextBytes()
	if err != nil {
		return nil, invalidInput("open", err)
	}
	nonce, err := env.NonceBytes()
	if err != nil {
		return nil, invalidInput("open", err)
	}
	mac, err := env.MACBytes()
	if err != nil {
		return nil, invalidInput("open", err)
	}
	sig, err := env.SignatureBytes()
	if err != nil {
		return nil, invalidInput("open", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(peerSigningPublic), ct, sig) {
		return nil, ErrIntegrity
	}

	key, err := SharedSecret(cred.agreementPrivate, peerPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, primitive("open", err)
	}
	plaintext, err := aead.Open(nil, nonce, append(ct, mac...), nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// VerifyDetached checks a detached ed25519 signature, used for
// plaintext-fallback messages and hub auth proofs.
func VerifyDetached(signingPublic, data, sig []byte) bool {
	if len(signingPublic) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signingPublic), data, sig)
}

// SignTimestamp produces the auth proof: a detached signature over the exact
// timestamp string sent in the auth frame.
func SignTimestamp(cred *Credential, timestamp string) ([]byte, error) {
	if cred == nil {
		return nil, missingIdentity("sign timestamp", errors.New("no local credential"))
	}
	if timestamp == "" {
		return nil, invalidInput("sign timestamp", errors.New("empty timestamp"))
	}
	return cred.Sign([]byte(timestamp)), nil
}
