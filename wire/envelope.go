package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope byte lengths fixed by the cipher suite
// (ChaCha20-Poly1305 + ed25519).
const (
	NonceSize     = 12
	MACSize       = 16
	SignatureSize = 64
)

// Envelope is the encrypted payload format carried in Message.Content when
// Encrypted is true. All fields are standard base64. Signature covers the raw
// ciphertext bytes, not the plaintext.
type Envelope struct {
	EncryptedData string `json:"encryptedData"`
	Nonce         string `json:"nonce"`
	MAC           string `json:"mac"`
	Signature     string `json:"signature"`
}

// NewEnvelope encodes the raw crypto artifacts into a wire envelope.
func NewEnvelope(ciphertext, nonce, mac, signature []byte) *Envelope {
	return &Envelope{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		MAC:           base64.StdEncoding.EncodeToString(mac),
		Signature:     base64.StdEncoding.EncodeToString(signature),
	}
}

// ParseEnvelope decodes s as an envelope and validates field presence and
// decoded lengths. EncryptedData length is not constrained here; nonce, MAC
// and signature have fixed lengths.
func ParseEnvelope(s string) (*Envelope, error) {
	var probe struct {
		EncryptedData *string `json:"encryptedData"`
		Nonce         *string `json:"nonce"`
		MAC           *string `json:"mac"`
		Signature     *string `json:"signature"`
	}
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil, fmt.Errorf("wire: parse envelope: %w", err)
	}
	if probe.EncryptedData == nil || probe.Nonce == nil || probe.MAC == nil || probe.Signature == nil {
		return nil, fmt.Errorf("wire: parse envelope: missing field")
	}
	env := Envelope{
		EncryptedData: *probe.EncryptedData,
		Nonce:         *probe.Nonce,
		MAC:           *probe.MAC,
		Signature:     *probe.Signature,
	}
	if _, err := env.CiphertextBytes(); err != nil {
		return nil, err
	}
	if _, err := env.NonceBytes(); err != nil {
		return nil, err
	}
	if _, err := env.MACBytes(); err != nil {
		return nil, err
	}
	if _, err := env.SignatureBytes(); err != nil {
		return nil, err
	}
	return &env, nil
}

// IsEnvelope reports whether s parses as a complete, well-formed envelope.
// Used to distinguish encrypted payloads from plaintext-fallback content.
func IsEnvelope(s string) bool {
	if len(s) == 0 || s[0] != '{' {
		return false
	}
	_, err := ParseEnvelope(s)
	return err == nil
}

// Encode renders the envelope as the JSON text placed in Message.Content.
func (e *Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("wire: encode envelope: %w", err)
	}
	return string(b), nil
}

// CiphertextBytes returns the decoded ciphertext (excluding the MAC tag).
func (e *Envelope) CiphertextBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("wire: envelope ciphertext: %w", err)
	}
	return b, nil
}

// NonceBytes returns the decoded 12-byte nonce.
func (e *Envelope) NonceBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("wire: envelope nonce: %w", err)
	}
	if len(b) != NonceSize {
		return nil, fmt.Errorf("wire: envelope nonce: got %d bytes, want %d", len(b), NonceSize)
	}
	return b, nil
}

// MACBytes returns the decoded 16-byte authentication tag.
func (e *Envelope) MACBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.MAC)
	if err != nil {
		return nil, fmt.Errorf("wire: envelope mac: %w", err)
	}
	if len(b) != MACSize {
		return nil, fmt.Errorf("wire: envelope mac: got %d bytes, want %d", len(b), MACSize)
	}
	return b, nil
}

// SignatureBytes returns the decoded 64-byte ed25519 signature.
func (e *Envelope) SignatureBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return nil, fmt.Errorf("wire: envelope signature: %w", err)
	}
	if len(b) != SignatureSize {
		return nil, fmt.Errorf("wire: envelope signature: got %d bytes, want %d", len(b), SignatureSize)
	}
	return b, nil
}
