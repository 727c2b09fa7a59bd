package hub

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"filippo.io/edwards25519"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gosuda/whisperlink/core/cryptoops"
	"github.com/gosuda/whisperlink/wire"
)

var (
	errAuthBadTimestamp = errors.New("unparseable auth timestamp")
	errAuthStale        = errors.New("auth timestamp too old")
	errAuthFuture       = errors.New("auth timestamp in the future")
	errAuthBadSignature = errors.New("auth signature invalid")
)

// verifyAuthProof checks the signed-timestamp challenge that binds a
// connection to a registered identity. The signature must cover the exact
// timestamp string from the frame, and the timestamp must not be older than
// window or dated in the future.
func verifyAuthProof(signingKey []byte, sigB64, tsStr string, window time.Duration, now time.Time) error {
	ts, err := wire.ParseTimestamp(tsStr)
	if err != nil {
		return errAuthBadTimestamp
	}
	age := now.Sub(ts)
	if age < 0 {
		return errAuthFuture
	}
	if age > window {
		return errAuthStale
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errAuthBadSignature
	}
	if !cryptoops.VerifyDetached(signingKey, []byte(tsStr), sig) {
		return errAuthBadSignature
	}
	return nil
}

// validateRegisterKeys decodes and sanity-checks the two public keys from a
// register frame. The signing key must decompress to a valid edwards25519
// point; the encryption key must be a well-formed X25519 public key.
func validateRegisterKeys(signingB64, encryptionB64 string) (signingKey, agreementKey []byte, err error) {
	signingKey, err = base64.StdEncoding.DecodeString(signingB64)
	if err != nil {
		return nil, nil, fmt.Errorf("signing key: %w", err)
	}
	if _, err = new(edwards25519.Point).SetBytes(signingKey); err != nil {
		return nil, nil, fmt.Errorf("signing key: %w", err)
	}

	agreementKey, err = base64.StdEncoding.DecodeString(encryptionB64)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption key: %w", err)
	}
	if _, err = ecdh.X25519().NewPublicKey(agreementKey); err != nil {
		return nil, nil, fmt.Errorf("encryption key: %w", err)
	}
	return signingKey, agreementKey, nil
}

// tokenIssuer mints the informational session tokens returned on
// auth_success. Tokens are not required for any hub operation; they exist so
// external services can check that a user completed the challenge recently.
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

const tokenIssuerName = "whisperlink-hub"

func newTokenIssuer(secret string, ttl time.Duration) (*tokenIssuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return &tokenIssuer{secret: key, ttl: ttl}, nil
}

func (ti *tokenIssuer) mint(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iss": tokenIssuerName,
		"iat": now.Unix(),
		"exp": now.Add(ti.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
}

func (ti *tokenIssuer) verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("token missing subject")
	}
	return sub, nil
}
