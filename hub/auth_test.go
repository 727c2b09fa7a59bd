package hub

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/gosuda/whisperlink/wire"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func signedProof(priv ed25519.PrivateKey, at time.Time) (sigB64, ts string) {
	ts = wire.Timestamp(at)
	sig := ed25519.Sign(priv, []byte(ts))
	return base64.StdEncoding.EncodeToString(sig), ts
}

func TestVerifyAuthProof(t *testing.T) {
	pub, priv := testKeyPair(t)
	now := time.Now()
	window := 5 * time.Minute

	sig, ts := signedProof(priv, now.Add(-time.Minute))
	if err := verifyAuthProof(pub, sig, ts, window, now); err != nil {
		t.Fatalf("fresh proof rejected: %v", err)
	}

	// Right at the window edge is still acceptable.
	sig, ts = signedProof(priv, now.Add(-window))
	if err := verifyAuthProof(pub, sig, ts, window, now); err != nil {
		t.Errorf("edge proof rejected: %v", err)
	}

	sig, ts = signedProof(priv, now.Add(-window-time.Second))
	if err := verifyAuthProof(pub, sig, ts, window, now); !errors.Is(err, errAuthStale) {
		t.Errorf("stale proof err = %v, want errAuthStale", err)
	}

	sig, ts = signedProof(priv, now.Add(time.Minute))
	if err := verifyAuthProof(pub, sig, ts, window, now); !errors.Is(err, errAuthFuture) {
		t.Errorf("future proof err = %v, want errAuthFuture", err)
	}

	sig, _ = signedProof(priv, now)
	if err := verifyAuthProof(pub, sig, "yesterday", window, now); !errors.Is(err, errAuthBadTimestamp) {
		t.Errorf("garbage timestamp err = %v, want errAuthBadTimestamp", err)
	}

	// Signature over a different timestamp string must not verify.
	sig, _ = signedProof(priv, now.Add(-2*time.Minute))
	_, otherTS := signedProof(priv, now.Add(-time.Minute))
	if err := verifyAuthProof(pub, sig, otherTS, window, now); !errors.Is(err, errAuthBadSignature) {
		t.Errorf("mismatched signature err = %v, want errAuthBadSignature", err)
	}

	otherPub, _ := testKeyPair(t)
	sig, ts = signedProof(priv, now)
	if err := verifyAuthProof(otherPub, sig, ts, window, now); !errors.Is(err, errAuthBadSignature) {
		t.Errorf("wrong key err = %v, want errAuthBadSignature", err)
	}

	if err := verifyAuthProof(pub, "!!not-base64!!", ts, window, now); !errors.Is(err, errAuthBadSignature) {
		t.Errorf("bad base64 err = %v, want errAuthBadSignature", err)
	}
}

func TestValidateRegisterKeys(t *testing.T) {
	pub, _ := testKeyPair(t)
	xPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate x25519: %v", err)
	}

	signB64 := base64.StdEncoding.EncodeToString(pub)
	encB64 := base64.StdEncoding.EncodeToString(xPriv.PublicKey().Bytes())

	signing, agreement, err := validateRegisterKeys(signB64, encB64)
	if err != nil {
		t.Fatalf("valid keys rejected: %v", err)
	}
	if len(signing) != ed25519.PublicKeySize || len(agreement) != 32 {
		t.Errorf("key lengths = %d, %d", len(signing), len(agreement))
	}

	cases := map[string][2]string{
		"bad signing base64":    {"!!!", encB64},
		"bad encryption base64": {signB64, "!!!"},
		"short signing key":     {base64.StdEncoding.EncodeToString(pub[:16]), encB64},
		"short encryption key":  {signB64, base64.StdEncoding.EncodeToString(make([]byte, 16))},
	}
	for name, pair := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := validateRegisterKeys(pair[0], pair[1]); err == nil {
				t.Error("invalid keys accepted")
			}
		})
	}

	// A 32-byte blob that does not decompress to a curve point is rejected.
	bogus := make([]byte, ed25519.PublicKeySize)
	for i := range bogus {
		bogus[i] = 0xFF
	}
	if _, _, err := validateRegisterKeys(base64.StdEncoding.EncodeToString(bogus), encB64); err == nil {
		t.Error("non-canonical signing key accepted")
	}
}

func TestTokenIssuer(t *testing.T) {
	ti, err := newTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := ti.mint("ABCDEF0123456789")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	sub, err := ti.verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "ABCDEF0123456789" {
		t.Errorf("subject = %q", sub)
	}

	other, err := newTokenIssuer("other-secret", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	if _, err := other.verify(token); err == nil {
		t.Error("token verified under a different secret")
	}

	expired, err := newTokenIssuer("test-secret", -time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err = expired.mint("ABCDEF0123456789")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := expired.verify(token); err == nil {
		t.Error("expired token verified")
	}
}

func TestTokenIssuerRandomSecret(t *testing.T) {
	ti, err := newTokenIssuer("", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := ti.mint("ABCDEF0123456789")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ti.verify(token); err != nil {
		t.Errorf("verify under random secret: %v", err)
	}
}
