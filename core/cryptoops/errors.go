package cryptoops

import "errors"

// Kind classifies a crypto failure so callers can decide between rejecting
// input, repairing identity state or dropping a payload.
type Kind int

const (
	// KindInvalidInput marks malformed caller input: wrong key or nonce
	// lengths, undecodable envelopes.
	KindInvalidInput Kind = iota + 1
	// KindMissingIdentity marks operations attempted without the required
	// local or peer key material.
	KindMissingIdentity
	// KindPrimitive marks unexpected failures inside a crypto primitive.
	KindPrimitive
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindMissingIdentity:
		return "missing_identity"
	case KindPrimitive:
		return "primitive"
	default:
		return "unknown"
	}
}

// ErrIntegrity reports that an inbound payload failed authentication: a bad
// signature, a bad AEAD tag or a tampered ciphertext. The causes are
// deliberately indistinguishable.
var ErrIntegrity = errors.New("cryptoops: payload integrity check failed")

// Error is a classified crypto failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "cryptoops: " + e.Op + ": " + e.Kind.String()
	}
	return "cryptoops: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a cryptoops Error of the given kind.
func IsKind(err error, k Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == k
}

func invalidInput(op string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: err}
}

func missingIdentity(op string, err error) *Error {
	return &Error{Kind: KindMissingIdentity, Op: op, Err: err}
}

func primitive(op string, err error) *Error {
	return &Error{Kind: KindPrimitive, Op: op, Err: err}
}
