package identity

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleVault persists identity material in a pebble store so desktop and
// server peers keep a stable user ID across restarts.
type PebbleVault struct {
	db *pebble.DB
}

// OpenPebbleVault opens (or creates) a vault at path.
func OpenPebbleVault(path string) (*PebbleVault, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("identity: open vault %s: %w", path, err)
	}
	return &PebbleVault{db: db}, nil
}

func (v *PebbleVault) Get(key string) ([]byte, error) {
	val, closer, err := v.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: vault get %s: %w", key, err)
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("identity: vault get %s: %w", key, err)
	}
	return out, nil
}

func (v *PebbleVault) Put(key string, value []byte) error {
	if err := v.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("identity: vault put %s: %w", key, err)
	}
	return nil
}

func (v *PebbleVault) Delete(key string) error {
	if err := v.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("identity: vault delete %s: %w", key, err)
	}
	return nil
}

func (v *PebbleVault) Close() error {
	return v.db.Close()
}
