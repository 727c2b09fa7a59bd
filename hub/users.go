package hub

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gosuda/whisperlink/wire"
)

// errSigningKeyMismatch rejects a re-register whose signing key differs from
// the stored one for the same derived ID.
var errSigningKeyMismatch = errors.New("hub: signing key mismatch for existing user")

// User is the hub-side record of a registered peer. Online is true iff the
// user currently has an authenticated channel.
type User struct {
	ID           string
	Nickname     string
	SigningKey   []byte
	AgreementKey []byte
	Online       bool
	RegisteredAt time.Time
	LastSeen     time.Time
	SessionToken string
}

func (u *User) info() wire.UserInfo {
	info := wire.UserInfo{
		UserID:              u.ID,
		Nickname:            u.Nickname,
		PublicSigningKey:    base64.StdEncoding.EncodeToString(u.SigningKey),
		PublicEncryptionKey: base64.StdEncoding.EncodeToString(u.AgreementKey),
		IsOnline:            u.Online,
	}
	if !u.LastSeen.IsZero() {
		info.LastSeen = wire.Timestamp(u.LastSeen)
	}
	return info
}

func (u *User) clone() User {
	c := *u
	c.SigningKey = append([]byte(nil), u.SigningKey...)
	c.AgreementKey = append([]byte(nil), u.AgreementKey...)
	return c
}

// userTable is the in-memory user directory. All reads return copies.
type userTable struct {
	mu    sync.RWMutex
	users map[string]*User
}

func newUserTable() *userTable {
	return &userTable{users: make(map[string]*User)}
}

// upsert creates or updates the user record for id. An existing record only
// accepts updates when the submitted signing key matches the stored one; the
// agreement key may rotate and a non-empty nickname replaces the old label.
func (t *userTable) upsert(id string, signingKey, agreementKey []byte, nickname string) (User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[id]
	if !ok {
		u = &User{
			ID:           id,
			Nickname:     nickname,
			SigningKey:   append([]byte(nil), signingKey...),
			AgreementKey: append([]byte(nil), agreementKey...),
			RegisteredAt: time.Now(),
		}
		t.users[id] = u
		return u.clone(), nil
	}

	if !bytes.Equal(u.SigningKey, signingKey) {
		return User{}, errSigningKeyMismatch
	}
	u.AgreementKey = append([]byte(nil), agreementKey...)
	if nickname != "" {
		u.Nickname = nickname
	}
	return u.clone(), nil
}

func (t *userTable) get(id string) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[id]
	if !ok {
		return User{}, false
	}
	return u.clone(), true
}

// setOnline flips presence and refreshes lastSeen. Reports whether the flag
// actually changed so callers broadcast only real transitions.
func (t *userTable) setOnline(id string, online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[id]
	if !ok {
		return false
	}
	changed := u.Online != online
	u.Online = online
	u.LastSeen = time.Now()
	return changed
}

func (t *userTable) setToken(id, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[id]; ok {
		u.SessionToken = token
	}
}

// list snapshots every user except excludeID, ordered by ID for stable
// wire output.
func (t *userTable) list(excludeID string) []wire.UserInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]wire.UserInfo, 0, len(t.users))
	for id, u := range t.users {
		if id == excludeID {
			continue
		}
		out = append(out, u.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *userTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

func (t *userTable) onlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, u := range t.users {
		if u.Online {
			n++
		}
	}
	return n
}
