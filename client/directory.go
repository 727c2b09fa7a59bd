package client

import (
	"encoding/base64"
	"sort"
	"sync"

	"github.com/gosuda/whisperlink/wire"
)

// Peer is the client's view of another user. Keys are decoded from the hub's
// base64 directory entries and may be nil for peers known only by ID.
type Peer struct {
	ID           string
	Nickname     string
	SigningKey   []byte
	AgreementKey []byte
	Online       bool
	LastSeen     string
}

func (p *Peer) hasKeys() bool {
	return len(p.SigningKey) > 0 && len(p.AgreementKey) > 0
}

func (p *Peer) clone() Peer {
	out := *p
	out.SigningKey = append([]byte(nil), p.SigningKey...)
	out.AgreementKey = append([]byte(nil), p.AgreementKey...)
	return out
}

// directory tracks every peer the hub has told us about. users_list replies
// are authoritative: peers absent from one are flipped offline but their keys
// are kept for decrypting late messages.
type directory struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func newDirectory() *directory {
	return &directory{peers: make(map[string]*Peer)}
}

func decodeKey(s string) []byte {
	if s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// replaceAll applies an authoritative users_list and returns the resulting
// presence and membership events in a stable order.
func (d *directory) replaceAll(users []wire.UserInfo) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []Event
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		seen[u.UserID] = struct{}{}
		p, ok := d.peers[u.UserID]
		if !ok {
			p = &Peer{ID: u.UserID}
			d.peers[u.UserID] = p
			events = append(events, Event{Kind: EventPeerAdded, PeerID: u.UserID})
		}
		if u.Nickname != "" {
			p.Nickname = u.Nickname
		}
		if k := decodeKey(u.PublicSigningKey); k != nil {
			p.SigningKey = k
		}
		if k := decodeKey(u.PublicEncryptionKey); k != nil {
			p.AgreementKey = k
		}
		if u.LastSeen != "" {
			p.LastSeen = u.LastSeen
		}
		if p.Online != u.IsOnline {
			p.Online = u.IsOnline
			events = append(events, presenceEvent(u.UserID, u.IsOnline))
		}
	}
	for id, p := range d.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if p.Online {
			p.Online = false
			events = append(events, presenceEvent(id, false))
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].PeerID < events[j].PeerID })
	return events
}

func presenceEvent(id string, online bool) Event {
	kind := EventPeerOffline
	if online {
		kind = EventPeerOnline
	}
	return Event{Kind: kind, PeerID: id}
}

// setStatus applies a user_status_update. Unknown peers are created as key
// stubs so a later refresh can fill them in.
func (d *directory) setStatus(id string, online bool) (changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		d.peers[id] = &Peer{ID: id, Online: online}
		return true
	}
	if p.Online == online {
		return false
	}
	p.Online = online
	return true
}

// addStub records a peer announced without key material (chat_added).
func (d *directory) addStub(id, nickname string) (added bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		if nickname != "" {
			p.Nickname = nickname
		}
		return false
	}
	d.peers[id] = &Peer{ID: id, Nickname: nickname}
	return true
}

// upsert stores a full directory record, e.g. from add_to_chat_success.
func (d *directory) upsert(u wire.UserInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[u.UserID]
	if !ok {
		p = &Peer{ID: u.UserID}
		d.peers[u.UserID] = p
	}
	if u.Nickname != "" {
		p.Nickname = u.Nickname
	}
	if k := decodeKey(u.PublicSigningKey); k != nil {
		p.SigningKey = k
	}
	if k := decodeKey(u.PublicEncryptionKey); k != nil {
		p.AgreementKey = k
	}
	p.Online = u.IsOnline
}

func (d *directory) get(id string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

func (d *directory) online(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return ok && p.Online
}

func (d *directory) list() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *directory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

func (d *directory) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = make(map[string]*Peer)
}
