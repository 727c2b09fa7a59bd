package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gosuda/whisperlink/client"
)

const opTimeout = 10 * time.Second

// tui is a line-oriented front end over the client engine: stdin commands in,
// engine events out.
type tui struct {
	eng *client.Engine

	mu     sync.Mutex
	peer   string // default recipient for bare lines
	callID string // most recent ringing or active call
}

func newTUI(eng *client.Engine, peer string) *tui {
	return &tui{eng: eng, peer: peer}
}

func (t *tui) greet() {
	fmt.Printf("connected as %s\n", t.eng.UserID())
	peers := t.eng.Peers()
	if len(peers) == 0 {
		fmt.Println("nobody else is registered yet")
	}
	for _, p := range peers {
		fmt.Printf("  %s\n", describePeer(p))
	}
	fmt.Println("type /help for commands")
}

func (t *tui) help() {
	fmt.Print(`commands:
  /users            list known peers
  /add <id>         introduce yourself to a peer
  /msg <id> <text>  send a message (id becomes the default recipient)
  /history <id>     show the local conversation
  /ring <id>        start a signaling-only call
  /accept           accept the ringing call
  /hangup           end the current call
  /reset            burn this identity and start over
  /quit             leave
anything else is sent to the default recipient
`)
}

func (t *tui) readInput() error {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		t.dispatch(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (t *tui) dispatch(line string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/help":
		t.help()
	case "/users":
		peers := t.eng.Peers()
		if len(peers) == 0 {
			fmt.Println("nobody else is registered")
		}
		for _, p := range peers {
			fmt.Printf("  %s\n", describePeer(p))
		}
	case "/add":
		p, err := t.eng.AddPeer(ctx, rest)
		if err != nil {
			fmt.Println("add failed:", err)
			return
		}
		fmt.Printf("added %s\n", describePeer(p))
	case "/msg":
		id, text, ok := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if !ok || text == "" {
			fmt.Println("usage: /msg <id> <text>")
			return
		}
		t.setPeer(id)
		t.send(ctx, id, text)
	case "/history":
		t.printHistory(rest)
	case "/ring":
		callID, err := t.eng.StartCall(ctx, rest, "ping")
		if err != nil {
			fmt.Println("ring failed:", err)
			return
		}
		t.setCall(callID)
		fmt.Printf("ringing %s\n", t.display(rest))
	case "/accept":
		id := t.currentCall()
		if id == "" {
			fmt.Println("no call to accept")
			return
		}
		if err := t.eng.AcceptCall(ctx, id, "pong"); err != nil {
			fmt.Println("accept failed:", err)
		}
	case "/hangup":
		id := t.currentCall()
		if id == "" {
			fmt.Println("no call to hang up")
			return
		}
		if err := t.eng.EndCall(ctx, id, "hangup"); err != nil {
			fmt.Println("hangup failed:", err)
		}
	case "/reset":
		if err := t.eng.EphemeralReset(ctx); err != nil {
			fmt.Println("reset failed:", err)
			return
		}
		fmt.Printf("you are now %s\n", t.eng.UserID())
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println("unknown command, /help lists them")
			return
		}
		to := t.defaultPeer()
		if to == "" {
			fmt.Println("no default recipient; use /msg <id> <text> first")
			return
		}
		t.send(ctx, to, line)
	}
}

func (t *tui) send(ctx context.Context, peerID, text string) {
	id, err := t.eng.SendText(ctx, peerID, text)
	if err != nil {
		fmt.Println("send failed:", err)
		return
	}
	if strings.HasPrefix(id, "local-") {
		fmt.Printf("queued for %s until they come online\n", t.display(peerID))
	}
}

func (t *tui) printHistory(peerID string) {
	msgs := t.eng.History(peerID)
	if len(msgs) == 0 {
		fmt.Println("no messages")
		return
	}
	for _, m := range msgs {
		who := t.display(m.SenderID)
		if m.Outgoing {
			who = "you"
		}
		status := ""
		if m.Outgoing && m.Status != "" {
			status = fmt.Sprintf(" (%s)", m.Status)
		}
		fmt.Printf("  %s %s: %s%s\n", m.Timestamp.Format("15:04:05"), who, m.Text, status)
	}
}

// printEvents runs until the engine closes its event stream.
func (t *tui) printEvents() {
	for ev := range t.eng.Events() {
		switch ev.Kind {
		case client.EventMessageReceived:
			tag := ""
			if !ev.Message.Encrypted {
				tag = " (plaintext)"
			}
			fmt.Printf("%s%s: %s\n", t.display(ev.Message.SenderID), tag, ev.Message.Text)
		case client.EventMessageSent:
			if ev.Message.Status == client.StatusFailed {
				fmt.Printf("message to %s failed\n", t.display(ev.Message.PeerID))
			}
		case client.EventPeerAdded:
			fmt.Printf("* discovered %s\n", t.display(ev.PeerID))
		case client.EventPeerOnline:
			fmt.Printf("* %s is online\n", t.display(ev.PeerID))
		case client.EventPeerOffline:
			fmt.Printf("* %s went offline\n", t.display(ev.PeerID))
		case client.EventConnState:
			switch ev.State {
			case client.StateReconnecting:
				fmt.Println("* connection lost, reconnecting...")
			case client.StateDisconnected:
				fmt.Println("* disconnected")
			}
		case client.EventCallOffer:
			t.setCall(ev.Call.CallID)
			fmt.Printf("* %s is calling; /accept or /hangup\n", t.display(ev.Call.PeerID))
		case client.EventCallAnswer:
			fmt.Printf("* %s answered\n", t.display(ev.Call.PeerID))
		case client.EventCallEnd:
			t.clearCall(ev.Call.CallID)
			fmt.Printf("* call ended (%s)\n", ev.Call.Reason)
		case client.EventError:
			fmt.Println("* error:", ev.Err)
		}
	}
}

// display prefers the nickname, keeping the ID visible for /msg and /add.
func (t *tui) display(id string) string {
	if p, ok := t.eng.Peer(id); ok && p.Nickname != "" {
		return fmt.Sprintf("%s (%s)", p.Nickname, id)
	}
	return id
}

func describePeer(p client.Peer) string {
	state := "offline"
	if p.Online {
		state = "online"
	}
	name := p.ID
	if p.Nickname != "" {
		name = fmt.Sprintf("%s (%s)", p.Nickname, p.ID)
	}
	return fmt.Sprintf("%s [%s]", name, state)
}

func (t *tui) setPeer(id string) {
	t.mu.Lock()
	t.peer = id
	t.mu.Unlock()
}

func (t *tui) defaultPeer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

func (t *tui) setCall(id string) {
	t.mu.Lock()
	t.callID = id
	t.mu.Unlock()
}

func (t *tui) currentCall() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callID
}

func (t *tui) clearCall(id string) {
	t.mu.Lock()
	if t.callID == id {
		t.callID = ""
	}
	t.mu.Unlock()
}
