package hub

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gosuda/whisperlink/core/cryptoops"
	"github.com/gosuda/whisperlink/wire"
)

func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		var frame map[string]any
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("awaiting %s: %v", typ, err)
		}
		if frame["type"] == typ {
			return frame
		}
	}
	t.Fatalf("awaiting %s: too many other frames", typ)
	return nil
}

// The hub speaks plain JSON over websockets, so clients built on a different
// websocket stack interoperate without the wire package. This drives the full
// handshake through coder/websocket with generic JSON frames and relays a
// message across the two stacks.
func TestForeignWebsocketStack(t *testing.T) {
	_, _, wsURL := newTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	cred, err := cryptoops.NewCredential()
	if err != nil {
		t.Fatalf("new credential: %v", err)
	}

	err = wsjson.Write(ctx, conn, map[string]any{
		"type":                "register",
		"publicSigningKey":    base64.StdEncoding.EncodeToString(cred.SigningPublic()),
		"publicEncryptionKey": base64.StdEncoding.EncodeToString(cred.AgreementPublicBytes()),
		"nickname":            "coder",
	})
	if err != nil {
		t.Fatalf("write register: %v", err)
	}
	reg := readUntil(ctx, t, conn, "register_success")
	if reg["userId"] != cred.UserID() {
		t.Fatalf("userId = %v, want %s", reg["userId"], cred.UserID())
	}

	ts := wire.Now()
	err = wsjson.Write(ctx, conn, map[string]any{
		"type":      "auth",
		"userId":    cred.UserID(),
		"signature": base64.StdEncoding.EncodeToString(cred.Sign([]byte(ts))),
		"timestamp": ts,
	})
	if err != nil {
		t.Fatalf("write auth: %v", err)
	}
	au := readUntil(ctx, t, conn, "auth_success")
	if au["success"] != true {
		t.Fatalf("auth_success = %v", au)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readUntil(ctx, t, conn, "pong")

	peer := dialTestClient(t, wsURL)
	peer.connect("gorilla")

	peer.sendFrame(wire.TypeSendMessage, wire.SendMessage{
		ReceiverID:       cred.UserID(),
		EncryptedContent: "across stacks",
	})
	got := readUntil(ctx, t, conn, "new_message")
	msg, ok := got["message"].(map[string]any)
	if !ok {
		t.Fatalf("new_message = %v", got)
	}
	if msg["content"] != "across stacks" || msg["senderId"] != peer.cred.UserID() {
		t.Fatalf("message = %v", msg)
	}

	err = wsjson.Write(ctx, conn, map[string]any{
		"type":             "send_message",
		"receiverId":       peer.cred.UserID(),
		"encryptedContent": "and back",
	})
	if err != nil {
		t.Fatalf("write send_message: %v", err)
	}
	var back wire.NewMessage
	if err := peer.await(wire.TypeNewMessage).Into(&back); err != nil {
		t.Fatalf("decode new_message: %v", err)
	}
	if back.Message.Content != "and back" || back.Message.SenderID != cred.UserID() {
		t.Fatalf("reply = %+v", back.Message)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
