package hub

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gosuda/whisperlink/core/cryptoops"
	"github.com/gosuda/whisperlink/wire"
)

const readWait = 2 * time.Second

func newTestHub(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	s, err := NewServer(Config{TokenSecret: "test-secret"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return s, ts, wsURL
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	cred *cryptoops.Credential
}

func dialTestClient(t *testing.T, wsURL string) *testClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	cred, err := cryptoops.NewCredential()
	if err != nil {
		t.Fatalf("new credential: %v", err)
	}
	c := &testClient{t: t, conn: conn, cred: cred}
	t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) sendFrame(typ string, body any) {
	c.t.Helper()
	data, err := wire.Encode(typ, body)
	if err != nil {
		c.t.Fatalf("encode %s: %v", typ, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

func (c *testClient) readFrame() (wire.Head, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return wire.Head{}, err
	}
	return wire.Decode(data)
}

// await reads frames until one of the wanted type arrives, skipping
// broadcasts that happen to interleave.
func (c *testClient) await(typ string) wire.Head {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		head, err := c.readFrame()
		if err != nil {
			c.t.Fatalf("awaiting %s: %v", typ, err)
		}
		if head.Type == typ {
			return head
		}
	}
	c.t.Fatalf("awaiting %s: too many other frames", typ)
	return wire.Head{}
}

func (c *testClient) register(nickname string) wire.RegisterSuccess {
	c.t.Helper()
	c.sendFrame(wire.TypeRegister, wire.Register{
		PublicSigningKey:    base64.StdEncoding.EncodeToString(c.cred.SigningPublic()),
		PublicEncryptionKey: base64.StdEncoding.EncodeToString(c.cred.AgreementPublicBytes()),
		Nickname:            nickname,
	})
	var resp wire.RegisterSuccess
	if err := c.await(wire.TypeRegisterSuccess).Into(&resp); err != nil {
		c.t.Fatalf("decode register_success: %v", err)
	}
	return resp
}

func (c *testClient) auth() wire.AuthSuccess {
	c.t.Helper()
	ts := wire.Now()
	c.sendFrame(wire.TypeAuth, wire.Auth{
		UserID:    c.cred.UserID(),
		Signature: base64.StdEncoding.EncodeToString(c.cred.Sign([]byte(ts))),
		Timestamp: ts,
	})
	var resp wire.AuthSuccess
	if err := c.await(wire.TypeAuthSuccess).Into(&resp); err != nil {
		c.t.Fatalf("decode auth_success: %v", err)
	}
	return resp
}

func (c *testClient) connect(nickname string) {
	c.t.Helper()
	c.register(nickname)
	c.auth()
}

func TestRegisterAndAuth(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	c := dialTestClient(t, wsURL)

	reg := c.register("alice")
	if reg.UserID != c.cred.UserID() {
		t.Fatalf("hub derived %q, local derivation %q", reg.UserID, c.cred.UserID())
	}
	if !cryptoops.ValidUserID(reg.UserID) {
		t.Fatalf("user id %q has the wrong shape", reg.UserID)
	}
	if reg.User.Nickname != "alice" {
		t.Errorf("nickname = %q", reg.User.Nickname)
	}
	if reg.User.IsOnline {
		t.Error("registration alone must not mark the user online")
	}

	au := c.auth()
	if !au.Success || au.UserID != reg.UserID {
		t.Fatalf("auth_success = %+v", au)
	}
	if au.SessionToken == "" {
		t.Error("auth_success without session token")
	}
}

func TestAuthUnknownUser(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	c := dialTestClient(t, wsURL)

	ts := wire.Now()
	c.sendFrame(wire.TypeAuth, wire.Auth{
		UserID:    "0123456789ABCDEF",
		Signature: base64.StdEncoding.EncodeToString(c.cred.Sign([]byte(ts))),
		Timestamp: ts,
	})
	var e wire.ErrorFrame
	if err := c.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "User not found" {
		t.Errorf("error = %q", e.Message)
	}

	// The connection survives a failed auth; register + auth still work.
	c.connect("bob")
}

func TestAuthFreshness(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	c := dialTestClient(t, wsURL)
	c.register("alice")

	stale := wire.Timestamp(time.Now().Add(-6 * time.Minute))
	c.sendFrame(wire.TypeAuth, wire.Auth{
		UserID:    c.cred.UserID(),
		Signature: base64.StdEncoding.EncodeToString(c.cred.Sign([]byte(stale))),
		Timestamp: stale,
	})
	var e wire.ErrorFrame
	if err := c.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Auth timestamp expired" {
		t.Errorf("stale error = %q", e.Message)
	}

	future := wire.Timestamp(time.Now().Add(2 * time.Minute))
	c.sendFrame(wire.TypeAuth, wire.Auth{
		UserID:    c.cred.UserID(),
		Signature: base64.StdEncoding.EncodeToString(c.cred.Sign([]byte(future))),
		Timestamp: future,
	})
	if err := c.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Auth timestamp in the future" {
		t.Errorf("future error = %q", e.Message)
	}

	// Wrong key: sign with a different credential.
	other, err := cryptoops.NewCredential()
	if err != nil {
		t.Fatalf("new credential: %v", err)
	}
	ts := wire.Now()
	c.sendFrame(wire.TypeAuth, wire.Auth{
		UserID:    c.cred.UserID(),
		Signature: base64.StdEncoding.EncodeToString(other.Sign([]byte(ts))),
		Timestamp: ts,
	})
	if err := c.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Invalid signature" {
		t.Errorf("bad signature error = %q", e.Message)
	}
}

func TestStateGating(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	c := dialTestClient(t, wsURL)

	// Ping is exempt from the auth gate.
	c.sendFrame(wire.TypePing, nil)
	c.await(wire.TypePong)

	c.sendFrame(wire.TypeGetUsers, nil)
	var e wire.ErrorFrame
	if err := c.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Not authenticated" {
		t.Errorf("error = %q", e.Message)
	}

	// Registered but not authenticated is still gated.
	c.register("alice")
	c.sendFrame(wire.TypeSendMessage, wire.SendMessage{ReceiverID: "0123456789ABCDEF", EncryptedContent: "hi"})
	if err := c.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Not authenticated" {
		t.Errorf("error = %q", e.Message)
	}
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	c := dialTestClient(t, wsURL)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var e wire.ErrorFrame
	if err := c.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Invalid message format" {
		t.Errorf("error = %q", e.Message)
	}

	// Unknown types are dropped without a reply; the next ping proves the
	// connection is still being serviced.
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.sendFrame(wire.TypePing, nil)
	head := c.await(wire.TypePong)
	if head.Type != wire.TypePong {
		t.Fatalf("got %s", head.Type)
	}
}

func TestMessageRelayAndAck(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	alice.sendFrame(wire.TypeSendMessage, wire.SendMessage{
		ReceiverID:       bob.cred.UserID(),
		EncryptedContent: "hello bob",
		MessageType:      wire.MessageTypeText,
		Signature:        base64.StdEncoding.EncodeToString(alice.cred.Sign([]byte("hello bob"))),
	})

	var ack wire.MessageSent
	if err := alice.await(wire.TypeMessageSent).Into(&ack); err != nil {
		t.Fatalf("decode message_sent: %v", err)
	}
	if ack.Message.ID == "" || ack.Message.SenderID != alice.cred.UserID() {
		t.Fatalf("ack = %+v", ack.Message)
	}
	if ack.Message.Encrypted {
		t.Error("plaintext message flagged encrypted")
	}

	var got wire.NewMessage
	if err := bob.await(wire.TypeNewMessage).Into(&got); err != nil {
		t.Fatalf("decode new_message: %v", err)
	}
	if got.Message.ID != ack.Message.ID {
		t.Errorf("receiver saw id %q, ack id %q", got.Message.ID, ack.Message.ID)
	}
	if got.Message.Content != "hello bob" || got.Message.Signature == "" {
		t.Errorf("message = %+v", got.Message)
	}
}

func TestMessageToOfflineUserStillAcks(t *testing.T) {
	_, _, wsURL := newTestHub(t)

	ghost := dialTestClient(t, wsURL)
	ghost.register("ghost")
	ghostID := ghost.cred.UserID()
	ghost.close()

	alice := dialTestClient(t, wsURL)
	alice.connect("alice")

	alice.sendFrame(wire.TypeSendMessage, wire.SendMessage{
		ReceiverID:       ghostID,
		EncryptedContent: "anyone there?",
	})
	var ack wire.MessageSent
	if err := alice.await(wire.TypeMessageSent).Into(&ack); err != nil {
		t.Fatalf("decode message_sent: %v", err)
	}
	if ack.Message.ReceiverID != ghostID {
		t.Errorf("ack receiver = %q", ack.Message.ReceiverID)
	}
}

func TestMessageToUnknownUser(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	alice.connect("alice")

	alice.sendFrame(wire.TypeSendMessage, wire.SendMessage{
		ReceiverID:       "FFFFFFFFFFFFFFFF",
		EncryptedContent: "void",
	})
	var e wire.ErrorFrame
	if err := alice.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Recipient not found" {
		t.Errorf("error = %q", e.Message)
	}
}

func TestEncryptedFlagFollowsEnvelopeShape(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	env, err := cryptoops.Seal(alice.cred, bob.cred.AgreementPublicBytes(), []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	content, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	alice.sendFrame(wire.TypeSendMessage, wire.SendMessage{
		ReceiverID:       bob.cred.UserID(),
		EncryptedContent: content,
		Signature:        env.Signature,
	})

	var got wire.NewMessage
	if err := bob.await(wire.TypeNewMessage).Into(&got); err != nil {
		t.Fatalf("decode new_message: %v", err)
	}
	if !got.Message.Encrypted {
		t.Error("envelope content not flagged encrypted")
	}

	opened, err := cryptoops.Open(bob.cred, alice.cred.AgreementPublicBytes(),
		alice.cred.SigningPublic(), env)
	if err != nil {
		t.Fatalf("open relayed envelope: %v", err)
	}
	if string(opened) != "secret" {
		t.Errorf("plaintext = %q", opened)
	}
}

func TestRelayPreservesOrder(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	const n = 20
	for i := 0; i < n; i++ {
		alice.sendFrame(wire.TypeSendMessage, wire.SendMessage{
			ReceiverID:       bob.cred.UserID(),
			EncryptedContent: string(rune('a' + i)),
		})
	}
	for i := 0; i < n; i++ {
		var got wire.NewMessage
		if err := bob.await(wire.TypeNewMessage).Into(&got); err != nil {
			t.Fatalf("decode new_message %d: %v", i, err)
		}
		if got.Message.Content != string(rune('a'+i)) {
			t.Fatalf("message %d arrived out of order: %q", i, got.Message.Content)
		}
	}
}

func TestPresenceBroadcast(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	alice.connect("alice")

	bob := dialTestClient(t, wsURL)
	bob.connect("bob")

	var up wire.UserStatusUpdate
	if err := alice.await(wire.TypeUserStatusUpdate).Into(&up); err != nil {
		t.Fatalf("decode user_status_update: %v", err)
	}
	if up.UserID != bob.cred.UserID() || !up.IsOnline {
		t.Fatalf("update = %+v", up)
	}

	bob.close()
	if err := alice.await(wire.TypeUserStatusUpdate).Into(&up); err != nil {
		t.Fatalf("decode user_status_update: %v", err)
	}
	if up.UserID != bob.cred.UserID() || up.IsOnline {
		t.Fatalf("offline update = %+v", up)
	}
}

func TestUsersListExcludesSelf(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	alice.sendFrame(wire.TypeGetUsers, nil)
	var list wire.UsersList
	if err := alice.await(wire.TypeUsersList).Into(&list); err != nil {
		t.Fatalf("decode users_list: %v", err)
	}
	if len(list.Users) != 1 {
		t.Fatalf("users = %d, want 1", len(list.Users))
	}
	u := list.Users[0]
	if u.UserID != bob.cred.UserID() || !u.IsOnline || u.Nickname != "bob" {
		t.Errorf("user = %+v", u)
	}
	if u.PublicSigningKey == "" || u.PublicEncryptionKey == "" {
		t.Error("directory entry missing public keys")
	}
}

func TestAddToChat(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	alice.sendFrame(wire.TypeAddToChat, wire.AddToChat{TargetUserID: bob.cred.UserID()})

	var ok wire.AddToChatSuccess
	if err := alice.await(wire.TypeAddToChatSuccess).Into(&ok); err != nil {
		t.Fatalf("decode add_to_chat_success: %v", err)
	}
	if ok.TargetUser.UserID != bob.cred.UserID() {
		t.Errorf("target = %+v", ok.TargetUser)
	}

	var added wire.ChatAdded
	if err := bob.await(wire.TypeChatAdded).Into(&added); err != nil {
		t.Fatalf("decode chat_added: %v", err)
	}
	if added.UserID != alice.cred.UserID() || added.Nickname != "alice" {
		t.Errorf("chat_added = %+v", added)
	}

	alice.sendFrame(wire.TypeAddToChat, wire.AddToChat{TargetUserID: "FFFFFFFFFFFFFFFF"})
	var e wire.ErrorFrame
	if err := alice.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "User not found" {
		t.Errorf("error = %q", e.Message)
	}

	alice.sendFrame(wire.TypeAddToChat, wire.AddToChat{TargetUserID: alice.cred.UserID()})
	if err := alice.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Cannot add yourself" {
		t.Errorf("error = %q", e.Message)
	}
}

func TestHistoryAndMarkRead(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	alice.connect("alice")

	alice.sendFrame(wire.TypeGetHistory, wire.GetHistory{
		UserID:      alice.cred.UserID(),
		OtherUserID: "0123456789ABCDEF",
		Limit:       50,
	})
	var hist wire.MessageHistory
	if err := alice.await(wire.TypeMessageHistory).Into(&hist); err != nil {
		t.Fatalf("decode message_history: %v", err)
	}
	if hist.Messages == nil || len(hist.Messages) != 0 {
		t.Errorf("hub history = %v, want empty list", hist.Messages)
	}
	if hist.OtherUserID != "0123456789ABCDEF" {
		t.Errorf("otherUserId = %q", hist.OtherUserID)
	}

	alice.sendFrame(wire.TypeMarkRead, wire.MarkRead{MessageID: "m-1"})
	var marked wire.MessageMarkedRead
	if err := alice.await(wire.TypeMessageMarkedRead).Into(&marked); err != nil {
		t.Fatalf("decode message_marked_read: %v", err)
	}
	if marked.MessageID != "m-1" || !marked.Success {
		t.Errorf("marked = %+v", marked)
	}
}

func TestCallSignalingFlow(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	alice.sendFrame(wire.TypeCallInitiate, wire.CallInitiate{
		To:     bob.cred.UserID(),
		Offer:  "offer-blob",
		CallID: "call-1",
	})
	var offer wire.CallOffer
	if err := bob.await(wire.TypeCallOffer).Into(&offer); err != nil {
		t.Fatalf("decode call_offer: %v", err)
	}
	if offer.From != alice.cred.UserID() || offer.Offer != "offer-blob" || offer.CallID != "call-1" {
		t.Fatalf("offer = %+v", offer)
	}
	if offer.Timestamp == "" {
		t.Error("forwarded offer missing timestamp")
	}

	bob.sendFrame(wire.TypeCallAccept, wire.CallAccept{
		To:     alice.cred.UserID(),
		Answer: "answer-blob",
		CallID: "call-1",
	})
	var answer wire.CallAnswer
	if err := alice.await(wire.TypeCallAnswer).Into(&answer); err != nil {
		t.Fatalf("decode call_answer: %v", err)
	}
	if answer.From != bob.cred.UserID() || answer.Answer != "answer-blob" {
		t.Fatalf("answer = %+v", answer)
	}

	alice.sendFrame(wire.TypeCallCandidate, wire.CallCandidate{
		To:        bob.cred.UserID(),
		Candidate: "cand-1",
		CallID:    "call-1",
	})
	var cand wire.CallCandidate
	if err := bob.await(wire.TypeCallCandidate).Into(&cand); err != nil {
		t.Fatalf("decode call_candidate: %v", err)
	}
	if cand.From != alice.cred.UserID() || cand.Candidate != "cand-1" {
		t.Fatalf("candidate = %+v", cand)
	}

	bob.sendFrame(wire.TypeCallRestart, wire.CallRestart{
		To:     alice.cred.UserID(),
		Offer:  "restart-offer",
		CallID: "call-1",
	})
	var restart wire.CallRestart
	if err := alice.await(wire.TypeCallRestart).Into(&restart); err != nil {
		t.Fatalf("decode call_restart: %v", err)
	}
	if restart.Offer != "restart-offer" || restart.From != bob.cred.UserID() {
		t.Fatalf("restart = %+v", restart)
	}

	alice.sendFrame(wire.TypeCallRestartAnswer, wire.CallRestartAnswer{
		To:     bob.cred.UserID(),
		Answer: "restart-answer",
		CallID: "call-1",
	})
	var rAnswer wire.CallRestartAnswer
	if err := bob.await(wire.TypeCallRestartAnswer).Into(&rAnswer); err != nil {
		t.Fatalf("decode call_restart_answer: %v", err)
	}
	if rAnswer.Answer != "restart-answer" {
		t.Fatalf("restart answer = %+v", rAnswer)
	}

	alice.sendFrame(wire.TypeCallEnd, wire.CallEnd{
		To:     bob.cred.UserID(),
		CallID: "call-1",
	})
	var end wire.CallEnd
	if err := bob.await(wire.TypeCallEnd).Into(&end); err != nil {
		t.Fatalf("decode call_end: %v", err)
	}
	if end.From != alice.cred.UserID() || end.Reason != "hangup" {
		t.Fatalf("end = %+v", end)
	}
}

func TestCallToOfflinePeer(t *testing.T) {
	_, _, wsURL := newTestHub(t)

	ghost := dialTestClient(t, wsURL)
	ghost.register("ghost")
	ghostID := ghost.cred.UserID()
	ghost.close()

	alice := dialTestClient(t, wsURL)
	alice.connect("alice")

	alice.sendFrame(wire.TypeCallInitiate, wire.CallInitiate{
		To:     ghostID,
		Offer:  "offer",
		CallID: "call-1",
	})
	var e wire.ErrorFrame
	if err := alice.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Recipient is offline" {
		t.Errorf("error = %q", e.Message)
	}
}

func TestCallRelayToOfflineParticipant(t *testing.T) {
	s, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	alice.connect("alice")

	// A live call whose other participant has no bound channel: the relay
	// must fail loudly instead of dropping the frame.
	if _, err := s.calls.create("call-1", alice.cred.UserID(), "FFFFFFFFFFFFFFFF"); err != nil {
		t.Fatalf("create call: %v", err)
	}

	alice.sendFrame(wire.TypeCallCandidate, wire.CallCandidate{
		Candidate: "cand-1",
		CallID:    "call-1",
	})
	var e wire.ErrorFrame
	if err := alice.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Recipient is offline" {
		t.Errorf("error = %q", e.Message)
	}
}

func TestCallAcceptOnlyCallee(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	alice.sendFrame(wire.TypeCallInitiate, wire.CallInitiate{
		To: bob.cred.UserID(), Offer: "o", CallID: "call-1",
	})
	bob.await(wire.TypeCallOffer)

	// The caller cannot accept its own call.
	alice.sendFrame(wire.TypeCallAccept, wire.CallAccept{
		To: bob.cred.UserID(), Answer: "a", CallID: "call-1",
	})
	var e wire.ErrorFrame
	if err := alice.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Only the callee can accept this call" {
		t.Errorf("error = %q", e.Message)
	}

	// An outsider cannot end someone else's call.
	carol := dialTestClient(t, wsURL)
	carol.connect("carol")
	carol.sendFrame(wire.TypeCallEnd, wire.CallEnd{CallID: "call-1"})
	if err := carol.await(wire.TypeError).Into(&e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Message != "Not a call participant" {
		t.Errorf("error = %q", e.Message)
	}
}

func TestDisconnectEndsCalls(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	bob := dialTestClient(t, wsURL)
	alice.connect("alice")
	bob.connect("bob")

	alice.sendFrame(wire.TypeCallInitiate, wire.CallInitiate{
		To: bob.cred.UserID(), Offer: "o", CallID: "call-1",
	})
	bob.await(wire.TypeCallOffer)
	bob.sendFrame(wire.TypeCallAccept, wire.CallAccept{
		To: alice.cred.UserID(), Answer: "a", CallID: "call-1",
	})
	alice.await(wire.TypeCallAnswer)

	bob.close()

	var end wire.CallEnd
	if err := alice.await(wire.TypeCallEnd).Into(&end); err != nil {
		t.Fatalf("decode call_end: %v", err)
	}
	if end.CallID != "call-1" || end.Reason != "peer_disconnected" {
		t.Fatalf("end = %+v", end)
	}
	if end.From != bob.cred.UserID() {
		t.Errorf("end.From = %q", end.From)
	}
}

func TestNewestLoginWins(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	first := dialTestClient(t, wsURL)
	first.connect("alice")

	second := dialTestClient(t, wsURL)
	second.cred = first.cred
	second.connect("alice")

	// The old session is kicked; reads eventually fail once the hub closes it.
	deadline := time.Now().Add(readWait)
	for {
		if _, err := first.readFrame(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale session was not kicked")
		}
	}

	// The new session is live and owns the identity.
	second.sendFrame(wire.TypePing, nil)
	second.await(wire.TypePong)
}

func TestHealthzAndMetrics(t *testing.T) {
	s, ts, wsURL := newTestHub(t)
	alice := dialTestClient(t, wsURL)
	alice.connect("alice")

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if st.Status != "ok" || st.Users != 1 || st.Online != 1 {
		t.Errorf("stats = %+v", st)
	}
	if got := s.Stats(); got.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", got.Sessions)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", mresp.StatusCode)
	}
}

func TestRegisterRotatesAgreementKey(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	c := dialTestClient(t, wsURL)
	first := c.register("alice")

	// Same signing key, fresh agreement key: the directory entry updates.
	donor, err := cryptoops.NewCredential()
	if err != nil {
		t.Fatalf("new credential: %v", err)
	}
	fresh, err := cryptoops.CredentialFromSeeds(c.cred.SigningSeed(), donor.AgreementSeed())
	if err != nil {
		t.Fatalf("rebuild credential: %v", err)
	}
	c.cred = fresh
	second := c.register("alice")
	if second.UserID != first.UserID {
		t.Fatalf("user id changed on re-register: %q vs %q", second.UserID, first.UserID)
	}
	if second.User.PublicEncryptionKey == first.User.PublicEncryptionKey {
		t.Error("agreement key did not rotate")
	}
}
