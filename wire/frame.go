// Package wire defines the JSON frame protocol spoken between whisperlink
// clients and the session hub. Every frame is a single JSON object carrying a
// mandatory "type" tag; the remaining fields depend on the frame type.
//
// Messaging frames use camelCase keys, call-signaling frames use snake_case
// keys. Both conventions are part of the wire contract and must not be
// normalized.
package wire

// Frame type tags. Call-signaling tags are shared by both directions: the
// client addresses frames with "to", the hub forwards them with "from".
const (
	// client -> hub
	TypeRegister     = "register"
	TypeAuth         = "auth"
	TypeSendMessage  = "send_message"
	TypeGetHistory   = "get_history"
	TypeMarkRead     = "mark_read"
	TypeGetUsers     = "get_users"
	TypeAddToChat    = "add_to_chat"
	TypeCallInitiate = "call_initiate"
	TypeCallAccept   = "call_accept"
	TypePing         = "ping"

	// hub -> client
	TypeRegisterSuccess   = "register_success"
	TypeAuthSuccess       = "auth_success"
	TypeNewMessage        = "new_message"
	TypeMessageSent       = "message_sent"
	TypeMessageHistory    = "message_history"
	TypeMessageMarkedRead = "message_marked_read"
	TypeUsersList         = "users_list"
	TypeUserStatusUpdate  = "user_status_update"
	TypeChatAdded         = "chat_added"
	TypeAddToChatSuccess  = "add_to_chat_success"
	TypeCallOffer         = "call_offer"
	TypeCallAnswer        = "call_answer"
	TypePong              = "pong"
	TypeError             = "error"

	// both directions
	TypeCallCandidate     = "call_candidate"
	TypeCallEnd           = "call_end"
	TypeCallRestart       = "call_restart"
	TypeCallRestartAnswer = "call_restart_answer"
)

// MessageType values carried by SendMessage/Message.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// UserInfo is the hub's public view of a registered user. Keys are
// base64-encoded 32-byte public keys.
type UserInfo struct {
	UserID              string `json:"userId"`
	Nickname            string `json:"nickname,omitempty"`
	PublicSigningKey    string `json:"publicSigningKey"`
	PublicEncryptionKey string `json:"publicEncryptionKey"`
	IsOnline            bool   `json:"isOnline"`
	LastSeen            string `json:"lastSeen,omitempty"`
}

// Message is a relayed chat payload. Content is either an encrypted Envelope
// rendered as JSON text (Encrypted=true) or plaintext with a detached
// signature (Encrypted=false). The hub never decrypts Content.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	Timestamp   string `json:"timestamp"`
	Signature   string `json:"signature,omitempty"`
	Encrypted   bool   `json:"encrypted"`
	Read        bool   `json:"read,omitempty"`
}

// Register announces a client's public keys. The hub derives the user ID from
// the signing key; clients never pick their own.
type Register struct {
	PublicSigningKey    string `json:"publicSigningKey"`
	PublicEncryptionKey string `json:"publicEncryptionKey"`
	Nickname            string `json:"nickname,omitempty"`
}

// Auth proves ownership of a registered signing key: Signature is an ed25519
// signature over the exact Timestamp string.
type Auth struct {
	UserID    string `json:"userId"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// SendMessage asks the hub to relay an opaque payload to ReceiverID.
// For encrypted payloads Signature repeats the envelope signature; for
// plaintext fallback it is a detached signature over the plaintext.
type SendMessage struct {
	ReceiverID       string `json:"receiverId"`
	EncryptedContent string `json:"encryptedContent"`
	MessageType      string `json:"messageType"`
	Signature        string `json:"signature,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
}

// GetHistory requests stored conversation history. The ephemeral hub always
// answers with an empty list; the frame is retained for protocol parity.
type GetHistory struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
	Limit       int    `json:"limit,omitempty"`
	Before      string `json:"before,omitempty"`
}

// MarkRead acknowledges one message.
type MarkRead struct {
	MessageID string `json:"messageId"`
}

// AddToChat introduces the requester to another user.
type AddToChat struct {
	TargetUserID string `json:"target_user_id"`
}

// CallInitiate opens a call toward To. Offer is an opaque string the caller
// encrypted for the callee; the hub relays it without inspection. The caller
// chooses CallID and keys all later frames with it.
type CallInitiate struct {
	To     string `json:"to"`
	Offer  string `json:"offer"`
	CallID string `json:"call_id"`
}

// CallOffer is the hub's forward of a call_initiate to the callee.
type CallOffer struct {
	From      string `json:"from"`
	Offer     string `json:"offer"`
	CallID    string `json:"call_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CallAccept answers an offered call. Only the designated callee may accept.
type CallAccept struct {
	To     string `json:"to"`
	Answer string `json:"answer"`
	CallID string `json:"call_id"`
}

// CallAnswer is the hub's forward of a call_accept to the caller.
type CallAnswer struct {
	From      string `json:"from"`
	Answer    string `json:"answer"`
	CallID    string `json:"call_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CallCandidate carries one trickled transport candidate. Clients set To;
// the hub rewrites the frame with From and a timestamp when forwarding to
// the other participant.
type CallCandidate struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Candidate string `json:"candidate"`
	CallID    string `json:"call_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CallEnd terminates a call from either participant. Reason is set by the
// hub when it ends a call itself, e.g. on participant disconnect.
type CallEnd struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	CallID    string `json:"call_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CallRestart requests renegotiation on an active call. Relayed like a
// candidate; the call state is unchanged.
type CallRestart struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Offer     string `json:"offer"`
	CallID    string `json:"call_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CallRestartAnswer completes a renegotiation round.
type CallRestartAnswer struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Answer    string `json:"answer"`
	CallID    string `json:"call_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// RegisterSuccess confirms registration with the hub-derived user ID.
type RegisterSuccess struct {
	UserID string   `json:"userId"`
	User   UserInfo `json:"user"`
}

// AuthSuccess confirms signature authentication. SessionToken is an
// informational JWT; authority stays with the signature scheme.
type AuthSuccess struct {
	UserID       string `json:"userId"`
	Success      bool   `json:"success"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// NewMessage delivers a relayed message to its receiver.
type NewMessage struct {
	Message Message `json:"message"`
}

// MessageSent acknowledges relay acceptance to the sender with the
// server-assigned message. It is sent whether or not the receiver was online.
type MessageSent struct {
	Message Message `json:"message"`
}

// MessageHistory is the hub's reply to get_history.
type MessageHistory struct {
	Messages    []Message `json:"messages"`
	OtherUserID string    `json:"otherUserId,omitempty"`
}

// MessageMarkedRead echoes a mark_read request.
type MessageMarkedRead struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
}

// UsersList enumerates all registered users except the requester. The list
// is authoritative: receivers replace their online set from it.
type UsersList struct {
	Users []UserInfo `json:"users"`
}

// UserStatusUpdate broadcasts a presence flip.
type UserStatusUpdate struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ChatAdded notifies a user that someone opened a chat with them.
type ChatAdded struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
}

// AddToChatSuccess confirms an add_to_chat request with the target's record.
type AddToChatSuccess struct {
	TargetUser UserInfo `json:"target_user"`
}

// ErrorFrame reports a request-level failure. The connection stays open.
type ErrorFrame struct {
	Message string `json:"message"`
}
