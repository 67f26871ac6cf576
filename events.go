package chatsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Push frame types.
const (
	EventNewMessage       = "new_message"
	EventMessageRead      = "message_read"
	EventUserTyping       = "user_typing"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventOnlineUsers      = "online_users_list"
	EventUsersLastSeen    = "users_last_seen"
	EventAttachmentUpload = "attachment_upload"
	EventAttachmentDelete = "attachment_delete"
	EventMessageDelivered = "message_delivered"
	EventPong             = "pong"
	EventConnected        = "connected"
)

// Event is one decoded push frame. Every event is also the store action
// that applies it.
type Event interface {
	Action
	Type() string
}

// NewMessageEvent delivers a message written by any participant.
type NewMessageEvent struct {
	Message Message
}

func (NewMessageEvent) Type() string { return EventNewMessage }

func (e NewMessageEvent) apply(st *state) {
	m := e.Message.clone()
	m.normalizeAttachments()
	// Server activity revives an archived conversation.
	delete(st.archived, m.ChatID)

	list := st.messages[m.ChatID]
	if i := messageIndex(list, m.ID); i >= 0 {
		// Redelivery. Only a copy that now carries attachments changes anything.
		if len(m.Attachments) > 0 {
			list[i].setAttachments(m.Attachments)
		}
		return
	}
	st.appendMessage(m)
	st.setLastMessage(m)

	if st.currentUserID != 0 && m.SenderID != st.currentUserID {
		if i := st.chatIndex(m.ChatID); i >= 0 {
			st.chats[i].UnreadCount++
		} else {
			st.unlistedUnread[m.ChatID]++
		}
	}
	st.sortChats()
}

// MessageReadEvent is a read receipt for messages of one chat.
type MessageReadEvent struct {
	ChatID     int64
	MessageIDs []int64
	ReaderID   int64
}

func (MessageReadEvent) Type() string { return EventMessageRead }

func (e MessageReadEvent) apply(st *state) {
	st.markRead(e.ChatID, e.MessageIDs)
}

// UserTypingEvent toggles a user in a chat's typing set. There is no expiry:
// the sender is expected to send an explicit stop.
type UserTypingEvent struct {
	ChatID   int64
	UserID   int64
	IsTyping bool
}

func (UserTypingEvent) Type() string { return EventUserTyping }

func (e UserTypingEvent) apply(st *state) {
	set := st.typingUsers[e.ChatID]
	if e.IsTyping {
		if set == nil {
			set = make(map[int64]struct{})
			st.typingUsers[e.ChatID] = set
		}
		set[e.UserID] = struct{}{}
		return
	}
	if set == nil {
		return
	}
	delete(set, e.UserID)
	if len(set) == 0 {
		delete(st.typingUsers, e.ChatID)
	}
}

type UserOnlineEvent struct {
	UserID int64
}

func (UserOnlineEvent) Type() string { return EventUserOnline }

func (e UserOnlineEvent) apply(st *state) {
	st.onlineUsers[e.UserID] = struct{}{}
}

type UserOfflineEvent struct {
	UserID   int64
	LastSeen *time.Time
}

func (UserOfflineEvent) Type() string { return EventUserOffline }

func (e UserOfflineEvent) apply(st *state) {
	delete(st.onlineUsers, e.UserID)
	if e.LastSeen != nil {
		st.userLastSeen[e.UserID] = *e.LastSeen
	}
}

// OnlineUsersEvent is the snapshot sent right after connecting. It replaces
// the online set.
type OnlineUsersEvent struct {
	UserIDs []int64
}

func (OnlineUsersEvent) Type() string { return EventOnlineUsers }

func (e OnlineUsersEvent) apply(st *state) {
	st.onlineUsers = make(map[int64]struct{}, len(e.UserIDs))
	for _, id := range e.UserIDs {
		st.onlineUsers[id] = struct{}{}
	}
}

// UsersLastSeenEvent carries last-seen timestamps of offline users.
type UsersLastSeenEvent struct {
	LastSeen map[int64]time.Time
}

func (UsersLastSeenEvent) Type() string { return EventUsersLastSeen }

func (e UsersLastSeenEvent) apply(st *state) {
	for id, t := range e.LastSeen {
		st.userLastSeen[id] = t
	}
}

// AttachmentEvent covers attachment_upload and attachment_delete pushes.
// They are reserved and leave the store unchanged.
type AttachmentEvent struct {
	Kind string
}

func (e AttachmentEvent) Type() string { return e.Kind }
func (AttachmentEvent) apply(*state)   {}

// ControlEvent covers connection housekeeping frames.
type ControlEvent struct {
	Kind string
}

func (e ControlEvent) Type() string { return e.Kind }
func (ControlEvent) apply(*state)   {}

// UnknownEvent is a well-formed frame of a type this client does not handle.
type UnknownEvent struct {
	Kind string
}

func (e UnknownEvent) Type() string { return e.Kind }
func (UnknownEvent) apply(*state)   {}

// ============================================================================
// Decoding
// ============================================================================

// DecodeFrame parses one inbound frame. Fields are read from "payload" when
// the frame has one and from the top level otherwise.
func DecodeFrame(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedFrame
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrMalformedFrame
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	body := frameBody(data)

	switch typ.Str {
	case EventNewMessage:
		return decodeNewMessage(body)
	case EventMessageRead:
		return decodeMessageRead(body)
	case EventUserTyping:
		chatID, userID := body.Get("chat_id").Int(), body.Get("user_id").Int()
		if chatID == 0 || userID == 0 {
			return nil, fmt.Errorf("%w: user_typing needs chat_id and user_id", ErrMalformedFrame)
		}
		return UserTypingEvent{ChatID: chatID, UserID: userID, IsTyping: body.Get("is_typing").Bool()}, nil
	case EventUserOnline:
		userID := body.Get("user_id").Int()
		if userID == 0 {
			return nil, fmt.Errorf("%w: user_online needs user_id", ErrMalformedFrame)
		}
		return UserOnlineEvent{UserID: userID}, nil
	case EventUserOffline:
		userID := body.Get("user_id").Int()
		if userID == 0 {
			return nil, fmt.Errorf("%w: user_offline needs user_id", ErrMalformedFrame)
		}
		// The user goes offline even when last_seen cannot be parsed.
		ev := UserOfflineEvent{UserID: userID}
		if t, ok := parseLastSeen(body); ok {
			ev.LastSeen = &t
		}
		return ev, nil
	case EventOnlineUsers:
		ids := body.Get("online_users")
		if !ids.Exists() {
			ids = body.Get("user_ids")
		}
		ev := OnlineUsersEvent{UserIDs: []int64{}}
		for _, v := range ids.Array() {
			ev.UserIDs = append(ev.UserIDs, v.Int())
		}
		return ev, nil
	case EventUsersLastSeen:
		ev := UsersLastSeenEvent{LastSeen: make(map[int64]time.Time)}
		for _, v := range body.Get("users_last_seen").Array() {
			t, err := time.Parse(time.RFC3339, v.Get("last_seen").String())
			if err != nil || v.Get("user_id").Int() == 0 {
				continue
			}
			ev.LastSeen[v.Get("user_id").Int()] = t
		}
		return ev, nil
	case EventAttachmentUpload, EventAttachmentDelete:
		return AttachmentEvent{Kind: typ.Str}, nil
	case EventPong, EventConnected, EventMessageDelivered:
		return ControlEvent{Kind: typ.Str}, nil
	default:
		return UnknownEvent{Kind: typ.Str}, nil
	}
}

// parseLastSeen reads an RFC 3339 last_seen field. ok is false when the
// field is absent or unparseable.
func parseLastSeen(body gjson.Result) (time.Time, bool) {
	ls := body.Get("last_seen").String()
	if ls == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, ls)
	return t, err == nil
}

// frameBody is the object frame fields are read from.
func frameBody(data []byte) gjson.Result {
	root := gjson.ParseBytes(data)
	if p := root.Get("payload"); p.IsObject() {
		return p
	}
	return root
}

func decodeNewMessage(body gjson.Result) (Event, error) {
	raw := body
	if nested := body.Get("message"); nested.IsObject() {
		raw = nested
	}
	var m Message
	if err := json.Unmarshal([]byte(raw.Raw), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.ChatID == 0 {
		m.ChatID = body.Get("chat_id").Int()
	}
	if m.ID == 0 || m.ChatID == 0 {
		return nil, fmt.Errorf("%w: new_message needs id and chat_id", ErrMalformedFrame)
	}
	return NewMessageEvent{Message: m}, nil
}

func decodeMessageRead(body gjson.Result) (Event, error) {
	chatID := body.Get("chat_id").Int()
	if chatID == 0 {
		return nil, fmt.Errorf("%w: message_read needs chat_id", ErrMalformedFrame)
	}
	ev := MessageReadEvent{ChatID: chatID, MessageIDs: []int64{}}
	if ids := body.Get("message_ids"); ids.IsArray() {
		for _, v := range ids.Array() {
			ev.MessageIDs = append(ev.MessageIDs, v.Int())
		}
	} else if id := body.Get("message_id").Int(); id != 0 {
		ev.MessageIDs = append(ev.MessageIDs, id)
	}
	ev.ReaderID = body.Get("reader_id").Int()
	if ev.ReaderID == 0 {
		ev.ReaderID = body.Get("read_by").Int()
	}
	return ev, nil
}

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher turns inbound frames into store actions, exactly one per frame.
type Dispatcher struct {
	store  *Store
	logger zerolog.Logger
}

func NewDispatcher(store *Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// HandleFrame applies one frame. Malformed and unknown frames are logged and
// dropped; the store is left as it was.
func (d *Dispatcher) HandleFrame(data []byte) {
	ev, err := DecodeFrame(data)
	if err != nil {
		d.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping push frame")
		return
	}
	switch e := ev.(type) {
	case UnknownEvent:
		d.logger.Warn().Str("type", e.Kind).Msg("unknown push frame type")
		return
	case ControlEvent:
		d.logger.Debug().Str("type", e.Kind).Msg("control frame")
	case UserOfflineEvent:
		if e.LastSeen == nil {
			if ls := frameBody(data).Get("last_seen").String(); ls != "" {
				d.logger.Warn().Int64("user_id", e.UserID).Str("last_seen", ls).Msg("ignoring unparseable last_seen")
			}
		}
	}
	d.store.Dispatch(ev)
}
