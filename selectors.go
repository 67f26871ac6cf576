package chatsync

import (
	"sort"
	"time"
)

// Pure derivations over state. Callers hold the store lock.

func selectChats(st *state) []Chat {
	out := make([]Chat, len(st.chats))
	for i, c := range st.chats {
		out[i] = cloneChat(c)
	}
	return out
}

func selectChat(st *state, chatID int64) (Chat, bool) {
	if i := st.chatIndex(chatID); i >= 0 {
		return cloneChat(st.chats[i]), true
	}
	return Chat{}, false
}

func selectMessages(st *state, chatID int64) []Message {
	list := st.messages[chatID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = m.clone()
	}
	return out
}

// selectTotalUnread is always recomputed, never stored.
func selectTotalUnread(st *state) int {
	total := 0
	for _, c := range st.chats {
		total += c.UnreadCount
	}
	for _, n := range st.unlistedUnread {
		total += n
	}
	return total
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// selectParticipantIDs lists every distinct user that appears in a loaded
// chat, in first-seen order.
func selectParticipantIDs(st *state) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	add := func(id int64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, c := range st.chats {
		add(c.BuyerID)
		add(c.SellerID)
		if c.OtherUser != nil {
			add(c.OtherUser.ID)
		}
	}
	return out
}

func cloneChat(c Chat) Chat {
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		c.LastMessage = &m
	}
	if c.Buyer != nil {
		u := *c.Buyer
		c.Buyer = &u
	}
	if c.Seller != nil {
		u := *c.Seller
		c.Seller = &u
	}
	if c.OtherUser != nil {
		u := *c.OtherUser
		c.OtherUser = &u
	}
	return c
}

// ============================================================================
// Store accessors
// ============================================================================

// Chats returns the chat list ordered by last activity, newest first.
func (s *Store) Chats() (out []Chat) {
	s.view(func(st *state) { out = selectChats(st) })
	return out
}

func (s *Store) Chat(chatID int64) (c Chat, ok bool) {
	s.view(func(st *state) { c, ok = selectChat(st, chatID) })
	return c, ok
}

// ActiveChat returns the chat the UI points at, if it is loaded.
func (s *Store) ActiveChat() (c Chat, ok bool) {
	s.view(func(st *state) {
		if st.activeChatID != 0 {
			c, ok = selectChat(st, st.activeChatID)
		}
	})
	return c, ok
}

func (s *Store) ActiveChatID() (id int64) {
	s.view(func(st *state) { id = st.activeChatID })
	return id
}

func (s *Store) PendingChatID() (id int64) {
	s.view(func(st *state) { id = st.pendingChatID })
	return id
}

func (s *Store) CurrentUserID() (id int64) {
	s.view(func(st *state) { id = st.currentUserID })
	return id
}

// Messages returns a chat's messages in ascending created_at order. The
// result is empty, not nil, for unknown chats.
func (s *Store) Messages(chatID int64) (out []Message) {
	s.view(func(st *state) { out = selectMessages(st, chatID) })
	return out
}

func (s *Store) TotalUnread() (n int) {
	s.view(func(st *state) { n = selectTotalUnread(st) })
	return n
}

func (s *Store) OnlineUsers() (out []int64) {
	s.view(func(st *state) { out = sortedIDs(st.onlineUsers) })
	return out
}

func (s *Store) IsOnline(userID int64) (ok bool) {
	s.view(func(st *state) { _, ok = st.onlineUsers[userID] })
	return ok
}

func (s *Store) LastSeen(userID int64) (t time.Time, ok bool) {
	s.view(func(st *state) { t, ok = st.userLastSeen[userID] })
	return t, ok
}

func (s *Store) TypingUsers(chatID int64) (out []int64) {
	s.view(func(st *state) { out = sortedIDs(st.typingUsers[chatID]) })
	return out
}

// UploadingFiles returns in-flight and failed uploads keyed by file id.
func (s *Store) UploadingFiles() (out map[string]UploadingFile) {
	s.view(func(st *state) {
		out = make(map[string]UploadingFile, len(st.uploadingFiles))
		for k, v := range st.uploadingFiles {
			out[k] = v
		}
	})
	return out
}

func (s *Store) HasMoreChats() (b bool) {
	s.view(func(st *state) { b = st.hasMoreChats })
	return b
}

func (s *Store) ChatsPage() (p int) {
	s.view(func(st *state) { p = st.chatsPage })
	return p
}

func (s *Store) HasMoreMessages(chatID int64) (b bool) {
	s.view(func(st *state) { b = st.hasMoreMessages[chatID] })
	return b
}

func (s *Store) MessagesPage(chatID int64) (p int) {
	s.view(func(st *state) { p = st.messagesPage[chatID] })
	return p
}

func (s *Store) MessagesLoaded(chatID int64) (b bool) {
	s.view(func(st *state) { b = st.messagesLoaded[chatID] })
	return b
}

func (s *Store) Loading() (b bool) {
	s.view(func(st *state) { b = st.loading })
	return b
}

// Err returns the last recorded failure, or "" if the last fetch succeeded.
func (s *Store) Err() (e string) {
	s.view(func(st *state) { e = st.err })
	return e
}

// ParticipantIDs lists the distinct users of all loaded chats.
func (s *Store) ParticipantIDs() (out []int64) {
	s.view(func(st *state) { out = selectParticipantIDs(st) })
	return out
}
