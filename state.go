package chatsync

import (
	"sort"
	"time"
)

// state is the normalized store. It is only touched by reducers running
// under Store.mu.
type state struct {
	chats         []Chat
	activeChatID  int64
	pendingChatID int64
	currentUserID int64

	chatsPage    int
	hasMoreChats bool

	messages        map[int64][]Message
	messagesPage    map[int64]int
	hasMoreMessages map[int64]bool
	messagesLoaded  map[int64]bool

	typingUsers  map[int64]map[int64]struct{}
	onlineUsers  map[int64]struct{}
	userLastSeen map[int64]time.Time

	uploadingFiles map[string]UploadingFile

	loading bool
	err     string

	// archived holds chats removed by ArchiveChat so that stale in-flight
	// fetches cannot bring them back.
	archived map[int64]struct{}
	// unlistedUnread counts pushed messages for chats not in the list.
	unlistedUnread map[int64]int
}

func newState() *state {
	return &state{
		chatsPage:       1,
		hasMoreChats:    true,
		messages:        make(map[int64][]Message),
		messagesPage:    make(map[int64]int),
		hasMoreMessages: make(map[int64]bool),
		messagesLoaded:  make(map[int64]bool),
		typingUsers:     make(map[int64]map[int64]struct{}),
		onlineUsers:     make(map[int64]struct{}),
		userLastSeen:    make(map[int64]time.Time),
		uploadingFiles:  make(map[string]UploadingFile),
		archived:        make(map[int64]struct{}),
		unlistedUnread:  make(map[int64]int),
	}
}

// Action is a state transition. The set of actions is closed: every
// implementation lives in this package.
type Action interface {
	apply(st *state)
}

// ============================================================================
// Shared reducer helpers
// ============================================================================

func (st *state) chatIndex(chatID int64) int {
	for i := range st.chats {
		if st.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (st *state) isArchived(chatID int64) bool {
	_, ok := st.archived[chatID]
	return ok
}

func messageIndex(list []Message, id int64) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// findMessage locates a message in any chat.
func (st *state) findMessage(id int64) (chatID int64, idx int) {
	for cid, list := range st.messages {
		if i := messageIndex(list, id); i >= 0 {
			return cid, i
		}
	}
	return 0, -1
}

// appendMessage appends m to its chat unless a message with the same id is
// already present. The id is the dedupe key; created_at is never consulted.
func (st *state) appendMessage(m Message) bool {
	list := st.messages[m.ChatID]
	if messageIndex(list, m.ID) >= 0 {
		return false
	}
	st.messages[m.ChatID] = append(list, m.clone())
	return true
}

func (st *state) setLastMessage(m Message) {
	i := st.chatIndex(m.ChatID)
	if i < 0 {
		return
	}
	last := m.clone()
	st.chats[i].LastMessage = &last
	st.chats[i].LastMessageAt = m.CreatedAt
}

// sortChats orders the chat list by last activity, newest first. The sort is
// stable so chats with equal timestamps keep their relative order.
func (st *state) sortChats() {
	sort.SliceStable(st.chats, func(i, j int) bool {
		return st.chats[i].sortTime().After(st.chats[j].sortTime())
	})
}

// markRead is shared by the REST confirmation and the read-receipt push so
// both converge on the same terminal state.
func (st *state) markRead(chatID int64, messageIDs []int64) {
	if list := st.messages[chatID]; len(list) > 0 && len(messageIDs) > 0 {
		ids := make(map[int64]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			ids[id] = struct{}{}
		}
		for i := range list {
			if _, ok := ids[list[i].ID]; ok {
				list[i].IsRead = true
			}
		}
	}
	if i := st.chatIndex(chatID); i >= 0 {
		st.chats[i].UnreadCount = 0
	}
	delete(st.unlistedUnread, chatID)
}

func sortMessagesAsc(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// ============================================================================
// Request lifecycle
// ============================================================================

// LoadStarted marks a fetch as in flight.
type LoadStarted struct {
	Op string
}

func (a LoadStarted) apply(st *state) {
	st.loading = true
	st.err = ""
}

// LoadFailed records a failed fetch or mutation.
type LoadFailed struct {
	Op  string
	Err string
}

func (a LoadFailed) apply(st *state) {
	st.loading = false
	st.err = a.Err
}

// ============================================================================
// REST results
// ============================================================================

// ChatsLoaded merges one page of the chat list.
type ChatsLoaded struct {
	Page   int
	Result ChatsPage
}

func (a ChatsLoaded) apply(st *state) {
	st.loading = false
	st.err = ""

	incoming := make([]Chat, 0, len(a.Result.Chats))
	for _, c := range a.Result.Chats {
		if st.isArchived(c.ID) {
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		incoming = append(incoming, c)
	}

	if a.Page <= 1 {
		st.chats = incoming
		st.unlistedUnread = make(map[int64]int)
	} else {
		for _, c := range incoming {
			if st.chatIndex(c.ID) >= 0 {
				continue
			}
			st.chats = append(st.chats, c)
		}
	}
	for _, c := range incoming {
		delete(st.unlistedUnread, c.ID)
	}

	st.chatsPage = a.Result.Page
	if st.chatsPage == 0 {
		st.chatsPage = a.Page
	}
	st.hasMoreChats = a.Result.Limit > 0 && len(a.Result.Chats) == a.Result.Limit

	if st.pendingChatID != 0 && st.chatIndex(st.pendingChatID) >= 0 {
		st.activeChatID = st.pendingChatID
		st.pendingChatID = 0
	}
}

// MessagesLoaded merges one page of a chat's history.
type MessagesLoaded struct {
	ChatID int64
	Page   int
	Result MessagesPage
}

func (a MessagesLoaded) apply(st *state) {
	st.loading = false
	st.err = ""
	if st.isArchived(a.ChatID) {
		return
	}

	page := make([]Message, 0, len(a.Result.Messages))
	for _, m := range a.Result.Messages {
		m = m.clone()
		m.ChatID = a.ChatID
		m.normalizeAttachments()
		page = append(page, m)
	}
	sortMessagesAsc(page)

	if a.Page <= 1 {
		st.messages[a.ChatID] = page
	} else {
		existing := st.messages[a.ChatID]
		older := make([]Message, 0, len(page))
		for _, m := range page {
			if messageIndex(existing, m.ID) < 0 && messageIndex(older, m.ID) < 0 {
				older = append(older, m)
			}
		}
		st.messages[a.ChatID] = append(older, existing...)
	}

	st.messagesPage[a.ChatID] = a.Page
	st.hasMoreMessages[a.ChatID] = a.Result.Limit > 0 && len(a.Result.Messages) == a.Result.Limit
	st.messagesLoaded[a.ChatID] = true
}

// MessageSent applies a server-confirmed message written by the local user.
type MessageSent struct {
	Message Message
}

func (a MessageSent) apply(st *state) {
	m := a.Message.clone()
	m.normalizeAttachments()
	if st.isArchived(m.ChatID) {
		return
	}
	st.appendMessage(m)
	st.setLastMessage(m)
	st.sortChats()
}

// MessagesMarkedRead applies a confirmed mark-as-read call.
type MessagesMarkedRead struct {
	ChatID     int64
	MessageIDs []int64
}

func (a MessagesMarkedRead) apply(st *state) {
	st.markRead(a.ChatID, a.MessageIDs)
}

// ChatArchived removes a chat together with everything that hangs off it.
type ChatArchived struct {
	ChatID int64
}

func (a ChatArchived) apply(st *state) {
	if i := st.chatIndex(a.ChatID); i >= 0 {
		st.chats = append(st.chats[:i], st.chats[i+1:]...)
	}
	delete(st.messages, a.ChatID)
	delete(st.messagesPage, a.ChatID)
	delete(st.hasMoreMessages, a.ChatID)
	delete(st.messagesLoaded, a.ChatID)
	delete(st.typingUsers, a.ChatID)
	delete(st.unlistedUnread, a.ChatID)
	st.archived[a.ChatID] = struct{}{}

	if st.activeChatID == a.ChatID {
		st.activeChatID = 0
	}
	if st.pendingChatID == a.ChatID {
		st.pendingChatID = 0
	}
}

// MessageRefreshed replaces a message with a fresh copy from the server.
type MessageRefreshed struct {
	ChatID  int64
	Message Message
}

func (a MessageRefreshed) apply(st *state) {
	if st.isArchived(a.ChatID) {
		return
	}
	list := st.messages[a.ChatID]
	i := messageIndex(list, a.Message.ID)
	if i < 0 {
		return
	}
	m := a.Message.clone()
	m.ChatID = a.ChatID
	m.normalizeAttachments()
	list[i] = m
}

// ============================================================================
// Uploads
// ============================================================================

type UploadStarted struct {
	Files []UploadingFile
}

func (a UploadStarted) apply(st *state) {
	for _, f := range a.Files {
		f.Progress = 0
		f.Status = UploadPending
		f.Error = ""
		st.uploadingFiles[f.ID] = f
	}
}

type UploadProgressed struct {
	FileIDs  []string
	Progress int
}

func (a UploadProgressed) apply(st *state) {
	p := a.Progress
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	for _, id := range a.FileIDs {
		f, ok := st.uploadingFiles[id]
		if !ok || f.Status == UploadError {
			continue
		}
		f.Progress = p
		f.Status = UploadUploading
		st.uploadingFiles[id] = f
	}
}

// UploadSucceeded swaps a batch of in-flight files for the persisted
// attachments of the target message.
type UploadSucceeded struct {
	MessageID   int64
	FileIDs     []string
	Attachments []Attachment
}

func (a UploadSucceeded) apply(st *state) {
	for _, id := range a.FileIDs {
		delete(st.uploadingFiles, id)
	}
	chatID, i := st.findMessage(a.MessageID)
	if i < 0 {
		return
	}
	st.messages[chatID][i].setAttachments(a.Attachments)
}

// UploadFailed keeps the batch visible with the error attached.
type UploadFailed struct {
	FileIDs []string
	Err     string
}

func (a UploadFailed) apply(st *state) {
	for _, id := range a.FileIDs {
		f, ok := st.uploadingFiles[id]
		if !ok {
			continue
		}
		f.Status = UploadError
		f.Error = a.Err
		st.uploadingFiles[id] = f
	}
}

// UploadDismissed drops one in-flight or failed file.
type UploadDismissed struct {
	FileID string
}

func (a UploadDismissed) apply(st *state) {
	delete(st.uploadingFiles, a.FileID)
}

// AttachmentDeleted removes an attachment from whichever message holds it.
type AttachmentDeleted struct {
	AttachmentID int64
}

func (a AttachmentDeleted) apply(st *state) {
	for _, list := range st.messages {
		for i := range list {
			atts := list[i].Attachments
			for j := range atts {
				if atts[j].ID != a.AttachmentID {
					continue
				}
				kept := make([]Attachment, 0, len(atts)-1)
				kept = append(kept, atts[:j]...)
				kept = append(kept, atts[j+1:]...)
				list[i].setAttachments(kept)
				return
			}
		}
	}
}

// ============================================================================
// Local UI state
// ============================================================================

type CurrentUserSet struct {
	UserID int64
}

func (a CurrentUserSet) apply(st *state) { st.currentUserID = a.UserID }

// ActiveChatSet points the UI at a chat; zero clears the pointer.
type ActiveChatSet struct {
	ChatID int64
}

func (a ActiveChatSet) apply(st *state) {
	if a.ChatID != 0 && st.chatIndex(a.ChatID) < 0 {
		return
	}
	st.activeChatID = a.ChatID
}

// LatestChatSelected activates the most recent chat.
type LatestChatSelected struct{}

func (LatestChatSelected) apply(st *state) {
	if len(st.chats) > 0 {
		st.activeChatID = st.chats[0].ID
	}
}

// PendingChatSet remembers a chat to activate once it shows up in the list.
type PendingChatSet struct {
	ChatID int64
}

func (a PendingChatSet) apply(st *state) { st.pendingChatID = a.ChatID }

// StateReset clears everything, e.g. on logout.
type StateReset struct{}

func (StateReset) apply(st *state) { *st = *newState() }
