package chatsync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one logged-in user's view of the chat service: the REST client,
// the normalized store and the push connection that keeps it current.
type Session struct {
	client   *Client
	store    *Store
	conn     *ConnectionManager
	logger   zerolog.Logger
	pageSize int
	rtConfig RealtimeConfig
}

type SessionOption func(*Session)

func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithPageSize sets the limit used for chat and message fetches.
func WithPageSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithRealtimeConfig(config RealtimeConfig) SessionOption {
	return func(s *Session) { s.rtConfig = config }
}

func NewSession(client *Client, opts ...SessionOption) *Session {
	s := &Session{
		client:   client,
		logger:   client.logger,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "session").Logger()
	s.store = NewStore(WithStoreLogger(s.logger))
	s.conn = NewConnectionManager(client.WebSocketURL(), client.creds, s.store, s.rtConfig, s.logger)
	return s
}

func (s *Session) Store() *Store                  { return s.store }
func (s *Session) Connection() *ConnectionManager { return s.conn }
func (s *Session) Client() *Client                { return s.client }

// ============================================================================
// Connection lifecycle
// ============================================================================

// Connect opens the push connection. Load chats first so presence can be
// queried for their participants.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Open(ctx)
}

func (s *Session) Disconnect() {
	s.conn.Close()
}

// Logout closes the push connection and clears all state.
func (s *Session) Logout() {
	s.conn.Close()
	s.store.Reset()
}

// ============================================================================
// Sync operations
// ============================================================================

// FetchChats loads one page of the chat list into the store. Page 1 replaces
// the list, later pages append.
func (s *Session) FetchChats(ctx context.Context, page int) (*ChatsPage, error) {
	if page < 1 {
		page = 1
	}
	if !s.client.Authenticated() {
		return &ChatsPage{Chats: []Chat{}, Page: 1, Limit: s.pageSize}, nil
	}

	s.store.Dispatch(LoadStarted{Op: "fetch_chats"})
	res, err := s.client.Chats.List(ctx, page, s.pageSize)
	if err != nil {
		if IsUnauthorized(err) {
			s.logger.Warn().Msg("chat list rejected credential, treating as empty")
			empty := &ChatsPage{Chats: []Chat{}, Page: 1, Limit: s.pageSize}
			s.store.Dispatch(ChatsLoaded{Page: 1, Result: *empty})
			return empty, nil
		}
		s.store.Dispatch(LoadFailed{Op: "fetch_chats", Err: err.Error()})
		return nil, fmt.Errorf("fetch chats: %w", err)
	}

	s.store.Dispatch(ChatsLoaded{Page: page, Result: *res})
	return res, nil
}

// FetchMoreChats loads the page after the last one loaded.
func (s *Session) FetchMoreChats(ctx context.Context) (*ChatsPage, error) {
	return s.FetchChats(ctx, s.store.ChatsPage()+1)
}

// FetchMessages loads one page of a chat's history. Page 1 holds the newest
// messages and replaces what the store has; later pages prepend older ones.
func (s *Session) FetchMessages(ctx context.Context, q MessagesQuery) (*MessagesPage, error) {
	if q.ChatID == 0 {
		return nil, ErrChatIDRequired
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = s.pageSize
	}
	if !s.client.Authenticated() {
		return &MessagesPage{Messages: []Message{}, Page: q.Page, Limit: q.Limit}, nil
	}

	s.store.Dispatch(LoadStarted{Op: "fetch_messages"})
	res, err := s.client.Messages.List(ctx, q)
	if err != nil {
		s.store.Dispatch(LoadFailed{Op: "fetch_messages", Err: err.Error()})
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	s.store.Dispatch(MessagesLoaded{ChatID: q.ChatID, Page: q.Page, Result: *res})
	return res, nil
}

// FetchOlderMessages loads the page before the oldest one loaded for chatID.
func (s *Session) FetchOlderMessages(ctx context.Context, chatID int64) (*MessagesPage, error) {
	return s.FetchMessages(ctx, MessagesQuery{ChatID: chatID, Page: s.store.MessagesPage(chatID) + 1})
}

// SendMessage creates a message and applies it once the server confirms it.
// A message that opens a new conversation makes that chat active as soon as
// it appears in the reloaded chat list.
func (s *Session) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	if !s.client.Authenticated() {
		return nil, nil
	}

	msg, err := s.client.Messages.Send(ctx, req)
	if err != nil {
		s.store.Dispatch(LoadFailed{Op: "send_message", Err: err.Error()})
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.store.Dispatch(MessageSent{Message: *msg})

	if req.ChatID == 0 {
		if _, listed := s.store.Chat(msg.ChatID); !listed {
			s.store.Dispatch(PendingChatSet{ChatID: msg.ChatID})
			if _, err := s.FetchChats(ctx, 1); err != nil {
				s.logger.Warn().Err(err).Int64("chat_id", msg.ChatID).Msg("reload chats after first message")
			}
		}
	}
	return msg, nil
}

// MarkMessagesAsRead marks messages read on the server, then locally.
func (s *Session) MarkMessagesAsRead(ctx context.Context, chatID int64, messageIDs []int64) error {
	if len(messageIDs) == 0 || !s.client.Authenticated() {
		return nil
	}
	if err := s.client.Messages.MarkRead(ctx, chatID, messageIDs); err != nil {
		s.store.Dispatch(LoadFailed{Op: "mark_read", Err: err.Error()})
		return fmt.Errorf("mark messages read: %w", err)
	}
	s.store.Dispatch(MessagesMarkedRead{ChatID: chatID, MessageIDs: messageIDs})
	return nil
}

func (s *Session) ArchiveChat(ctx context.Context, chatID int64) error {
	if !s.client.Authenticated() {
		return nil
	}
	if err := s.client.Chats.Archive(ctx, chatID); err != nil {
		s.store.Dispatch(LoadFailed{Op: "archive_chat", Err: err.Error()})
		return fmt.Errorf("archive chat: %w", err)
	}
	s.store.Dispatch(ChatArchived{ChatID: chatID})
	return nil
}

// UploadFiles attaches files to a message. While the request runs each file
// is tracked in the store's uploading table. On success the entries are
// replaced by the message's attachments; on failure they stay with
// status=error.
func (s *Session) UploadFiles(ctx context.Context, messageID int64, files []UploadFile) ([]Attachment, error) {
	if !s.client.Authenticated() {
		return nil, nil
	}
	if err := validateUpload(files); err != nil {
		return nil, err
	}

	ids := make([]string, len(files))
	entries := make([]UploadingFile, len(files))
	for i, f := range files {
		ids[i] = uuid.NewString()
		contentType := f.ContentType
		if contentType == "" {
			contentType = guessContentType(f.Name, f.Data)
		}
		entries[i] = UploadingFile{
			ID:          ids[i],
			MessageID:   messageID,
			Name:        f.Name,
			Size:        int64(len(f.Data)),
			ContentType: contentType,
			Status:      UploadPending,
		}
	}
	s.store.Dispatch(UploadStarted{Files: entries})

	attachments, err := s.client.Attachments.Upload(ctx, messageID, files, func(percent int) {
		s.store.Dispatch(UploadProgressed{FileIDs: ids, Progress: percent})
	})
	if err != nil {
		s.store.Dispatch(UploadFailed{FileIDs: ids, Err: err.Error()})
		return nil, fmt.Errorf("upload files: %w", err)
	}

	s.store.Dispatch(UploadSucceeded{MessageID: messageID, FileIDs: ids, Attachments: attachments})
	return attachments, nil
}

func (s *Session) DeleteAttachment(ctx context.Context, attachmentID int64) error {
	if !s.client.Authenticated() {
		return nil
	}
	if err := s.client.Attachments.Delete(ctx, attachmentID); err != nil {
		s.store.Dispatch(LoadFailed{Op: "delete_attachment", Err: err.Error()})
		return fmt.Errorf("delete attachment: %w", err)
	}
	s.store.Dispatch(AttachmentDeleted{AttachmentID: attachmentID})
	return nil
}

// RefreshMessage re-reads a recent message, typically after its attachments
// changed server-side. Only the newest message of the chat is fetched, so
// older ids are not found and leave the store unchanged.
func (s *Session) RefreshMessage(ctx context.Context, chatID, messageID int64) (*Message, error) {
	if !s.client.Authenticated() {
		return nil, nil
	}
	res, err := s.client.Messages.List(ctx, MessagesQuery{ChatID: chatID, Page: 1, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("refresh message: %w", err)
	}
	for _, m := range res.Messages {
		if m.ID == messageID {
			s.store.Dispatch(MessageRefreshed{ChatID: chatID, Message: m})
			return &m, nil
		}
	}
	return nil, nil
}

// ============================================================================
// Local UI state
// ============================================================================

// SetCurrentUser tells the store who is logged in. Unread counters only move
// once it is known.
func (s *Session) SetCurrentUser(userID int64) {
	s.store.Dispatch(CurrentUserSet{UserID: userID})
}

func (s *Session) SelectChat(chatID int64) {
	s.store.Dispatch(ActiveChatSet{ChatID: chatID})
}

func (s *Session) SelectLatestChat() {
	s.store.Dispatch(LatestChatSelected{})
}

func (s *Session) DismissUpload(fileID string) {
	s.store.Dispatch(UploadDismissed{FileID: fileID})
}

func (s *Session) SendTyping(ctx context.Context, chatID int64, isTyping bool) error {
	return s.conn.SendTyping(ctx, chatID, isTyping)
}
