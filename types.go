package chatsync

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrMalformedFrame is returned by DecodeFrame for push frames that are not
	// valid JSON or lack the fields their type requires.
	ErrMalformedFrame = errors.New("malformed push frame")

	// ErrNotConnected is returned when an outbound frame is sent while the push
	// connection is closed.
	ErrNotConnected = errors.New("push connection not open")

	ErrNoFiles        = errors.New("no files to upload")
	ErrTooManyFiles   = fmt.Errorf("at most %d files per upload", MaxFilesPerUpload)
	ErrChatIDRequired = errors.New("chat id is required")
)

// APIError represents a failed REST call: either a non-2xx status or a
// response envelope with success=false.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chat api %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chat api %d: %s", e.Status, e.Code)
}

// IsUnauthorized reports whether err is an APIError with status 401.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// ============================================================================
// Chat domain
// ============================================================================

type UserSummary struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PictureURL string `json:"picture_url,omitempty"`
}

// Chat is a conversation between a buyer and a seller about one listing or
// one storefront product.
type Chat struct {
	ID                  int64        `json:"id"`
	ListingID           int64        `json:"listing_id,omitempty"`
	StorefrontProductID int64        `json:"storefront_product_id,omitempty"`
	BuyerID             int64        `json:"buyer_id"`
	SellerID            int64        `json:"seller_id"`
	Buyer               *UserSummary `json:"buyer,omitempty"`
	Seller              *UserSummary `json:"seller,omitempty"`
	OtherUser           *UserSummary `json:"other_user,omitempty"`
	LastMessage         *Message     `json:"last_message,omitempty"`
	LastMessageAt       time.Time    `json:"last_message_at"`
	UnreadCount         int          `json:"unread_count"`
	IsArchived          bool         `json:"is_archived"`
	CreatedAt           time.Time    `json:"created_at"`
}

// sortTime is the timestamp the chat list is ordered by.
func (c *Chat) sortTime() time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

type Message struct {
	ID               int64        `json:"id"`
	ChatID           int64        `json:"chat_id"`
	ListingID        int64        `json:"listing_id,omitempty"`
	SenderID         int64        `json:"sender_id"`
	ReceiverID       int64        `json:"receiver_id,omitempty"`
	Content          string       `json:"content"`
	CreatedAt        time.Time    `json:"created_at"`
	IsRead           bool         `json:"is_read"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	AttachmentsCount int          `json:"attachments_count"`
	HasAttachments   bool         `json:"has_attachments"`
}

// normalizeAttachments makes HasAttachments agree with AttachmentsCount. A
// message that carries its attachment list takes the count from the list.
func (m *Message) normalizeAttachments() {
	if len(m.Attachments) > 0 {
		m.AttachmentsCount = len(m.Attachments)
	}
	if m.AttachmentsCount < 0 {
		m.AttachmentsCount = 0
	}
	m.HasAttachments = m.AttachmentsCount > 0
}

func (m *Message) setAttachments(atts []Attachment) {
	m.Attachments = append([]Attachment(nil), atts...)
	m.AttachmentsCount = len(m.Attachments)
	m.HasAttachments = m.AttachmentsCount > 0
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

type Attachment struct {
	ID           int64     `json:"id"`
	MessageID    int64     `json:"message_id"`
	FileType     string    `json:"file_type,omitempty"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	ContentType  string    `json:"content_type,omitempty"`
	PublicURL    string    `json:"public_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UploadStatus is the lifecycle state of a file that has not been persisted yet.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadError     UploadStatus = "error"
)

// UploadingFile is a client-only attachment in flight. Successful uploads
// remove it; failed ones keep it with Status=error for retry or dismissal.
type UploadingFile struct {
	ID          string       `json:"id"`
	MessageID   int64        `json:"message_id"`
	Name        string       `json:"name"`
	Size        int64        `json:"size"`
	ContentType string       `json:"content_type,omitempty"`
	Progress    int          `json:"progress"`
	Status      UploadStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
}

// ============================================================================
// REST payloads
// ============================================================================

type ChatsPage struct {
	Chats []Chat `json:"chats"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

type MessagesPage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
}

type MessagesQuery struct {
	ChatID int64
	Page   int
	Limit  int
}

// SendMessageRequest creates a message. ChatID is zero when the message opens
// a new conversation; the listing or storefront product and the receiver
// identify it instead.
type SendMessageRequest struct {
	ChatID              int64  `json:"chat_id,omitempty"`
	ListingID           int64  `json:"listing_id,omitempty"`
	StorefrontProductID int64  `json:"storefront_product_id,omitempty"`
	ReceiverID          int64  `json:"receiver_id,omitempty"`
	Content             string `json:"content"`
}

type markReadRequest struct {
	ChatID     int64   `json:"chat_id"`
	MessageIDs []int64 `json:"message_ids"`
}
