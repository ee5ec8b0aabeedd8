package chat

import (
	"errors"
	"slices"
	"strconv"
	"time"

	"consultancy-chat/internal/crypto"
)

var (
	ErrNotFound            = errors.New("conversation not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrEmptyContent        = errors.New("message content is required")
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrGroupTooSmall       = errors.New("a group needs more than two members")
)

// DefaultGroupName labels groups created without a name.
const DefaultGroupName = "Unnamed Group"

// Entity kinds used in realtime update frames.
const (
	EntityConversation = "conversation"
	EntityMessage      = "message"
)

// ---------------------------------------------
// 🗄️ Database Models
// ---------------------------------------------

type Conversation struct {
	ID             int64
	CompanyID      string
	IsGroup        bool
	ParticipantIDs []int64
	Group          *GroupInfo // set if and only if IsGroup
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (c *Conversation) HasParticipant(userID int64) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Others is every participant except userID.
func (c *Conversation) Others(userID int64) []int64 {
	out := make([]int64, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

type GroupInfo struct {
	Name      string
	Avatar    string
	AdminIDs  []int64
	CreatedBy int64
}

// Listing is a conversation as it appears in a member's inbox.
type Listing struct {
	Conversation
	LastMessageAt *time.Time
	UnreadCount   int
}

// Message holds up to two renderings of the same text: the plaintext, and
// the ciphertext with one wrapped key per recipient. A message with neither
// is corrupt and skipped on read.
type Message struct {
	ID               int64
	ConversationID   int64
	SenderID         int64
	CompanyID        string
	Text             string
	EncryptedContent string
	EncryptedKeys    map[string]string // user id -> wrapped key
	EncryptedMAC     string
	Timestamp        time.Time
	ReadBy           []int64
}

func (m *Message) IsEncrypted() bool {
	return m.EncryptedContent != "" && len(m.EncryptedKeys) > 0
}

// WrappedKeyFor returns the reader's wrapped key, if the message has one.
func (m *Message) WrappedKeyFor(userID int64) (string, bool) {
	k, ok := m.EncryptedKeys[strconv.FormatInt(userID, 10)]
	return k, ok && k != ""
}

func (m *Message) Payload() crypto.Payload {
	return crypto.Payload{Ciphertext: m.EncryptedContent, MAC: m.EncryptedMAC}
}

func (m *Message) ReadByUser(userID int64) bool {
	return slices.Contains(m.ReadBy, userID)
}

// directKey identifies the unordered pair of a direct conversation.
func directKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// ---------------------------------------------
// 📡 API Models
// ---------------------------------------------

type ConversationSummary struct {
	ID                int64      `json:"id,string"`
	ParticipantID     int64      `json:"participantId,string,omitempty"`
	ParticipantName   string     `json:"participantName"`
	ParticipantAvatar string     `json:"participantAvatar,omitempty"`
	ParticipantRole   string     `json:"participantRole,omitempty"`
	IsGroup           bool       `json:"isGroup"`
	GroupName         string     `json:"groupName,omitempty"`
	GroupAvatar       string     `json:"groupAvatar,omitempty"`
	MemberIDs         []string   `json:"memberIds,omitempty"`
	UnreadCount       int        `json:"unreadCount"`
	IsOnline          bool       `json:"isOnline"`
	LastMessageTime   *time.Time `json:"lastMessageTime"`
}

// MessageView is one message rendered for one reader. Encrypted reports
// whether the text came from the ciphertext.
type MessageView struct {
	ID           int64     `json:"id,string"`
	SenderID     int64     `json:"senderId,string"`
	SenderName   string    `json:"senderName"`
	SenderAvatar string    `json:"senderAvatar,omitempty"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	Read         bool      `json:"read"`
	Encrypted    bool      `json:"encrypted"`
}

type CreateConversationRequest struct {
	ParticipantIDs []int64 `json:"participant_ids"`
	Name           string  `json:"name"`
	Avatar         string  `json:"avatar"`
}

type CreateConversationResponse struct {
	ID     int64 `json:"id,string"`
	Exists bool  `json:"exists"`
}

type SendMessageRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}
