package chat

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"consultancy-chat/internal/crypto"
	"consultancy-chat/internal/metrics"
	myMiddleware "consultancy-chat/internal/middleware"
	"consultancy-chat/internal/realtime"
	"consultancy-chat/internal/user"
)

// Notifier delivers realtime frames. Failures are logged by the service and
// never undo a committed write.
type Notifier interface {
	NotifyMessage(ctx context.Context, tenant string, recipients []int64, conversationID, messageID, senderID int64, at time.Time) error
	NotifyUpdate(ctx context.Context, tenant string, recipients []int64, entity string, action realtime.Action, id int64) error
}

type PresenceChecker interface {
	IsOnline(tenant string, userID int64) bool
}

// Directory supplies display profiles and tenant membership.
type Directory interface {
	UsersByID(ctx context.Context, ids []int64) ([]user.User, error)
}

type Keys interface {
	PublicKeysOf(ctx context.Context, userIDs []int64) (map[int64]string, error)
	PrivateKeyOf(ctx context.Context, userID int64) (string, bool, error)
}

type Service struct {
	store     Store
	keys      Keys
	directory Directory
	notifier  Notifier
	presence  PresenceChecker
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewService(store Store, keys Keys, directory Directory, notifier Notifier, presence PresenceChecker, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		keys:      keys,
		directory: directory,
		notifier:  notifier,
		presence:  presence,
		metrics:   m,
		logger:    logger,
	}
}

// conversationFor resolves a conversation the caller belongs to. Foreign
// tenants and non-members get the same ErrNotFound.
func (s *Service) conversationFor(ctx context.Context, caller myMiddleware.Identity, id int64) (*Conversation, error) {
	c, err := s.store.Get(ctx, caller.CompanyID, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(caller.UserID) {
		return nil, ErrNotFound
	}
	return c, nil
}

// Send stores a message, encrypted for every participant when all of them
// have a key and as plaintext only otherwise, then announces it.
func (s *Service) Send(ctx context.Context, caller myMiddleware.Identity, conversationID int64, content string) (*MessageView, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	conv, err := s.conversationFor(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ConversationID: conv.ID,
		SenderID:       caller.UserID,
		CompanyID:      conv.CompanyID,
		Text:           content,
		EncryptedKeys:  map[string]string{},
		ReadBy:         []int64{caller.UserID},
	}
	mode := s.seal(ctx, conv, msg)

	saved, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	s.metrics.MessagesSent.WithLabelValues(mode).Inc()

	if err := s.notifier.NotifyMessage(ctx, conv.CompanyID, conv.ParticipantIDs, conv.ID, saved.ID, saved.SenderID, saved.Timestamp); err != nil {
		s.logger.Warn("realtime notification failed", "conversation_id", conv.ID, "message_id", saved.ID, "error", err)
	}

	view := &MessageView{
		ID:        saved.ID,
		SenderID:  saved.SenderID,
		Text:      content,
		Timestamp: saved.Timestamp,
		Read:      true,
		Encrypted: mode == metrics.ModeEncrypted,
	}
	if profiles, err := s.profiles(ctx, []int64{caller.UserID}); err == nil {
		if u, ok := profiles[caller.UserID]; ok {
			view.SenderName, view.SenderAvatar = u.DisplayName(), u.Avatar
		}
	}
	return view, nil
}

// seal encrypts msg in place when every participant has a public key and
// reports the storage mode. Degrading to plaintext is logged, not returned.
func (s *Service) seal(ctx context.Context, conv *Conversation, msg *Message) string {
	log := s.logger.With("conversation_id", conv.ID, "sender_id", msg.SenderID)

	keys, err := s.keys.PublicKeysOf(ctx, conv.ParticipantIDs)
	if err != nil {
		log.Warn("storing message as plaintext: key lookup failed", "error", err)
		return metrics.ModePlaintext
	}
	if missing := len(conv.ParticipantIDs) - len(keys); missing > 0 {
		log.Warn("storing message as plaintext: participants without keys", "missing", missing)
		return metrics.ModePlaintext
	}
	if err := ctx.Err(); err != nil {
		log.Warn("storing message as plaintext: request cancelled", "error", err)
		return metrics.ModePlaintext
	}

	env, err := crypto.Encrypt(msg.Text, keys)
	if err != nil {
		log.Warn("storing message as plaintext: encryption failed", "error", err)
		return metrics.ModePlaintext
	}

	msg.EncryptedContent = env.Ciphertext
	msg.EncryptedKeys = env.WrappedKeys
	msg.EncryptedMAC = env.MAC
	return metrics.ModeEncrypted
}

// FetchDecrypted renders every message of the conversation for the caller,
// oldest first. A message that cannot be rendered is skipped; the fetch as a
// whole never fails because of one bad record.
func (s *Service) FetchDecrypted(ctx context.Context, caller myMiddleware.Identity, conversationID int64) ([]MessageView, error) {
	conv, err := s.conversationFor(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	privateKey := s.privateKey(ctx, caller.UserID)

	senderIDs := make([]int64, 0, len(msgs))
	for i := range msgs {
		senderIDs = append(senderIDs, msgs[i].SenderID)
	}
	profiles, err := s.profiles(ctx, senderIDs)
	if err != nil {
		s.logger.Warn("loading sender profiles failed", "conversation_id", conv.ID, "error", err)
	}

	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		r := render(m, caller.UserID, privateKey)

		switch {
		case !r.OK:
			s.metrics.DecryptFallbacks.WithLabelValues(metrics.OutcomeSkipped).Inc()
			s.logger.Warn("skipping message without readable content", "message_id", m.ID, "reader_id", caller.UserID, "error", r.Err)
			continue
		case m.IsEncrypted() && r.Source == sourcePlaintext:
			s.metrics.DecryptFallbacks.WithLabelValues(metrics.OutcomePlaintext).Inc()
			s.logger.Debug("read message from plaintext copy", "message_id", m.ID, "reader_id", caller.UserID, "error", r.Err)
		}

		v := MessageView{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Text:      r.Text,
			Timestamp: m.Timestamp,
			Read:      m.ReadByUser(caller.UserID),
			Encrypted: r.Source == sourceEncrypted,
		}
		if u, ok := profiles[m.SenderID]; ok {
			v.SenderName, v.SenderAvatar = u.DisplayName(), u.Avatar
		}
		views = append(views, v)
	}
	return views, nil
}

// privateKey returns nil when the reader has no usable key.
func (s *Service) privateKey(ctx context.Context, userID int64) *rsa.PrivateKey {
	pemText, ok, err := s.keys.PrivateKeyOf(ctx, userID)
	if err != nil {
		s.logger.Warn("loading private key failed", "user_id", userID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	key, err := crypto.ParsePrivateKey(pemText)
	if err != nil {
		s.logger.Warn("stored private key is unusable", "user_id", userID, "error", err)
		return nil
	}
	return key
}

// MarkRead adds the caller to the message's readers. Repeating it is a no-op.
func (s *Service) MarkRead(ctx context.Context, caller myMiddleware.Identity, messageID int64) error {
	msg, err := s.store.GetMessage(ctx, caller.CompanyID, messageID)
	if err != nil {
		return err
	}
	conv, err := s.conversationFor(ctx, caller, msg.ConversationID)
	if err != nil {
		return ErrMessageNotFound
	}

	added, err := s.store.MarkRead(ctx, msg.ID, caller.UserID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if added {
		if err := s.notifier.NotifyUpdate(ctx, conv.CompanyID, conv.ParticipantIDs, EntityMessage, realtime.ActionUpdated, msg.ID); err != nil {
			s.logger.Warn("realtime notification failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// Conversations lists the caller's inbox without any message content.
func (s *Service) Conversations(ctx context.Context, caller myMiddleware.Identity) ([]ConversationSummary, error) {
	listings, err := s.store.ListForUser(ctx, caller.CompanyID, caller.UserID)
	if err != nil {
		return nil, err
	}

	var others []int64
	for i := range listings {
		if !listings[i].IsGroup {
			others = append(others, listings[i].Others(caller.UserID)...)
		}
	}
	profiles, err := s.profiles(ctx, others)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	out := make([]ConversationSummary, 0, len(listings))
	for i := range listings {
		l := &listings[i]
		sum := ConversationSummary{
			ID:              l.ID,
			IsGroup:         l.IsGroup,
			UnreadCount:     l.UnreadCount,
			LastMessageTime: l.LastMessageAt,
		}

		if l.IsGroup {
			name, avatar := DefaultGroupName, ""
			if l.Group != nil {
				name, avatar = l.Group.Name, l.Group.Avatar
			}
			sum.ParticipantName, sum.GroupName, sum.GroupAvatar = name, name, avatar
			for _, id := range l.ParticipantIDs {
				sum.MemberIDs = append(sum.MemberIDs, strconv.FormatInt(id, 10))
				if id != caller.UserID && s.presence.IsOnline(caller.CompanyID, id) {
					sum.IsOnline = true
				}
			}
		} else {
			ids := l.Others(caller.UserID)
			if len(ids) != 1 {
				continue
			}
			other, ok := profiles[ids[0]]
			if !ok {
				continue
			}
			sum.ParticipantID = other.ID
			sum.ParticipantName = other.DisplayName()
			sum.ParticipantAvatar = other.Avatar
			sum.ParticipantRole = other.Role
			sum.IsOnline = s.presence.IsOnline(caller.CompanyID, other.ID)
		}
		out = append(out, sum)
	}
	return out, nil
}

// StartConversation finds or creates the direct conversation when the caller
// names one other user, and creates a group otherwise. All named users must
// belong to the caller's tenant.
func (s *Service) StartConversation(ctx context.Context, caller myMiddleware.Identity, participantIDs []int64, name, avatar string) (*Conversation, bool, error) {
	if len(participantIDs) == 0 {
		return nil, false, fmt.Errorf("%w: at least one participant is required", ErrInvalidParticipants)
	}
	members := memberSet(caller.UserID, participantIDs)
	if len(members) < 2 {
		return nil, false, fmt.Errorf("%w: a conversation needs someone besides you", ErrInvalidParticipants)
	}
	if err := s.checkMembers(ctx, caller, members); err != nil {
		return nil, false, err
	}

	var (
		conv    *Conversation
		existed bool
		err     error
	)
	if len(members) == 2 {
		other := members[0]
		if other == caller.UserID {
			other = members[1]
		}
		conv, existed, err = s.store.FindOrCreateDirect(ctx, caller.CompanyID, caller.UserID, other)
	} else {
		conv, err = s.store.CreateGroup(ctx, caller.CompanyID, caller.UserID, members, name, avatar)
	}
	if err != nil {
		return nil, false, err
	}

	if !existed {
		if err := s.notifier.NotifyUpdate(ctx, conv.CompanyID, conv.ParticipantIDs, EntityConversation, realtime.ActionCreated, conv.ID); err != nil {
			s.logger.Warn("realtime notification failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return conv, existed, nil
}

func (s *Service) checkMembers(ctx context.Context, caller myMiddleware.Identity, members []int64) error {
	profiles, err := s.profiles(ctx, members)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	for _, id := range members {
		if id == caller.UserID {
			continue
		}
		u, ok := profiles[id]
		if !ok || u.CompanyID != caller.CompanyID {
			return fmt.Errorf("%w: unknown user %d", ErrInvalidParticipants, id)
		}
	}
	return nil
}

func (s *Service) profiles(ctx context.Context, ids []int64) (map[int64]user.User, error) {
	ids = uniqueIDs(ids)
	out := make(map[int64]user.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	users, err := s.directory.UsersByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}
