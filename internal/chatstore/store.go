// Package chatstore keeps chats and their messages in durable key-value
// storage, together with a denormalized chat list used for listing.
package chatstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/storage"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	chatKeyPrefix = "chat:"
	chatListKey   = "chatList"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrEmptyTitle   = errors.New("title must not be empty")
	ErrInvalidRole  = errors.New("invalid message role")
)

// Store is the client-local chat store. A single mutex serializes every
// read-modify-write so one process never interleaves updates to a chat.
// Concurrent writers from separate processes are last-writer-wins.
type Store struct {
	kv storage.KV

	mu          sync.Mutex
	initialized bool
	list        []models.ChatListItem
	current     string

	now   func() time.Time
	newID func() string
}

func New(kv storage.KV) *Store {
	return &Store{
		kv:    kv,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

func chatKey(id string) string { return chatKeyPrefix + id }

// Initialize loads the chat list. Calling it again is a no-op. A storage
// failure is logged and leaves the store usable with an empty list.
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(ctx)
}

func (s *Store) initLocked(ctx context.Context) {
	if s.initialized {
		return
	}
	s.initialized = true

	raw, err := s.kv.Get(ctx, chatListKey)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("load chat list")
		}
		return
	}
	var list []models.ChatListItem
	if err := json.Unmarshal(raw, &list); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("decode chat list")
		return
	}
	s.list = list
}

// CreateChat stores an empty chat, puts it at the head of the list and makes
// it the current chat.
func (s *Store) CreateChat(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(ctx)

	now := s.now()
	chat := &models.Chat{
		ID:        s.newID(),
		Title:     models.DefaultChatTitle,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putChat(ctx, chat); err != nil {
		return "", errors.Wrap(err, "create chat")
	}

	s.list = append([]models.ChatListItem{chat.ListItem()}, s.list...)
	s.current = chat.ID
	if err := s.putList(ctx); err != nil {
		return chat.ID, errors.Wrap(err, "create chat")
	}
	return chat.ID, nil
}

// LoadChat returns the chat with the given id. A missing chat is reported
// through found, not as an error.
func (s *Store) LoadChat(ctx context.Context, id string) (*models.Chat, bool, error) {
	chat, err := s.getChat(ctx, id)
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return chat, true, nil
}

// AddMessage appends a new message. The first user message names the chat.
func (s *Store) AddMessage(ctx context.Context, chatID string, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, errors.Wrapf(ErrInvalidRole, "%q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(ctx)

	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ts := now.UnixMilli()
	if last := chat.LastMessage(); last != nil && ts <= last.Timestamp {
		ts = last.Timestamp + 1
	}
	msg := models.Message{
		ID:        s.newID(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}

	if role == models.RoleUser && !chat.HasUserMessage() {
		if title := DeriveTitle(content); title != "" {
			chat.Title = title
		}
	}
	chat.Messages = append(chat.Messages, msg)
	chat.UpdatedAt = now

	if err := s.putChat(ctx, chat); err != nil {
		return nil, errors.Wrap(err, "add message")
	}
	if err := s.mirrorLocked(ctx, chat); err != nil {
		return &msg, errors.Wrap(err, "add message")
	}
	return &msg, nil
}

// AppendToLastMessage grows the last message when it is an assistant turn.
// Any other last message, or none, leaves the chat untouched.
func (s *Store) AppendToLastMessage(ctx context.Context, chatID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(ctx)

	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return err
	}
	last := chat.LastMessage()
	if last == nil || last.Role != models.RoleAssistant {
		return nil
	}
	last.Content += delta
	chat.UpdatedAt = s.now()

	if err := s.putChat(ctx, chat); err != nil {
		return errors.Wrap(err, "append to last message")
	}
	return errors.Wrap(s.mirrorLocked(ctx, chat), "append to last message")
}

func (s *Store) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	title = DeriveTitle(title)
	if title == "" {
		return ErrEmptyTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(ctx)

	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return err
	}
	chat.Title = title
	chat.UpdatedAt = s.now()
	if err := s.putChat(ctx, chat); err != nil {
		return errors.Wrap(err, "update chat title")
	}
	return errors.Wrap(s.mirrorLocked(ctx, chat), "update chat title")
}

// DeleteChat removes the chat record and its list entry. It reports whether
// the deleted chat was the current one; the selection is cleared in that case.
func (s *Store) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(ctx)

	if err := s.kv.Delete(ctx, chatKey(chatID)); err != nil {
		return false, errors.Wrap(err, "delete chat")
	}

	kept := s.list[:0:0]
	for _, item := range s.list {
		if item.ID != chatID {
			kept = append(kept, item)
		}
	}
	s.list = kept

	wasCurrent := s.current == chatID
	if wasCurrent {
		s.current = ""
	}
	if err := s.putList(ctx); err != nil {
		return wasCurrent, errors.Wrap(err, "delete chat")
	}
	return wasCurrent, nil
}

// MarkMessageAsRendered flags a message as displayed. Failures are only logged.
// The chat's updatedAt is left alone so rendering does not reorder activity.
func (s *Store) MarkMessageAsRendered(ctx context.Context, chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := zerolog.Ctx(ctx).With().Str("chat_id", chatID).Str("message_id", messageID).Logger()

	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		logger.Warn().Err(err).Msg("mark message as rendered")
		return
	}
	changed := false
	for i := range chat.Messages {
		if chat.Messages[i].ID == messageID && !chat.Messages[i].Rendered {
			chat.Messages[i].Rendered = true
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := s.putChat(ctx, chat); err != nil {
		logger.Warn().Err(err).Msg("mark message as rendered")
	}
}

func (s *Store) SetCurrentChat(chatID string) {
	s.mu.Lock()
	s.current = chatID
	s.mu.Unlock()
}

// CurrentChat returns the selected chat id, empty when nothing is selected.
func (s *Store) CurrentChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// List returns a snapshot of the chat list, most recently created first.
func (s *Store) List() []models.ChatListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatListItem(nil), s.list...)
}

// mirrorLocked copies the chat's title and updatedAt into its list entry and
// persists the list.
func (s *Store) mirrorLocked(ctx context.Context, chat *models.Chat) error {
	found := false
	for i := range s.list {
		if s.list[i].ID == chat.ID {
			s.list[i].Title = chat.Title
			s.list[i].UpdatedAt = chat.UpdatedAt
			found = true
			break
		}
	}
	if !found {
		// Written by another session after our index was loaded.
		s.list = append([]models.ChatListItem{chat.ListItem()}, s.list...)
	}
	return s.putList(ctx)
}

func (s *Store) getChat(ctx context.Context, id string) (*models.Chat, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrChatNotFound
	}
	raw, err := s.kv.Get(ctx, chatKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, errors.Wrapf(err, "load chat %s", id)
	}
	var chat models.Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, errors.Wrapf(err, "decode chat %s", id)
	}
	if chat.Messages == nil {
		chat.Messages = []models.Message{}
	}
	return &chat, nil
}

func (s *Store) putChat(ctx context.Context, chat *models.Chat) error {
	raw, err := json.Marshal(chat)
	if err != nil {
		return errors.Wrap(err, "encode chat")
	}
	return s.kv.Set(ctx, chatKey(chat.ID), raw)
}

func (s *Store) putList(ctx context.Context) error {
	list := s.list
	if list == nil {
		list = []models.ChatListItem{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "encode chat list")
	}
	return s.kv.Set(ctx, chatListKey, raw)
}
