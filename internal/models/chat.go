package models

import "time"

// DefaultChatTitle is the title of a chat before its first user message.
const DefaultChatTitle = "New Chat"

// Chat is a conversation owned by the local store.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatListItem is the denormalized index entry kept for listing chats
// without loading message bodies.
type ChatListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListItem projects the chat onto its index entry.
func (c *Chat) ListItem() ChatListItem {
	return ChatListItem{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// LastMessage returns the most recent message or nil for an empty chat.
func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// HasUserMessage reports whether any user turn has been recorded.
func (c *Chat) HasUserMessage() bool {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}
