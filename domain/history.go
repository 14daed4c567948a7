package domain

import (
	"context"
	"time"
)

// HistoryBackend persists the two per-user documents: conversations and favorites.
// A missing document loads as empty; a malformed one fails with ErrStoreUnreadable.
type HistoryBackend interface {
	LoadConversations(ctx context.Context, userID string) (map[string][]Message, error)
	SaveConversations(ctx context.Context, userID string, conversations map[string][]Message) error
	LoadFavorites(ctx context.Context, userID string) ([]string, error)
	SaveFavorites(ctx context.Context, userID string, favorites []string) error
}

// Summary describes one conversation in a history listing.
type Summary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Timestamp    string `json:"timestamp"`
	MessageCount int    `json:"messageCount"`
}

// HistoryEvent is published whenever a user's history changes.
type HistoryEvent struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id"`
	HistoryID    string    `json:"history_id,omitempty"`
	MessageCount int       `json:"message_count,omitempty"`
	Favorite     *bool     `json:"favorite,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"
	EventHistoryCleared      = "history.cleared"
	EventFavoritesUpdated    = "favorites.updated"
)
