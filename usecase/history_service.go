package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

const (
	titleMaxRunes = 30
	// UntitledTitle is used when a conversation has no user text to derive a title from.
	UntitledTitle = "Untitled"
)

// HistoryService implements the per-user conversation ledger and favorites set on top of a
// document backend. Every call loads the user's documents, and every mutation rewrites them
// in full while holding that user's lock.
type HistoryService struct {
	backend domain.HistoryBackend
	broker  domain.MessageBroker

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock is dropped from the map once no caller holds or waits on it.
type userLock struct {
	sync.Mutex
	refs int
}

// NewHistoryService creates the service. broker may be nil, in which case no change events
// are published.
func NewHistoryService(backend domain.HistoryBackend, broker domain.MessageBroker) *HistoryService {
	return &HistoryService{
		backend: backend,
		broker:  broker,
		locks:   make(map[string]*userLock),
	}
}

func (s *HistoryService) lock(userID string) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

func (s *HistoryService) loadConversations(ctx context.Context, userID string) (map[string][]domain.Message, error) {
	conversations, err := s.backend.LoadConversations(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnreadable) {
			log.WithCtx(ctx).Warn("Conversation store is unreadable", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, err
	}
	return conversations, nil
}

func (s *HistoryService) loadFavorites(ctx context.Context, userID string) ([]string, error) {
	favorites, err := s.backend.LoadFavorites(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnreadable) {
			log.WithCtx(ctx).Warn("Favorites store is unreadable", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, err
	}
	return favorites, nil
}

// ListConversations summarizes every conversation, newest first.
func (s *HistoryService) ListConversations(ctx context.Context, userID string) ([]domain.Summary, error) {
	conversations, err := s.loadConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.Summary, 0, len(conversations))
	for id, messages := range conversations {
		summaries = append(summaries, summarize(id, messages))
	}
	sort.Slice(summaries, func(i, j int) bool {
		ti, tj := parseTimestamp(summaries[i].Timestamp), parseTimestamp(summaries[j].Timestamp)
		if ti != tj {
			return ti > tj
		}
		return summaries[i].ID > summaries[j].ID
	})
	return summaries, nil
}

func summarize(id string, messages []domain.Message) domain.Summary {
	summary := domain.Summary{
		ID:           id,
		Title:        Title(messages),
		Timestamp:    id,
		MessageCount: len(messages),
	}
	if len(messages) > 0 {
		summary.Timestamp = messages[len(messages)-1].Timestamp
	}
	return summary
}

// Title derives a display title from the first user message that has text.
func Title(messages []domain.Message) string {
	for _, m := range messages {
		if !m.IsUser || m.Text == "" {
			continue
		}
		runes := []rune(m.Text)
		if len(runes) > titleMaxRunes {
			return string(runes[:titleMaxRunes]) + "..."
		}
		return m.Text
	}
	return UntitledTitle
}

func parseTimestamp(ts string) int64 {
	v, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// GetConversation returns the messages of one conversation, or domain.ErrNotFound.
func (s *HistoryService) GetConversation(ctx context.Context, userID, historyID string) ([]domain.Message, error) {
	conversations, err := s.loadConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	messages, ok := conversations[historyID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", historyID, domain.ErrNotFound)
	}
	return messages, nil
}

// PutConversation replaces or inserts a whole conversation.
func (s *HistoryService) PutConversation(ctx context.Context, userID, historyID string, messages []domain.Message) error {
	unlock := s.lock(userID)
	defer unlock()

	conversations, err := s.loadConversations(ctx, userID)
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	conversations[historyID] = messages
	if err := s.backend.SaveConversations(ctx, userID, conversations); err != nil {
		return fmt.Errorf("saving conversations: %w", err)
	}

	s.publish(ctx, domain.HistoryEvent{
		Type:         domain.EventConversationUpdated,
		UserID:       userID,
		HistoryID:    historyID,
		MessageCount: len(messages),
	})
	return nil
}

// DeleteConversation removes a conversation and reports whether it existed. Favorites that
// reference it are left untouched.
func (s *HistoryService) DeleteConversation(ctx context.Context, userID, historyID string) (bool, error) {
	unlock := s.lock(userID)
	defer unlock()

	conversations, err := s.loadConversations(ctx, userID)
	if err != nil {
		return false, err
	}
	if _, ok := conversations[historyID]; !ok {
		return false, nil
	}
	delete(conversations, historyID)
	if err := s.backend.SaveConversations(ctx, userID, conversations); err != nil {
		return false, fmt.Errorf("saving conversations: %w", err)
	}

	s.publish(ctx, domain.HistoryEvent{
		Type:      domain.EventConversationDeleted,
		UserID:    userID,
		HistoryID: historyID,
	})
	return true, nil
}

// ClearAll removes every conversation of the user.
func (s *HistoryService) ClearAll(ctx context.Context, userID string) error {
	unlock := s.lock(userID)
	defer unlock()

	if err := s.backend.SaveConversations(ctx, userID, map[string][]domain.Message{}); err != nil {
		return fmt.Errorf("saving conversations: %w", err)
	}

	s.publish(ctx, domain.HistoryEvent{Type: domain.EventHistoryCleared, UserID: userID})
	return nil
}

// ReplaceMessageAt overwrites the message at index, or appends it when index is -1 or past
// the end. A missing conversation is created.
func (s *HistoryService) ReplaceMessageAt(ctx context.Context, userID, historyID string, message domain.Message, index int) error {
	if index < -1 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidIndex, index)
	}

	unlock := s.lock(userID)
	defer unlock()

	conversations, err := s.loadConversations(ctx, userID)
	if err != nil {
		return err
	}
	messages := conversations[historyID]
	if index == -1 || index >= len(messages) {
		messages = append(messages, message)
	} else {
		messages[index] = message
	}
	conversations[historyID] = messages
	if err := s.backend.SaveConversations(ctx, userID, conversations); err != nil {
		return fmt.Errorf("saving conversations: %w", err)
	}

	s.publish(ctx, domain.HistoryEvent{
		Type:         domain.EventConversationUpdated,
		UserID:       userID,
		HistoryID:    historyID,
		MessageCount: len(messages),
	})
	return nil
}

// ListFavorites returns the favorite history ids in insertion order.
func (s *HistoryService) ListFavorites(ctx context.Context, userID string) ([]string, error) {
	favorites, err := s.loadFavorites(ctx, userID)
	if err != nil {
		return nil, err
	}
	if favorites == nil {
		favorites = []string{}
	}
	return favorites, nil
}

// AddFavorite marks a history id as favorite and reports whether it was newly added.
func (s *HistoryService) AddFavorite(ctx context.Context, userID, historyID string) (bool, error) {
	unlock := s.lock(userID)
	defer unlock()

	favorites, err := s.loadFavorites(ctx, userID)
	if err != nil {
		return false, err
	}
	if indexOf(favorites, historyID) >= 0 {
		return false, nil
	}
	if err := s.saveFavorites(ctx, userID, historyID, append(favorites, historyID), true); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFavorite unmarks a history id and reports whether it was a favorite.
func (s *HistoryService) RemoveFavorite(ctx context.Context, userID, historyID string) (bool, error) {
	unlock := s.lock(userID)
	defer unlock()

	favorites, err := s.loadFavorites(ctx, userID)
	if err != nil {
		return false, err
	}
	i := indexOf(favorites, historyID)
	if i < 0 {
		return false, nil
	}
	if err := s.saveFavorites(ctx, userID, historyID, append(favorites[:i], favorites[i+1:]...), false); err != nil {
		return false, err
	}
	return true, nil
}

// ToggleFavorite flips membership and returns whether the id is a favorite afterwards.
func (s *HistoryService) ToggleFavorite(ctx context.Context, userID, historyID string) (bool, error) {
	unlock := s.lock(userID)
	defer unlock()

	favorites, err := s.loadFavorites(ctx, userID)
	if err != nil {
		return false, err
	}
	if i := indexOf(favorites, historyID); i >= 0 {
		if err := s.saveFavorites(ctx, userID, historyID, append(favorites[:i], favorites[i+1:]...), false); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := s.saveFavorites(ctx, userID, historyID, append(favorites, historyID), true); err != nil {
		return false, err
	}
	return true, nil
}

func (s *HistoryService) saveFavorites(ctx context.Context, userID, historyID string, favorites []string, favorite bool) error {
	if err := s.backend.SaveFavorites(ctx, userID, favorites); err != nil {
		return fmt.Errorf("saving favorites: %w", err)
	}
	s.publish(ctx, domain.HistoryEvent{
		Type:      domain.EventFavoritesUpdated,
		UserID:    userID,
		HistoryID: historyID,
		Favorite:  &favorite,
	})
	return nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// publish is best effort: a full or closed broker never fails a store mutation.
func (s *HistoryService) publish(ctx context.Context, event domain.HistoryEvent) {
	if s.broker == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithCtx(ctx).Error("❌ Failed to marshal history event", zap.Error(err))
		return
	}
	if err := s.broker.Publish(ctx, domain.HistoryTopic, "", payload); err != nil {
		log.WithCtx(ctx).Warn("Failed to publish history event", zap.String("type", event.Type), zap.Error(err))
	}
}
