package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

// FileBackend keeps one JSON document per user for conversations and one for favorites:
//
//	<root>/chat/<userID>.json       {historyID: [Message...]}
//	<root>/favorites/<userID>.json  [historyID...]
type FileBackend struct {
	root string
}

func NewFileBackend(root string) (*FileBackend, error) {
	for _, dir := range []string{filepath.Join(root, "chat"), filepath.Join(root, "favorites")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) conversationsPath(userID string) string {
	return filepath.Join(b.root, "chat", safeName(userID)+".json")
}

func (b *FileBackend) favoritesPath(userID string) string {
	return filepath.Join(b.root, "favorites", safeName(userID)+".json")
}

func (b *FileBackend) LoadConversations(_ context.Context, userID string) (map[string][]domain.Message, error) {
	conversations := map[string][]domain.Message{}
	if err := readJSON(b.conversationsPath(userID), &conversations); err != nil {
		return nil, err
	}
	if conversations == nil {
		conversations = map[string][]domain.Message{}
	}
	return conversations, nil
}

func (b *FileBackend) SaveConversations(_ context.Context, userID string, conversations map[string][]domain.Message) error {
	return writeJSON(b.conversationsPath(userID), conversations)
}

func (b *FileBackend) LoadFavorites(_ context.Context, userID string) ([]string, error) {
	var favorites []string
	if err := readJSON(b.favoritesPath(userID), &favorites); err != nil {
		return nil, err
	}
	return favorites, nil
}

func (b *FileBackend) SaveFavorites(_ context.Context, userID string, favorites []string) error {
	if favorites == nil {
		favorites = []string{}
	}
	return writeJSON(b.favoritesPath(userID), favorites)
}

// readJSON leaves v untouched when the file does not exist.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnreadable, filepath.Base(path), err)
	}
	return nil
}

// writeJSON writes to a temporary file and renames it over the target.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// safeName keeps user ids from escaping the store directory.
func safeName(userID string) string {
	name := filepath.Base(filepath.Clean("/" + userID))
	if name == "/" || name == "." || name == "" {
		return "_"
	}
	return name
}
