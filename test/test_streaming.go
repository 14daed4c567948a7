package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

type tokenResponse struct {
	Token string `json:"token"`
	Type  string `json:"type"`
}

type options struct {
	baseURL   string
	userID    string
	historyID string
	file      string
	apiKey    string
	apiSecret string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "test-streaming",
		Short: "Upload a voice message to the audio-append endpoint and print the conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.baseURL, "base", "http://localhost:8080", "gateway base URL")
	flags.StringVar(&opts.userID, "user", "tester", "user id")
	flags.StringVar(&opts.historyID, "history", "voice-test", "conversation id")
	flags.StringVar(&opts.file, "file", filepath.Join("sample", "mantap.wav"), "audio file to upload")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("PERSONA_AUTH_API_KEY"), "API key for a token; empty skips auth")
	flags.StringVar(&opts.apiSecret, "api-secret", os.Getenv("PERSONA_AUTH_API_SECRET"), "API secret for a token")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("Audio append test failed: %v", err)
	}
}

func run(opts options) error {
	fmt.Println("Starting audio-append test...")

	var token string
	if opts.apiKey != "" {
		var err error
		token, err = getToken(opts.baseURL, opts.apiKey, opts.apiSecret, opts.userID)
		if err != nil {
			return fmt.Errorf("getting token: %w", err)
		}
		fmt.Println("Token obtained")
	}

	result, err := appendAudio(opts.baseURL, token, opts.userID, opts.historyID, opts.file)
	if err != nil {
		return err
	}

	for _, m := range result.Messages {
		role := "persona"
		if m.IsUser {
			role = "user"
		}
		fmt.Printf("[%s] %s: %s", m.Timestamp, role, m.Text)
		if m.AudioFile != "" {
			fmt.Printf(" (from %s)", m.AudioFile)
		}
		if !m.Audio.Empty() {
			fmt.Print(" [audio]")
		}
		fmt.Println()
	}
	return nil
}

func getToken(baseURL, apiKey, apiSecret, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("X-API-Secret", apiSecret)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("auth failed with status %d: %s", resp.StatusCode, raw)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	return token.Token, nil
}

func appendAudio(baseURL, token, userID, historyID, path string) (*domain.ChatData, error) {
	audioData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audio file: %w", err)
	}
	fmt.Printf("Loaded %s (%d bytes)\n", path, len(audioData))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("audio_file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audioData); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/audio-chat-append/%s/%s", baseURL, userID, historyID)
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	fmt.Printf("Request completed in %v with status %d\n", time.Since(start), resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}

	var result domain.ChatData
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding conversation: %w", err)
	}
	return &result, nil
}
