package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	ws "github.com/satriahrh/cocoa-fruit/persona/adapters/websocket"
	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

type options struct {
	url       string
	userID    string
	historyID string
	token     string
	prompt    string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Interactive chat client for the persona gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.historyID == "" {
				opts.historyID = uuid.NewString()
			}
			return chat(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/ws/chat/", "chat websocket endpoint")
	flags.StringVar(&opts.userID, "user", "replica", "user id")
	flags.StringVar(&opts.historyID, "history", "", "conversation id; a new one when empty")
	flags.StringVar(&opts.token, "token", os.Getenv("PERSONA_TOKEN"), "bearer token when auth is enabled")
	flags.StringVar(&opts.prompt, "system-prompt", "", "override the persona prompt")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func chat(opts options) error {
	data := domain.ChatData{UserID: opts.userID, HistoryID: opts.historyID, SystemPrompt: opts.prompt}

	fmt.Printf("Conversation %s. Type a message, or 'exit' to quit.\n", opts.historyID)
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		text := strings.TrimSpace(line)
		if err != nil || text == "exit" {
			return nil
		}
		if text == "" {
			continue
		}

		data.Messages = append(data.Messages, domain.Message{
			Text:      text,
			IsUser:    true,
			Timestamp: domain.NextTimestamp(data.Messages),
		})
		result, err := turn(opts, data)
		if err != nil {
			fmt.Fprintln(os.Stderr, "turn failed:", err)
			data.Messages = data.Messages[:len(data.Messages)-1]
			continue
		}
		data = result
	}
}

// turn sends one ChatData frame and prints the answer as it streams.
func turn(opts options, data domain.ChatData) (domain.ChatData, error) {
	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(opts.url, header)
	if err != nil {
		return data, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(data); err != nil {
		return data, fmt.Errorf("sending turn: %w", err)
	}

	var (
		latest  = data
		printed int
	)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			fmt.Println()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return latest, nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return data, fmt.Errorf("server closed: %d %s", closeErr.Code, closeErr.Text)
			}
			return data, err
		}

		var frame struct {
			Type    string          `json:"type"`
			Data    domain.ChatData `json:"data"`
			Code    string          `json:"code"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return data, fmt.Errorf("decoding frame: %w", err)
		}

		switch frame.Type {
		case ws.FrameError:
			return data, fmt.Errorf("%s: %s", frame.Code, frame.Message)
		case ws.FrameSnapshot:
			latest = frame.Data
			answer := latest.Messages[len(latest.Messages)-1]
			if len(answer.Text) > printed {
				fmt.Print(answer.Text[printed:])
				printed = len(answer.Text)
			}
			if !answer.Audio.Empty() {
				fmt.Print(" [audio]")
			}
		}
	}
}
