package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NewTelegramSender returns a SendFunc posting alerts to a Telegram
// chat, or nil when either the bot token or the chat ID is unset
// (alerting then degrades to logs).
func NewTelegramSender(botToken, chatID string) SendFunc {
	if botToken == "" || chatID == "" {
		return nil
	}
	client := &http.Client{Timeout: 10 * time.Second}
	url := "https://api.telegram.org/bot" + botToken + "/sendMessage"

	return func(text string) error {
		body, err := json.Marshal(map[string]string{
			"chat_id": chatID,
			"text":    text,
		})
		if err != nil {
			return fmt.Errorf("marshal telegram message: %w", err)
		}
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("post telegram message: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telegram responded %d", resp.StatusCode)
		}
		return nil
	}
}
