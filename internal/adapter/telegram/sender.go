// Package telegram implements a transport.Sender over the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/relaykit/taskrelay/internal/config"
	"github.com/relaykit/taskrelay/internal/port/transport"
)

const providerName = "telegram"

// Sender sends plain-text messages through the Bot API sendMessage method.
type Sender struct {
	token      string
	apiURL     string
	httpClient *http.Client
}

// NewSender creates a Telegram sender from config. An empty API URL falls
// back to the public Bot API endpoint.
func NewSender(cfg config.Telegram) *Sender {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &Sender{
		token:      cfg.Token,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: cfg.SendTimeout},
	}
}

func (s *Sender) Name() string { return providerName }

// sendMessageRequest is the Bot API sendMessage payload.
type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// apiResponse is the Bot API envelope. ErrorCode and Description are set
// when OK is false; Parameters carries the retry hint on rate limits.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers text to a chat. HTTP 4xx responses other than 429 are fatal:
// the bot is blocked, the chat is gone, or the request itself is malformed.
// Everything else is transient.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) (int64, error) {
	if s.token == "" {
		return 0, transport.ErrNotConfigured
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return 0, transport.Fatal("marshal sendMessage", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, transport.Fatal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, transport.Transient("telegram unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, transport.Transient("read response", err)
	}

	var api apiResponse
	if err := json.Unmarshal(respBody, &api); err != nil {
		return 0, transport.Transient(fmt.Sprintf("telegram HTTP %d: unparseable body", resp.StatusCode), err)
	}

	if api.OK {
		return api.Result.MessageID, nil
	}

	return 0, classifyAPIError(resp.StatusCode, &api)
}

func classifyAPIError(status int, api *apiResponse) error {
	msg := fmt.Sprintf("telegram API %d: %s", api.ErrorCode, api.Description)
	switch {
	case status == http.StatusTooManyRequests:
		if api.Parameters.RetryAfter > 0 {
			msg += " (retry after " + strconv.Itoa(api.Parameters.RetryAfter) + "s)"
		}
		return transport.Transient(msg, nil)
	case status >= 500:
		return transport.Transient(msg, nil)
	case status >= 400:
		// 400 bad chat id, 403 bot blocked by the user.
		return transport.Fatal(msg, nil)
	default:
		return transport.Transient(msg, nil)
	}
}
