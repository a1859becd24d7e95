// Package telegram delivers alert and trade notifications over the Bot
// API. Per-user chat bindings live in the settings namespace so they
// survive restarts.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"algobridge/internal/cache"
	"algobridge/pkg/types"
)

const apiBase = "https://api.telegram.org"

// Notifier sends messages through one bot, resolving the destination chat
// per user.
type Notifier struct {
	client   *resty.Client
	settings *cache.Namespace
	logger   *slog.Logger
	enabled  bool
}

type binding struct {
	ChatID int64 `msgpack:"chat_id"`
}

type sendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// New builds the notifier. An empty token disables delivery; Notify then
// logs and returns nil so callers need no special casing. baseURL is
// overridable for tests, "" means the public Bot API.
func New(token, baseURL string, settings *cache.Namespace, logger *slog.Logger) *Notifier {
	if baseURL == "" {
		baseURL = apiBase
	}
	n := &Notifier{
		settings: settings,
		logger:   logger.With("component", "telegram"),
		enabled:  token != "",
	}
	if n.enabled {
		n.client = resty.New().
			SetBaseURL(fmt.Sprintf("%s/bot%s", baseURL, token)).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond)
	}
	return n
}

// Bind links a user to a chat. Done once from the /start handshake or a
// settings endpoint.
func (n *Notifier) Bind(ctx context.Context, userID string, chatID int64) error {
	if err := n.settings.SetObject(ctx, bindingKey(userID), binding{ChatID: chatID}, cache.NoTTL); err != nil {
		return fmt.Errorf("bind telegram chat: %w", err)
	}
	n.logger.Info("telegram chat bound", "user", userID, "chat", chatID)
	return nil
}

// Unbind removes the user's chat link.
func (n *Notifier) Unbind(ctx context.Context, userID string) error {
	return n.settings.Delete(ctx, bindingKey(userID))
}

// ChatFor returns the user's bound chat id.
func (n *Notifier) ChatFor(ctx context.Context, userID string) (int64, bool, error) {
	var b binding
	ok, err := n.settings.GetObject(ctx, bindingKey(userID), &b)
	if err != nil || !ok {
		return 0, false, err
	}
	return b.ChatID, true, nil
}

// Notify sends text to the user's bound chat. Unbound users and a
// disabled bot are quiet no-ops; delivery failures are returned so the
// caller can log them against its own context.
func (n *Notifier) Notify(ctx context.Context, userID, text string) error {
	if !n.enabled {
		return nil
	}
	chatID, ok, err := n.ChatFor(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		n.logger.Debug("no telegram binding, dropping notification", "user", userID)
		return nil
	}

	var result sendResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		SetResult(&result).
		Post("/sendMessage")
	if err != nil {
		return types.NewAPIErrorf(types.ErrUpstream, "telegram send: %v", err)
	}
	if resp.IsError() || !result.OK {
		return types.NewAPIErrorf(types.ErrUpstream, "telegram send failed: %s", result.Description)
	}
	return nil
}

func bindingKey(userID string) string { return "telegram:" + userID }
