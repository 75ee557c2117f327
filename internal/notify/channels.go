package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trustloop/internal/domain"
)

// ValidateChannel checks that a channel's config decodes for its type.
func ValidateChannel(c domain.NotificationChannel) error {
	var dst any
	switch c.Type {
	case domain.ChannelWebhook:
		dst = &webhookConfig{}
	case domain.ChannelChatWebhook:
		dst = &chatWebhookConfig{}
	case domain.ChannelBotAPI:
		dst = &botAPIConfig{}
	case domain.ChannelEmail:
		dst = &emailConfig{}
	case domain.ChannelInApp:
		dst = &inAppConfig{}
	default:
		return fmt.Errorf("invalid channel type %q", c.Type)
	}
	return decodeChannelConfig(c, dst)
}

// AddChannel registers a notification channel for an account.
func (d Dispatcher) AddChannel(ctx context.Context, c domain.NotificationChannel) (domain.NotificationChannel, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.AccountID == "" {
		return c, errors.New("account is required")
	}
	if c.Name == "" {
		c.Name = c.Type
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := ValidateChannel(c); err != nil {
		return c, err
	}
	c.CreatedAt = d.now().Format(time.RFC3339)
	if err := d.Repo.InsertChannel(ctx, nil, c); err != nil {
		return c, err
	}
	return c, nil
}
