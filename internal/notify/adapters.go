package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"trustloop/internal/config"
	"trustloop/internal/domain"
	"trustloop/internal/repo"
)

// Delivery is one attempt to hand a notification to a channel.
type Delivery struct {
	NotificationID string
	AccountID      string
	EventType      string
	Channel        domain.NotificationChannel
	Subject        string
	Body           string
	Context        map[string]any
}

// Adapter delivers to one channel type and returns the provider's message id
// when it has one.
type Adapter interface {
	Deliver(ctx context.Context, d Delivery) (externalID string, err error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, d Delivery) (string, error)

func (f AdapterFunc) Deliver(ctx context.Context, d Delivery) (string, error) { return f(ctx, d) }

const defaultDeliveryTimeout = 10 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

func decodeChannelConfig(c domain.NotificationChannel, dst any) error {
	raw := strings.TrimSpace(c.ConfigJSON)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("channel %s config: %w", c.ID, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("channel %s config: %w", c.ID, err)
	}
	return nil
}

// DefaultAdapters wires every channel type.
func DefaultAdapters(r repo.Repo, cfg config.Notifications) map[string]Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	client := &http.Client{Timeout: timeout}
	return map[string]Adapter{
		domain.ChannelWebhook:     Webhook{Client: client},
		domain.ChannelChatWebhook: ChatWebhook{Client: client},
		domain.ChannelBotAPI:      BotAPI{Client: client, BaseURL: cfg.BotBaseURL},
		domain.ChannelEmail:       Email{SMTP: cfg.SMTP},
		domain.ChannelInApp:       InApp{Repo: r},
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: defaultDeliveryTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := resBody
		if len(snippet) > 4096 {
			snippet = snippet[:4096]
		}
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resBody, nil
}

type webhookConfig struct {
	URL     string            `json:"url" validate:"required,url"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers"`
}

type webhookBody struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	AccountID string         `json:"account_id"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Context   map[string]any `json:"context,omitempty"`
}

// Webhook posts the notification as JSON to an arbitrary endpoint. A JSON
// response with an "id" field is taken as the external id.
type Webhook struct {
	Client *http.Client
}

func (w Webhook) Deliver(ctx context.Context, d Delivery) (string, error) {
	var cfg webhookConfig
	if err := decodeChannelConfig(d.Channel, &cfg); err != nil {
		return "", err
	}
	headers := map[string]string{
		"X-Trustloop-Event":    d.EventType,
		"X-Trustloop-Delivery": d.NotificationID,
		"X-Trustloop-Account":  d.AccountID,
	}
	if strings.TrimSpace(cfg.Secret) != "" {
		headers["X-Trustloop-Secret"] = cfg.Secret
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	resBody, err := postJSON(ctx, w.Client, cfg.URL, webhookBody{
		ID: d.NotificationID, EventType: d.EventType, AccountID: d.AccountID,
		Subject: d.Subject, Body: d.Body, Context: d.Context,
	}, headers)
	if err != nil {
		return "", err
	}
	var ack struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(resBody, &ack) == nil && ack.ID != nil {
		return fmt.Sprint(ack.ID), nil
	}
	return "", nil
}

type chatWebhookConfig struct {
	URL string `json:"url" validate:"required,url"`
}

// ChatWebhook posts a {"text": ...} message to an incoming chat webhook.
type ChatWebhook struct {
	Client *http.Client
}

func (c ChatWebhook) Deliver(ctx context.Context, d Delivery) (string, error) {
	var cfg chatWebhookConfig
	if err := decodeChannelConfig(d.Channel, &cfg); err != nil {
		return "", err
	}
	text := d.Body
	if d.Subject != "" {
		text = "*" + d.Subject + "*\n" + d.Body
	}
	_, err := postJSON(ctx, c.Client, cfg.URL, map[string]string{"text": text}, nil)
	return "", err
}

type botAPIConfig struct {
	Token   string `json:"token" validate:"required"`
	ChatID  string `json:"chat_id" validate:"required"`
	BaseURL string `json:"base_url" validate:"omitempty,url"`
}

// BotAPI sends through a bot HTTP API of the form {base}/bot{token}/sendMessage.
type BotAPI struct {
	Client  *http.Client
	BaseURL string
}

func (b BotAPI) Deliver(ctx context.Context, d Delivery) (string, error) {
	var cfg botAPIConfig
	if err := decodeChannelConfig(d.Channel, &cfg); err != nil {
		return "", err
	}
	base := cfg.BaseURL
	if base == "" {
		base = b.BaseURL
	}
	if base == "" {
		return "", fmt.Errorf("channel %s: bot api base url not configured", d.Channel.ID)
	}
	text := d.Body
	if d.Subject != "" {
		text = d.Subject + "\n\n" + d.Body
	}
	url := strings.TrimRight(base, "/") + "/bot" + cfg.Token + "/sendMessage"
	resBody, err := postJSON(ctx, b.Client, url, map[string]string{"chat_id": cfg.ChatID, "text": text}, nil)
	if err != nil {
		return "", err
	}
	var ack struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resBody, &ack); err != nil {
		return "", fmt.Errorf("decode bot api response: %w", err)
	}
	if !ack.OK {
		return "", fmt.Errorf("bot api rejected message: %s", ack.Description)
	}
	if ack.Result.MessageID == 0 {
		return "", nil
	}
	return strconv.FormatInt(ack.Result.MessageID, 10), nil
}

type emailConfig struct {
	To []string `json:"to" validate:"required,min=1,dive,email"`
}

// Email sends a plain-text message through the configured SMTP relay. The
// generated Message-ID is the external id.
type Email struct {
	SMTP config.SMTP
}

func (e Email) Deliver(ctx context.Context, d Delivery) (string, error) {
	var cfg emailConfig
	if err := decodeChannelConfig(d.Channel, &cfg); err != nil {
		return "", err
	}
	if e.SMTP.Host == "" {
		return "", fmt.Errorf("channel %s: smtp host not configured", d.Channel.ID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msgID := "<" + uuid.NewString() + "@trustloop>"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.SMTP.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", d.Subject)
	fmt.Fprintf(&msg, "Message-ID: %s\r\n", msgID)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(d.Body)
	var auth smtp.Auth
	if e.SMTP.Username != "" {
		auth = smtp.PlainAuth("", e.SMTP.Username, e.SMTP.Password, e.SMTP.Host)
	}
	addr := net.JoinHostPort(e.SMTP.Host, strconv.Itoa(e.SMTP.Port))
	if err := sendMail(ctx, addr, e.SMTP.Host, auth, e.SMTP.From, cfg.To, msg.Bytes()); err != nil {
		return "", err
	}
	return msgID, nil
}

// sendMail is smtp.SendMail bounded by ctx: the dial honours cancellation and
// the connection deadline follows the context for the whole session.
func sendMail(ctx context.Context, addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	err = smtpSession(conn, host, auth, from, to, msg)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		return fmt.Errorf("smtp %s: %w", addr, ctxErr)
	}
	return err
}

func smtpSession(conn net.Conn, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

type inAppConfig struct {
	UserID string `json:"user_id"`
}

// InApp writes to the account inbox; the inbox row id is the external id.
type InApp struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (a InApp) Deliver(ctx context.Context, d Delivery) (string, error) {
	var cfg inAppConfig
	if err := decodeChannelConfig(d.Channel, &cfg); err != nil {
		return "", err
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	m := domain.InboxMessage{
		ID:        uuid.NewString(),
		AccountID: d.AccountID,
		UserID:    cfg.UserID,
		Subject:   d.Subject,
		Body:      d.Body,
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	err := repo.RetryOnBusy(ctx, 3, func() error {
		return a.Repo.InsertInboxMessage(ctx, nil, m)
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}
