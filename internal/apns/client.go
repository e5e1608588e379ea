// Package apns delivers rendered notifications through the Apple Push
// Notification service over HTTP/2. It owns environment selection
// (sandbox/production stickiness with cross-environment fallback), provider
// token lifecycle, and permanent-failure detection for dead device tokens.
package apns

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/metrics"
	"github.com/wikisubmission/ws-push-service/internal/notify"
)

// Environment selects the gateway endpoint.
type Environment string

const (
	Production Environment = "production"
	Sandbox    Environment = "sandbox"
)

// Other returns the opposite environment, used for the fallback attempt.
func (e Environment) Other() Environment {
	if e == Production {
		return Sandbox
	}
	return Production
}

func defaultEndpoint(e Environment) string {
	if e == Production {
		return "https://api.push.apple.com"
	}
	return "https://api.sandbox.push.apple.com"
}

// RecipientStore is the recipient state the adapter reads and writes: the
// sticky environment flag and deletion of permanently invalid tokens.
type RecipientStore interface {
	GetRecipient(ctx context.Context, deviceToken string) (*db.Recipient, error)
	SetSandbox(ctx context.Context, deviceToken string, sandbox bool) error
	DeleteRecipient(ctx context.Context, deviceToken string) error
}

// Config holds gateway credentials and endpoints.
type Config struct {
	TeamID     string
	KeyID      string
	PrivateKey string
	BundleID   string

	// Endpoint overrides; empty values select the Apple endpoints.
	ProductionURL string
	SandboxURL    string

	// RequestTimeout bounds one gateway request. Zero means 30 seconds.
	RequestTimeout time.Duration
}

// Client is the delivery gateway adapter. One persistent multiplexed
// connection is kept per environment, created lazily and torn down when a
// request times out or the transport reports a connection error.
type Client struct {
	cfg    Config
	tokens *TokenSource
	store  RecipientStore
	logger *zap.Logger

	mu    sync.Mutex
	conns map[Environment]*http.Client
}

// NewClient creates a gateway adapter. It fails if the signing key cannot be
// parsed; the process should not start with unusable push credentials.
func NewClient(cfg Config, store RecipientStore, logger *zap.Logger) (*Client, error) {
	tokens, err := NewTokenSource(cfg.TeamID, cfg.KeyID, cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = defaultEndpoint(Production)
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = defaultEndpoint(Sandbox)
	}

	return &Client{
		cfg:    cfg,
		tokens: tokens,
		store:  store,
		logger: logger,
		conns:  make(map[Environment]*http.Client),
	}, nil
}

// Send delivers content to its device token. The recipient's last-known
// environment is tried first; on failure the other environment is attempted
// once, and a fallback success is persisted so future sends go straight to
// the working environment. A token rejected as permanently invalid by both
// environments has its registration deleted.
func (c *Client) Send(ctx context.Context, content *notify.Content) error {
	recipient, err := c.store.GetRecipient(ctx, content.DeviceToken)
	if err != nil {
		return fmt.Errorf("look up recipient: %w", err)
	}
	if recipient == nil {
		return fmt.Errorf("device %s is not registered", truncate(content.DeviceToken))
	}

	env := Production
	if recipient.IsSandbox {
		env = Sandbox
	}

	firstErr := c.sendToEnvironment(ctx, env, content)
	if firstErr == nil {
		c.logger.Info("delivery succeeded",
			zap.String("category", content.Category),
			zap.String("device_token", truncate(content.DeviceToken)),
			zap.String("environment", string(env)),
		)
		return nil
	}

	alt := env.Other()
	c.logger.Warn("delivery failed, retrying in alternate environment",
		zap.Error(firstErr),
		zap.String("environment", string(env)),
		zap.String("alternate", string(alt)),
		zap.String("device_token", truncate(content.DeviceToken)),
	)

	altErr := c.sendToEnvironment(ctx, alt, content)
	if altErr == nil {
		metrics.RecordEnvironmentFallback(string(alt))
		if err := c.store.SetSandbox(ctx, content.DeviceToken, alt == Sandbox); err != nil {
			c.logger.Error("failed to persist corrected environment", zap.Error(err))
		}
		c.logger.Info("delivery succeeded after environment fallback",
			zap.String("category", content.Category),
			zap.String("device_token", truncate(content.DeviceToken)),
			zap.String("environment", string(alt)),
		)
		return nil
	}

	if IsPermanent(firstErr) && IsPermanent(altErr) {
		c.logger.Info("device token invalid in both environments, deleting registration",
			zap.String("device_token", truncate(content.DeviceToken)),
		)
		if err := c.store.DeleteRecipient(ctx, content.DeviceToken); err != nil {
			c.logger.Error("failed to delete dead recipient", zap.Error(err))
		}
	}

	return fmt.Errorf("delivery failed in both environments: %w", altErr)
}

func (c *Client) sendToEnvironment(ctx context.Context, env Environment, content *notify.Content) error {
	bearer, err := c.tokens.Bearer()
	if err != nil {
		return err
	}

	body, err := json.Marshal(buildPayload(content))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	url := c.endpoint(env) + "/3/device/" + content.DeviceToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}

	expiration := time.Now().Add(time.Duration(expirationHours(content)) * time.Hour)
	req.Header.Set("apns-topic", c.cfg.BundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-expiration", strconv.FormatInt(expiration.Unix(), 10))
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("content-type", "application/json")

	resp, err := c.conn(env).Do(req)
	if err != nil {
		// A timed-out or broken connection is not reusable; drop it so the
		// next request dials fresh.
		c.dropConn(env)
		return fmt.Errorf("gateway request (%s): %w", env, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	reason := decodeReason(resp.Body)
	return &Error{StatusCode: resp.StatusCode, Reason: reason}
}

func decodeReason(r io.Reader) string {
	var body struct {
		Reason string `json:"reason"`
	}
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Reason
}

func (c *Client) endpoint(env Environment) string {
	if env == Production {
		return c.cfg.ProductionURL
	}
	return c.cfg.SandboxURL
}

// conn returns the persistent client for an environment, dialing lazily.
func (c *Client) conn(env Environment) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.conns[env]; ok {
		return client
	}

	transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			d := &tls.Dialer{Config: cfg}
			return d.DialContext(ctx, network, addr)
		},
	}

	client := &http.Client{Transport: transport}
	c.conns[env] = client
	return client
}

func (c *Client) dropConn(env Environment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.conns[env]; ok {
		client.CloseIdleConnections()
		delete(c.conns, env)
	}
}

func truncate(token string) string {
	if len(token) > 5 {
		return token[:5] + "..."
	}
	return token
}
