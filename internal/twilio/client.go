package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twilio/twilio-go"

	"github.com/btafoya/gocall/internal/config"
)

// ErrNotConfigured is returned when no Twilio account is configured
var ErrNotConfigured = errors.New("twilio client not initialized")

// Client wraps the Twilio REST client with health monitoring
type Client struct {
	client       *twilio.RestClient
	accountSID   string
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	lastError    string
	failureCount int
	stopChan     chan struct{}
	stopOnce     sync.Once
	cfg          *config.Config
}

// Health is a point-in-time view of the Twilio connection
type Health struct {
	Configured   bool      `json:"configured"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"last_check,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	FailureCount int       `json:"failure_count"`
}

// NewClient creates a new Twilio client. API key credentials are preferred
// over the account auth token when both are configured.
func NewClient(cfg *config.Config) *Client {
	c := &Client{
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}

	switch {
	case cfg.TwilioAccountSID != "" && cfg.TwilioAPIKey != "" && cfg.TwilioAPISecret != "":
		c.UpdateCredentials(cfg.TwilioAccountSID, cfg.TwilioAPIKey, cfg.TwilioAPISecret)
	case cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "":
		c.UpdateCredentials(cfg.TwilioAccountSID, cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	}

	return c
}

// UpdateCredentials reinitializes the REST client. username is either the
// account SID or an API key SID.
func (c *Client) UpdateCredentials(accountSID, username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accountSID = accountSID
	c.client = twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   username,
		Password:   password,
		AccountSid: accountSID,
	})
	c.healthy = true
	c.failureCount = 0
	c.lastError = ""
}

// IsHealthy returns the current health status of the Twilio connection
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy && c.client != nil
}

// Health returns the current health snapshot
func (c *Client) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Health{
		Configured:   c.client != nil,
		Healthy:      c.healthy && c.client != nil,
		LastCheck:    c.lastCheck,
		LastError:    c.lastError,
		FailureCount: c.failureCount,
	}
}

func (c *Client) rest() (*twilio.RestClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotConfigured
	}
	return c.client, nil
}

// Health monitoring helpers

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = true
	c.failureCount = 0
	c.lastError = ""
	c.lastCheck = time.Now()
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastCheck = time.Now()
	if err != nil {
		c.lastError = err.Error()
	}

	if c.failureCount >= config.TwilioMaxRetries {
		c.healthy = false
	}
}

// CheckHealth performs a health check by fetching the account
func (c *Client) CheckHealth(ctx context.Context) error {
	client, err := c.rest()
	if err != nil {
		return err
	}
	c.mu.RLock()
	accountSID := c.accountSID
	c.mu.RUnlock()

	if _, err := client.Api.FetchAccount(accountSID); err != nil {
		c.recordFailure(err)
		return fmt.Errorf("twilio API error: %w", err)
	}

	c.recordSuccess()
	return nil
}

// Start starts the background health checker
func (c *Client) Start(ctx context.Context) {
	if _, err := c.rest(); err != nil {
		return
	}
	go c.healthChecker(ctx)
}

func (c *Client) healthChecker(ctx context.Context) {
	ticker := time.NewTicker(config.TwilioCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := c.CheckHealth(ctx); err != nil {
				slog.Warn("Twilio health check failed", "error", err)
			}
		}
	}
}

// Stop gracefully stops the client
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}
