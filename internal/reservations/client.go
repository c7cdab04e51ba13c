// Package reservations talks to the reservation API and enforces reservation
// windows on the call session controller.
package reservations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/models"
)

// ErrReservationNotFound is returned when the API answers 404
var ErrReservationNotFound = errors.New("reservation not found")

// Store is the reservation API as seen by the guard and the HTTP layer
type Store interface {
	Create(ctx context.Context, req models.CreateReservationRequest) (*models.CallReservation, error)
	ListByUser(ctx context.Context, username string) ([]models.CallReservation, error)
	Get(ctx context.Context, id int64) (*models.CallReservation, error)
	Update(ctx context.Context, id int64, update models.ReservationUpdate) (*models.CallReservation, error)
	SweepExpired(ctx context.Context) error
}

// APIError is a non-2xx answer from the reservation API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("reservation API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("reservation API returned %d: %s", e.StatusCode, e.Message)
}

// Client is an HTTP Store. Responses are wrapped in {"data": ...}.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the reservation API rooted at baseURL
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.ReservationHTTPTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Create creates a reservation
func (c *Client) Create(ctx context.Context, req models.CreateReservationRequest) (*models.CallReservation, error) {
	var out models.CallReservation
	if err := c.do(ctx, http.MethodPost, "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListByUser lists the reservations of username
func (c *Client) ListByUser(ctx context.Context, username string) ([]models.CallReservation, error) {
	var out []models.CallReservation
	if err := c.do(ctx, http.MethodGet, "/user/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one reservation
func (c *Client) Get(ctx context.Context, id int64) (*models.CallReservation, error) {
	var out models.CallReservation
	if err := c.do(ctx, http.MethodGet, "/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update applies a partial update
func (c *Client) Update(ctx context.Context, id int64, update models.ReservationUpdate) (*models.CallReservation, error) {
	var out models.CallReservation
	if err := c.do(ctx, http.MethodPut, "/"+strconv.FormatInt(id, 10), update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SweepExpired asks the API to close out reservations whose window passed
func (c *Client) SweepExpired(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/update-expired", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrReservationNotFound
	}
	if resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
