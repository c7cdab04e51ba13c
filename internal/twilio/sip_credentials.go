package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/pkg/signaling"
)

// ErrSIPNotConfigured is returned when no credential list is configured
var ErrSIPNotConfigured = errors.New("twilio SIP credential list not configured")

// sipCredentialAPI is the part of the Twilio API used to rotate SIP
// credentials
type sipCredentialAPI interface {
	ListSipCredential(credentialListSid string, params *twilioApi.ListSipCredentialParams) ([]twilioApi.ApiV2010SipCredential, error)
	CreateSipCredential(credentialListSid string, params *twilioApi.CreateSipCredentialParams) (*twilioApi.ApiV2010SipCredential, error)
	UpdateSipCredential(credentialListSid string, sid string, params *twilioApi.UpdateSipCredentialParams) (*twilioApi.ApiV2010SipCredential, error)
}

// SIPCredentialIssuer issues SIP digest passwords by rotating the identity's
// entry in a Twilio SIP credential list. The returned token is the new
// password; the SIP device registers with identity/token.
type SIPCredentialIssuer struct {
	client  *Client
	api     sipCredentialAPI
	listSID string
	ttl     time.Duration
	backoff time.Duration
	now     func() time.Time

	mu   sync.Mutex
	sids map[string]string // identity -> credential SID
}

// NewSIPCredentialIssuer creates an issuer rotating credentials in the
// configured list
func NewSIPCredentialIssuer(client *Client, cfg *config.Config) (*SIPCredentialIssuer, error) {
	if !cfg.TwilioSIPConfigured() {
		return nil, ErrSIPNotConfigured
	}
	rest, err := client.rest()
	if err != nil {
		return nil, err
	}
	return &SIPCredentialIssuer{
		client:  client,
		api:     rest.Api,
		listSID: cfg.TwilioCredentialListSID,
		ttl:     config.CredentialTTL,
		backoff: time.Second,
		now:     time.Now,
		sids:    make(map[string]string),
	}, nil
}

// Fetch rotates the password of identity's SIP credential, creating the
// credential on first use
func (s *SIPCredentialIssuer) Fetch(ctx context.Context, identity string) (signaling.Credential, error) {
	if identity == "" {
		return signaling.Credential{}, errors.New("identity is required")
	}
	password := newSIPPassword()

	var lastErr error
	for attempt := 0; attempt < config.TwilioMaxRetries; attempt++ {
		err := s.rotateOnce(identity, password)
		if err == nil {
			if s.client != nil {
				s.client.recordSuccess()
			}
			return signaling.Credential{
				Token:     password,
				Identity:  identity,
				ExpiresAt: s.now().Add(s.ttl),
			}, nil
		}
		lastErr = err
		if s.client != nil {
			s.client.recordFailure(err)
		}
		slog.Warn("SIP credential rotation failed", "identity", identity, "attempt", attempt+1, "error", err)

		// Exponential backoff
		select {
		case <-ctx.Done():
			return signaling.Credential{}, ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * s.backoff):
		}
	}

	return signaling.Credential{}, fmt.Errorf("failed after %d retries: %w", config.TwilioMaxRetries, lastErr)
}

func (s *SIPCredentialIssuer) rotateOnce(identity, password string) error {
	sid, err := s.lookup(identity)
	if err != nil {
		return err
	}

	if sid == "" {
		params := &twilioApi.CreateSipCredentialParams{}
		params.SetUsername(identity)
		params.SetPassword(password)

		resp, err := s.api.CreateSipCredential(s.listSID, params)
		if err != nil {
			return fmt.Errorf("failed to add credential: %w", err)
		}
		if resp.Sid != nil {
			s.remember(identity, *resp.Sid)
		}
		return nil
	}

	params := &twilioApi.UpdateSipCredentialParams{}
	params.SetPassword(password)
	if _, err := s.api.UpdateSipCredential(s.listSID, sid, params); err != nil {
		s.forget(identity)
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return nil
}

// lookup returns the credential SID for identity, or "" if none exists
func (s *SIPCredentialIssuer) lookup(identity string) (string, error) {
	s.mu.Lock()
	sid, ok := s.sids[identity]
	s.mu.Unlock()
	if ok {
		return sid, nil
	}

	params := &twilioApi.ListSipCredentialParams{}
	params.SetPageSize(100)
	creds, err := s.api.ListSipCredential(s.listSID, params)
	if err != nil {
		return "", fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, cred := range creds {
		if cred.Username != nil && *cred.Username == identity && cred.Sid != nil {
			s.remember(identity, *cred.Sid)
			return *cred.Sid, nil
		}
	}
	return "", nil
}

func (s *SIPCredentialIssuer) remember(identity, sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sids[identity] = sid
}

func (s *SIPCredentialIssuer) forget(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sids, identity)
}

// newSIPPassword satisfies Twilio's rule of at least 12 characters with
// upper case, lower case and a digit
func newSIPPassword() string {
	return "Gc7" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
