package twilio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twilio/twilio-go/client/jwt"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/pkg/signaling"
)

// ErrVoiceNotConfigured is returned when API key credentials are missing
var ErrVoiceNotConfigured = errors.New("twilio voice credentials not configured")

// AccessTokenIssuer issues Twilio Voice access tokens. It satisfies
// signaling.CredentialSource so it can back the controller directly.
type AccessTokenIssuer struct {
	accountSID     string
	apiKey         string
	apiSecret      string
	applicationSID string
	ttl            time.Duration
	now            func() time.Time
}

// NewAccessTokenIssuer creates an issuer from the Twilio config
func NewAccessTokenIssuer(cfg *config.Config) (*AccessTokenIssuer, error) {
	if !cfg.TwilioVoiceConfigured() {
		return nil, ErrVoiceNotConfigured
	}
	return &AccessTokenIssuer{
		accountSID:     cfg.TwilioAccountSID,
		apiKey:         cfg.TwilioAPIKey,
		apiSecret:      cfg.TwilioAPISecret,
		applicationSID: cfg.TwilioTwiMLAppSID,
		ttl:            config.CredentialTTL,
		now:            time.Now,
	}, nil
}

// Fetch issues a token for identity that allows incoming calls and, when an
// application is configured, outgoing ones.
func (i *AccessTokenIssuer) Fetch(ctx context.Context, identity string) (signaling.Credential, error) {
	if identity == "" {
		return signaling.Credential{}, errors.New("identity is required")
	}

	issuedAt := i.now()
	token := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    i.accountSID,
		SigningKeySid: i.apiKey,
		Secret:        i.apiSecret,
		Identity:      identity,
		Ttl:           i.ttl.Seconds(),
	})
	grant := &jwt.VoiceGrant{
		Incoming: jwt.Incoming{Allow: true},
	}
	if i.applicationSID != "" {
		grant.Outgoing = jwt.Outgoing{ApplicationSid: i.applicationSID}
	}
	token.AddGrant(grant)

	signed, err := token.ToJwt()
	if err != nil {
		return signaling.Credential{}, fmt.Errorf("sign access token: %w", err)
	}
	return signaling.Credential{
		Token:     signed,
		Identity:  identity,
		ExpiresAt: issuedAt.Add(i.ttl),
	}, nil
}
