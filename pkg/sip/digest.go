package sip

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// ErrAuthRejected is returned when the server rejects our credentials
var ErrAuthRejected = errors.New("authentication rejected")

// authorize adds an Authorization (401) or Proxy-Authorization (407) header
// answering the challenge in res. count is the nonce count for the nonce.
func authorize(req *sip.Request, res *sip.Response, username, password string, count int) error {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == statusProxyAuthRequired {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return fmt.Errorf("%d response without %s header", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("parse challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
		Count:    count,
	})
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}

	req.RemoveHeader(authHeader)
	req.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	return nil
}

// isAuthChallenge reports whether res asks for credentials
func isAuthChallenge(res *sip.Response) bool {
	return res.StatusCode == sip.StatusUnauthorized || res.StatusCode == statusProxyAuthRequired
}

// prepareRetry readies req to be resent after a challenge: a fresh Via
// branch and the next CSeq
func prepareRetry(req *sip.Request) {
	req.RemoveHeader("Via")
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
}
