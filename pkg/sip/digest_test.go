package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name       string
		status     sip.StatusCode
		challenge  string
		authHeader string
	}{
		{"401 answers with Authorization", sip.StatusUnauthorized, "WWW-Authenticate", "Authorization"},
		{"407 answers with Proxy-Authorization", statusProxyAuthRequired, "Proxy-Authenticate", "Proxy-Authorization"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			req := d.buildRegister("alice", 1, 3600)
			res := sip.NewResponseFromRequest(req, tt.status, "Auth", nil)
			res.AppendHeader(sip.NewHeader(tt.challenge, `Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`))

			if err := authorize(req, res, "alice", "s3cret", 1); err != nil {
				t.Fatalf("authorize() error = %v", err)
			}

			h := req.GetHeader(tt.authHeader)
			if h == nil {
				t.Fatalf("%s header missing", tt.authHeader)
			}
			cred, err := digest.ParseCredentials(h.Value())
			if err != nil {
				t.Fatalf("ParseCredentials() error = %v", err)
			}
			if cred.Username != "alice" || cred.Realm != "sip.example.com" || cred.Nonce != "abc123" {
				t.Errorf("credentials = %+v", cred)
			}

			uri := req.Recipient.String()
			ha1 := md5Hex("alice:sip.example.com:s3cret")
			ha2 := md5Hex(fmt.Sprintf("REGISTER:%s", uri))
			if want := md5Hex(ha1 + ":abc123:" + ha2); cred.Response != want {
				t.Errorf("response = %s, want %s", cred.Response, want)
			}
		})
	}
}

func TestAuthorize_MissingChallenge(t *testing.T) {
	d := newTestDevice(t)
	req := d.buildRegister("alice", 1, 3600)
	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)

	if err := authorize(req, res, "alice", "s3cret", 1); err == nil {
		t.Error("authorize() should fail without a challenge header")
	}
}

func TestIsAuthChallenge(t *testing.T) {
	d := newTestDevice(t)
	req := d.buildRegister("alice", 1, 3600)

	for code, want := range map[sip.StatusCode]bool{
		sip.StatusOK:            false,
		sip.StatusUnauthorized:  true,
		statusProxyAuthRequired: true,
		sip.StatusForbidden:     false,
	} {
		res := sip.NewResponseFromRequest(req, code, "", nil)
		if got := isAuthChallenge(res); got != want {
			t.Errorf("isAuthChallenge(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestPrepareRetry(t *testing.T) {
	d := newTestDevice(t)
	req := d.buildRegister("alice", 7, 3600)
	req.AppendHeader(sip.NewHeader("Via", "SIP/2.0/UDP 192.0.2.10:5060;branch=z9hG4bK1"))

	prepareRetry(req)

	if req.GetHeader("Via") != nil {
		t.Error("Via should be removed so a new branch is generated")
	}
	if got := req.CSeq().SeqNo; got != 8 {
		t.Errorf("CSeq = %d, want 8", got)
	}
}
