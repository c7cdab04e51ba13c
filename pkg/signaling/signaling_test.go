package signaling

import (
	"testing"
	"time"
)

func TestRemoteIdentity(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"client:alice", "alice"},
		{"client:", ""},
		{"sip:bob@sip.example.com", "bob"},
		{"sips:carol@example.com;transport=tls", "carol"},
		{"sip:dave;user=phone", "dave"},
		{"+15551234567", "+15551234567"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := RemoteIdentity(tt.address); got != tt.want {
				t.Errorf("RemoteIdentity(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}

func TestCallEventTypeTerminal(t *testing.T) {
	terminal := map[CallEventType]bool{
		CallRinging:      false,
		CallAccept:       false,
		CallReconnecting: false,
		CallReconnected:  false,
		CallDisconnect:   true,
		CallCancel:       true,
		CallReject:       true,
		CallError:        true,
	}
	for typ, want := range terminal {
		if got := typ.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", typ, got, want)
		}
	}
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if (Credential{}).Expired(now) {
		t.Error("credential without expiry should not be expired")
	}
	if !(Credential{ExpiresAt: now}).Expired(now) {
		t.Error("credential should be expired at its expiry instant")
	}
	if (Credential{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Error("credential should be valid before expiry")
	}
}
