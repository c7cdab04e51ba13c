package sip

import (
	"context"
	"fmt"
	"os"

	"github.com/btafoya/gocall/pkg/signaling"
)

// AudioCheck is the signaling.AudioInput of a headless host: capture is
// allowed when the configured capture device can be opened and an RTP port
// is free.
type AudioCheck struct {
	Device string // path of the capture device; empty skips the check
	Ports  *PortPool
}

// Request checks that audio can be captured and sent
func (a *AudioCheck) Request(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.Device != "" {
		f, err := os.Open(a.Device)
		if err != nil {
			return fmt.Errorf("%w: %v", signaling.ErrPermissionDenied, err)
		}
		f.Close()
	}
	if a.Ports != nil && !a.Ports.Available() {
		return fmt.Errorf("%w: %v", signaling.ErrPermissionDenied, ErrNoPorts)
	}
	return nil
}
