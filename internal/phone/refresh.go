package phone

import (
	"context"
	"time"
)

func (c *Controller) refreshDelayLocked() time.Duration {
	delay := c.credential.ExpiresAt.Sub(c.opts.Now()) - c.opts.RefreshLead
	if delay < c.opts.MinRefresh {
		delay = c.opts.MinRefresh
	}
	return delay
}

func (c *Controller) scheduleRefreshLocked(delay time.Duration) {
	if c.refresh != nil {
		c.refresh.Stop()
	}
	gen := c.deviceGen
	c.refresh = time.AfterFunc(delay, func() {
		c.refreshCredential(gen)
	})
	c.log.Debug("Credential refresh scheduled", "in", delay)
}

// refreshCredential swaps in a fresh credential without touching the call
func (c *Controller) refreshCredential(gen uint64) {
	c.mu.Lock()
	if gen != c.deviceGen || c.device == nil {
		c.mu.Unlock()
		return
	}
	identity := c.identity
	dev := c.device
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
	defer cancel()

	cred, err := c.fetchCredential(ctx, identity)
	if err == nil {
		err = dev.UpdateToken(ctx, cred.Token)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.deviceGen {
		return
	}
	if err != nil {
		c.log.Warn("Credential refresh failed, retrying", "identity", identity, "retry_in", c.opts.RetryBackoff, "error", err)
		c.scheduleRefreshLocked(c.opts.RetryBackoff)
		return
	}
	c.credential = cred
	c.log.Info("Credential refreshed", "identity", identity, "expires_at", cred.ExpiresAt)
	c.scheduleRefreshLocked(c.refreshDelayLocked())
}
