// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"log/slog"
	"time"
)

// prober watches gateway reachability more often than the sync interval.
// Coming back online, or being online while suspended, asks the authenticator for a
// fresh credential and triggers a cycle.
type prober struct {
	remote      Remote
	session     *SyncSession
	interval    time.Duration
	timeout     time.Duration
	onReconnect func()
	logger      *slog.Logger
}

func (p *prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

// check probes once and reports whether the gateway is reachable
func (p *prober) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.remote.Probe(probeCtx)
	cancel()

	online := err == nil
	changed := p.session.SetOnline(online)
	if !online {
		if changed {
			p.logger.Warn("Gateway unreachable, terminal is offline", "error", err)
		}
		return false
	}
	if changed {
		p.logger.Info("Gateway reachable again")
	}

	resumed := false
	if p.session.Suspended() {
		if err := p.session.Reauthenticate(ctx); err != nil {
			p.logger.Warn("Reauthentication failed", "error", err)
			return true
		}
		resumed = true
	}
	if (changed || resumed) && p.onReconnect != nil {
		p.onReconnect()
	}
	return true
}
