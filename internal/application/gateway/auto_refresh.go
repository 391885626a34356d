package gateway

import (
	"context"
	"time"
)

// Start begins the auto-refresh background process. It is a no-op when the
// loop is already running.
func (g *Gateway) Start(ctx context.Context) {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()
	if g.stopLoop != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g.stopLoop = cancel
	g.wg.Add(1)
	go g.autoRefreshLoop(loopCtx)
}

// Stop halts the auto-refresh process and waits for it to exit
func (g *Gateway) Stop() {
	g.loopMu.Lock()
	cancel := g.stopLoop
	g.stopLoop = nil
	g.loopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
}

func (g *Gateway) autoRefreshLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkAndRefresh(ctx)
		}
	}
}

func (g *Gateway) checkAndRefresh(ctx context.Context) {
	session := g.Current()
	if session == nil || !session.Credential.ShouldRefresh(g.config.RefreshAhead) {
		return
	}

	for attempt := 0; attempt < g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.config.RetryInterval):
			}
		}

		if _, err := g.RefreshSession(ctx); err != nil {
			g.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("auto-refresh failed")
			continue
		}
		return
	}
	g.logger.Error().Int("attempts", g.config.MaxRetries).Msg("auto-refresh gave up")
}
