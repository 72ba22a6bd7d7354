package matrix

import (
	"context"
	"log/slog"
	"time"
)

// Typing indicator auto-refresh: the homeserver expires indicators after
// typingTimeout, so a long-running dispatch refreshes slightly earlier.
const (
	typingTimeout = 30 * time.Second
	typingRefresh = 25 * time.Second
)

// StartTyping shows a typing indicator in the room and keeps it alive until
// the returned stop function is called.  Stop clears the indicator with the
// double-send workaround baked into Typing.
func (c *Client) StartTyping(ctx context.Context, roomID string) (stop func()) {
	loopCtx, cancel := context.WithCancel(ctx)

	if err := c.Typing(loopCtx, roomID, true, typingTimeout); err != nil {
		slog.Debug("typing start failed", "room", roomID, "err", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := c.Typing(loopCtx, roomID, true, typingTimeout); err != nil {
					slog.Debug("typing refresh failed", "room", roomID, "err", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
		// Use a fresh context: the loop context is already cancelled.
		clearCtx, clearCancel := context.WithTimeout(context.Background(), requestTimeout)
		defer clearCancel()
		if err := c.Typing(clearCtx, roomID, false, 0); err != nil {
			slog.Debug("typing clear failed", "room", roomID, "err", err)
		}
	}
}
