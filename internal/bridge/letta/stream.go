package letta

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// streamTotalTimeout bounds the whole stream; streamIdleTimeout bounds
	// the gap between meaningful events.  Pings keep the connection alive
	// but do not reset the idle clock, so a stalled agent step still times
	// out even when the server keeps pinging.
	streamTotalTimeout = 120 * time.Second
	streamIdleTimeout  = 120 * time.Second
)

// StreamOptions tunes one streaming dispatch.
type StreamOptions struct {
	// IncludeReasoning forwards reasoning chunks as progress events.
	IncludeReasoning bool
	// TotalTimeout / IdleTimeout override the defaults when positive.
	TotalTimeout time.Duration
	IdleTimeout  time.Duration
}

// StreamMessage dispatches messages to an agent over the streaming endpoint
// and returns a channel of normalized events.  The channel closes when the
// stream ends; a timeout or transport failure is delivered as a final
// EventError before close.
func (c *Client) StreamMessage(ctx context.Context, agentID string, messages []MessageCreate, opts StreamOptions) (<-chan StreamEvent, error) {
	total := opts.TotalTimeout
	if total <= 0 {
		total = streamTotalTimeout
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = streamIdleTimeout
	}

	body := map[string]any{
		"messages":      messages,
		"stream_tokens": false,
		"include_pings": true,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("letta: encode stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	u := c.baseURL + "/v1/agents/" + url.PathEscape(agentID) + "/messages/stream"
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("letta: build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("letta: open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, newAPIError(resp.StatusCode, raw)
	}

	events := make(chan StreamEvent, 16)
	lines := make(chan []byte, 16)

	// Reader goroutine: splits the SSE body into data payloads.
	go func() {
		defer close(lines)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				if payload == "[DONE]" {
					return
				}
				continue
			}
			select {
			case lines <- []byte(payload):
			case <-streamCtx.Done():
				return
			}
		}
	}()

	// Driver goroutine: enforces the two timeouts and forwards parsed events.
	go func() {
		defer close(events)
		defer cancel()

		st := &parserState{includeReasoning: opts.IncludeReasoning}
		totalTimer := time.NewTimer(total)
		defer totalTimer.Stop()
		idleTimer := time.NewTimer(idle)
		defer idleTimer.Stop()

		emitTimeout := func(after time.Duration, reason string) {
			slog.Warn("letta stream timed out", "agent", agentID, "reason", reason)
			events <- StreamEvent{
				Kind:      EventError,
				ErrorType: "timeout",
				Content:   fmt.Sprintf("Request timed out after %d seconds", int(after.Seconds())),
				Detail:    reason,
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-totalTimer.C:
				emitTimeout(total, "total stream budget exhausted")
				return
			case <-idleTimer.C:
				emitTimeout(idle, "no events from agent")
				return
			case payload, ok := <-lines:
				if !ok {
					return
				}
				evt, keep := parseChunk(payload, st)
				if !keep {
					continue
				}
				if evt.Kind != EventPing {
					if !idleTimer.Stop() {
						select {
						case <-idleTimer.C:
						default:
						}
					}
					idleTimer.Reset(idle)
				}
				if evt.Kind == EventPing || evt.Kind == EventUsage {
					continue
				}
				select {
				case events <- evt:
				case <-ctx.Done():
					return
				}
				if evt.Kind == EventStop {
					return
				}
			}
		}
	}()

	return events, nil
}
