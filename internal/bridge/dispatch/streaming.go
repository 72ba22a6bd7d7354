package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/observability"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// StreamingOptions tunes how stream progress is surfaced in the room.
type StreamingOptions struct {
	// DeleteProgress redacts progress messages once the final reply lands.
	DeleteProgress bool
	// LiveEdit updates a single progress message in place instead of
	// posting one message per step.
	LiveEdit bool
}

// StreamingHandler posts stream progress and the final reply into a room.
type StreamingHandler struct {
	d      *Dispatcher
	roomID string
	target *store.AgentMapping
	opts   StreamingOptions

	progressIDs []string

	// live-edit state
	editTargetID string
	pendingText  string
	lastEditAt   time.Time
}

// liveEditDebounce caps how often the in-place progress message is edited;
// homeservers rate-limit rapid event churn.
const liveEditDebounce = 500 * time.Millisecond

// NewStreamingHandler creates a handler for one dispatch.
func NewStreamingHandler(d *Dispatcher, roomID string, target *store.AgentMapping, opts StreamingOptions) *StreamingHandler {
	return &StreamingHandler{d: d, roomID: roomID, target: target, opts: opts}
}

// Run consumes the event channel until it closes, posting progress as it
// arrives and the assistant reply when it lands.
func (h *StreamingHandler) Run(ctx context.Context, events <-chan letta.StreamEvent) {
	var sawFinal bool
	for evt := range events {
		switch {
		case evt.IsProgress():
			h.postProgress(ctx, evt.FormatProgress())

		case evt.IsApprovalRequest():
			h.d.reply(ctx, h.roomID, h.target, evt.FormatApproval())

		case evt.IsError():
			// Upstream error text can echo request internals; strip secrets
			// before it reaches the room.
			text := "⚠️ " + h.secretsSafe(evt.Content)
			if evt.Detail != "" {
				text += "\n" + h.secretsSafe(evt.Detail)
			}
			h.flushLiveEdit(ctx)
			h.d.reply(ctx, h.roomID, h.target, text)

		case evt.IsFinal():
			sawFinal = true
			h.flushLiveEdit(ctx)
			h.d.reply(ctx, h.roomID, h.target, evt.Content)
		}
	}

	if sawFinal && h.opts.DeleteProgress {
		h.cleanup(ctx)
	}
}

// secretsSafe scrubs the bridge's credentials from text bound for a room.
func (h *StreamingHandler) secretsSafe(text string) string {
	return observability.RedactSecrets(text,
		h.d.cfg.Letta.Token,
		h.d.cfg.Matrix.Password,
		h.d.cfg.Matrix.AdminPassword,
		h.target.MatrixPassword)
}

// postProgress surfaces one progress line, either as a fresh message or as
// an in-place edit of the first one.
func (h *StreamingHandler) postProgress(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if !h.opts.LiveEdit {
		if id := h.d.reply(ctx, h.roomID, h.target, text); id != "" {
			h.progressIDs = append(h.progressIDs, id)
		}
		return
	}

	if h.editTargetID == "" {
		id := h.d.reply(ctx, h.roomID, h.target, text)
		if id != "" {
			h.editTargetID = id
			h.progressIDs = append(h.progressIDs, id)
			h.lastEditAt = time.Now()
		}
		return
	}

	h.pendingText = text
	if time.Since(h.lastEditAt) >= liveEditDebounce {
		h.flushLiveEdit(ctx)
	}
}

// flushLiveEdit applies any debounced pending edit.
func (h *StreamingHandler) flushLiveEdit(ctx context.Context) {
	if h.pendingText == "" || h.editTargetID == "" {
		return
	}
	content := map[string]any{
		"msgtype": "m.text",
		"body":    "* " + h.pendingText,
		"m.new_content": map[string]any{
			"msgtype": "m.text",
			"body":    h.pendingText,
		},
		"m.relates_to": map[string]any{
			"rel_type": "m.replace",
			"event_id": h.editTargetID,
		},
	}
	if _, err := h.d.agentClient(ctx, h.target).SendContent(ctx, h.roomID, content); err != nil {
		slog.Debug("progress edit failed", "room", h.roomID, "err", err)
	}
	h.pendingText = ""
	h.lastEditAt = time.Now()
}

// cleanup redacts the progress messages after a successful turn.
func (h *StreamingHandler) cleanup(ctx context.Context) {
	for _, id := range h.progressIDs {
		h.d.redact(ctx, h.roomID, h.target, id)
	}
	h.progressIDs = nil
}
