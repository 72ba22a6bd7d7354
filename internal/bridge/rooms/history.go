package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
)

// HistoryEntry aliases the Letta conversation entry so fakes in tests do not
// need the letta package internals.
type HistoryEntry = letta.HistoryMessage

// historySeedLimit is how many recent conversation entries a fresh room gets.
const historySeedLimit = 15

// SeedHistory posts the agent's recent Letta conversation into a freshly
// created room so the chat does not start blank.  Seeded events carry the
// m.letta_historical flag so the dispatcher never routes them back to Letta.
func (m *Manager) SeedHistory(ctx context.Context, agent *matrix.Client, roomID, agentID string) error {
	entries, err := m.history.ListRecentMessages(ctx, agentID, historySeedLimit)
	if err != nil {
		return fmt.Errorf("rooms: fetch history for %s: %w", agentID, err)
	}
	entries = trimHistory(entries)
	if len(entries) == 0 {
		return nil
	}

	var sent int
	for _, entry := range entries {
		body := formatHistoryEntry(entry)
		if body == "" {
			continue
		}
		content := map[string]any{
			"msgtype":            "m.text",
			"body":               body,
			"m.letta_historical": true,
			"m.relates_to": map[string]any{
				"rel_type": "m.annotation",
				"key":      "letta.history",
			},
		}
		if _, err := agent.SendContent(ctx, roomID, content); err != nil {
			slog.Warn("history message send failed", "room", roomID, "err", err)
			continue
		}
		sent++
	}
	slog.Info("seeded room history", "room", roomID, "agent", agentID, "messages", sent)
	return nil
}

// trimHistory drops leading tool-return noise so the seeded transcript starts
// at a real exchange.
func trimHistory(entries []HistoryEntry) []HistoryEntry {
	for i, e := range entries {
		if e.MessageType != "tool_return_message" {
			return entries[i:]
		}
	}
	return nil
}

// formatHistoryEntry renders one conversation entry as a room message body.
// Entries that are not part of the visible conversation render as "".
func formatHistoryEntry(e HistoryEntry) string {
	content := strings.TrimSpace(e.Content)
	if content == "" {
		return ""
	}
	switch e.MessageType {
	case "user_message":
		return "[History] " + content
	case "assistant_message":
		return content
	}
	return ""
}
