// Package dispatch routes Matrix room traffic to Letta agents and returns
// their replies, posting as the agent's own Matrix identity.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/media"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/observability"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// lettaAPI is the slice of the Letta client the dispatcher needs; tests
// substitute a fake.
type lettaAPI interface {
	SendMessage(ctx context.Context, agentID string, messages []letta.MessageCreate) (*letta.Response, error)
	StreamMessage(ctx context.Context, agentID string, messages []letta.MessageCreate, opts letta.StreamOptions) (<-chan letta.StreamEvent, error)
}

// Dispatcher consumes synced room events and drives the Letta exchange.
type Dispatcher struct {
	cfg      *config.Config
	bot      *matrix.Client
	sessions *matrix.SessionCache
	mappings *store.MappingStore
	dedupe   *store.Dedupe
	letta    lettaAPI
	media    *media.Handler

	// startupMS guards against the homeserver replaying pre-boot history
	// through the first sync batches.
	startupMS int64
}

// NewDispatcher wires the routing pipeline.  media may be nil to ignore
// attachments.
func NewDispatcher(cfg *config.Config, bot *matrix.Client, sessions *matrix.SessionCache, mappings *store.MappingStore, dedupe *store.Dedupe, lettaClient lettaAPI, mediaHandler *media.Handler, startupMS int64) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		bot:       bot,
		sessions:  sessions,
		mappings:  mappings,
		dedupe:    dedupe,
		letta:     lettaClient,
		media:     mediaHandler,
		startupMS: startupMS,
	}
}

// HandleEvent is the sync callback.  It applies the filter chain, resolves
// the target agent, shapes the prompt, and dispatches.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt *event.Event) {
	if evt.Type != event.EventMessage {
		return
	}
	if skip, reason := d.shouldSkip(evt); skip {
		slog.Debug("event filtered", "event", evt.ID, "reason", reason)
		return
	}

	target := d.resolveTarget(ctx, evt.RoomID.String(), evt.Sender.String())
	if target == nil {
		slog.Debug("no agent for room", "room", evt.RoomID)
		return
	}

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx)
	messages, notice, err := d.buildMessages(ctx, evt, target)
	if err != nil {
		log.Error("message build failed", "event", evt.ID, "err", err)
		d.reply(ctx, evt.RoomID.String(), target, "⚠️ "+userFacing(err))
		return
	}
	if messages == nil {
		if notice != "" {
			d.reply(ctx, evt.RoomID.String(), target, notice)
		}
		return
	}

	d.dispatch(ctx, evt.RoomID.String(), target, messages)
}

// shouldSkip applies the ordered filter chain.  Order matters: dedupe first
// so every other branch sees each event at most once.
func (d *Dispatcher) shouldSkip(evt *event.Event) (bool, string) {
	if d.dedupe.Seen(evt.ID.String()) {
		return true, "duplicate"
	}
	sender := evt.Sender.String()
	if sender == d.bot.UserID() {
		return true, "own message"
	}
	if evt.Timestamp < d.startupMS {
		return true, "pre-boot replay"
	}
	if raw := evt.Content.Raw; raw != nil {
		if historical, _ := raw["m.letta_historical"].(bool); historical {
			return true, "seeded history"
		}
	}
	// Self-loop: an agent's own reply in its own room must not re-dispatch.
	if mapping := d.mappings.GetByRoomID(evt.RoomID.String()); mapping != nil && mapping.MatrixUserID == sender {
		return true, "agent self message"
	}
	return false, ""
}

// resolveTarget finds the agent responsible for a room: the mapped agent,
// then any agent member of the room, then the configured default.
func (d *Dispatcher) resolveTarget(ctx context.Context, roomID, sender string) *store.AgentMapping {
	if mapping := d.mappings.GetByRoomID(roomID); mapping != nil {
		return mapping
	}

	if members, err := d.bot.JoinedMembers(ctx, roomID); err == nil {
		for _, member := range members {
			if member == sender {
				continue
			}
			if strings.HasPrefix(config.Localpart(member), "agent_") {
				if mapping := d.mappings.GetByMatrixUserID(member); mapping != nil {
					return mapping
				}
			}
		}
	}

	if d.cfg.Letta.DefaultAgentID != "" && (d.cfg.Matrix.RoomID == "" || roomID == d.cfg.Matrix.RoomID) {
		return &store.AgentMapping{
			AgentID:      d.cfg.Letta.DefaultAgentID,
			AgentName:    "default",
			MatrixUserID: d.bot.UserID(),
		}
	}
	return nil
}

// buildMessages turns a Matrix event into Letta messages.  A nil message
// slice with no error means the event needs no dispatch; notice (when set)
// is posted to the room instead.
func (d *Dispatcher) buildMessages(ctx context.Context, evt *event.Event, target *store.AgentMapping) (messages []letta.MessageCreate, notice string, err error) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil, "", nil
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text, ok := d.shapePrompt(evt.Sender.String(), content.Body, target)
		if !ok {
			return nil, "", nil
		}
		return []letta.MessageCreate{{Role: "user", Content: text}}, "", nil

	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		return d.buildMediaMessages(ctx, evt, content, target)
	}
	return nil, "", nil
}

// buildMediaMessages downloads the attachment and runs the media pipeline.
func (d *Dispatcher) buildMediaMessages(ctx context.Context, evt *event.Event, content *event.MessageEventContent, target *store.AgentMapping) ([]letta.MessageCreate, string, error) {
	if d.media == nil {
		return nil, "", nil
	}
	if content.URL == "" {
		return nil, "", fmt.Errorf("attachment has no media url")
	}
	data, err := d.bot.DownloadMXC(ctx, string(content.URL))
	if err != nil {
		return nil, "", fmt.Errorf("download attachment: %w", err)
	}

	in := media.Input{
		RoomID:  evt.RoomID.String(),
		Sender:  evt.Sender.String(),
		AgentID: target.AgentID,
		MsgType: string(content.MsgType),
		Body:    content.Body,
		Data:    data,
	}
	if content.FileName != "" {
		in.Filename = content.FileName
	}
	if content.Info != nil {
		in.MimeType = content.Info.MimeType
	}
	// A body differing from the filename is a caption.
	if content.Body != "" && content.Body != in.Filename {
		in.Caption = content.Body
	}

	artifact, err := d.media.Process(ctx, in)
	if err != nil {
		var vErr *media.ValidationError
		if errors.As(err, &vErr) {
			return nil, "⚠️ " + vErr.Reason, nil
		}
		return nil, "", err
	}

	// Uploads from OpenCode relay identities carry the same reply-routing
	// instruction as their text messages.
	if sender := evt.Sender.String(); strings.HasPrefix(config.Localpart(sender), "oc_") {
		note := fmt.Sprintf("(Include the mention %s in your reply so it routes back to the sender.)", sender)
		if artifact.Kind == media.ArtifactMultimodal {
			artifact.Parts = append(artifact.Parts, letta.TextPart{Type: "text", Text: note})
		} else {
			artifact.Text += "\n\n" + note
		}
	}

	switch artifact.Kind {
	case media.ArtifactMultimodal:
		return []letta.MessageCreate{{Role: "user", Content: artifact.Parts}}, "", nil
	default:
		return []letta.MessageCreate{{Role: "user", Content: artifact.Text}}, "", nil
	}
}

// interAgentPrefix marks agent-to-agent traffic so the receiving agent knows
// the sender is a peer, not the human operator.
const interAgentPrefix = "[INTER-AGENT MESSAGE from "

// shapePrompt applies sender-dependent framing.  The second return value is
// false when the message should not be dispatched at all.
func (d *Dispatcher) shapePrompt(sender, body string, target *store.AgentMapping) (string, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}

	// Agent-to-agent: wrap with the sender's name and strip any nested
	// wrapping so relayed messages cannot snowball prefixes.
	if peer := d.mappings.GetByMatrixUserID(sender); peer != nil {
		inner := stripInterAgentPrefix(body)
		text := fmt.Sprintf("%s%s]: %s\n\n(System note: this message came from another agent, not the human operator. Treat this as your main task this turn; avoid open-ended loops.)",
			interAgentPrefix, peer.AgentName, inner)
		return text, true
	}

	// OpenCode relay accounts: wrap with the sender's full mention so the
	// agent's reply can be routed back through the relay.
	if strings.HasPrefix(config.Localpart(sender), "oc_") {
		return fmt.Sprintf("[MESSAGE FROM OPENCODE USER %s]: %s\n\n(Include the mention %s in your reply so it routes back to the sender.)", sender, body, sender), true
	}

	return body, true
}

// stripInterAgentPrefix removes any number of nested inter-agent wrappers.
func stripInterAgentPrefix(body string) string {
	for strings.HasPrefix(body, interAgentPrefix) {
		if end := strings.Index(body, "]: "); end >= 0 {
			body = body[end+len("]: "):]
			// Drop the trailing system note added by the wrapper.
			if i := strings.Index(body, "\n\n(System note:"); i >= 0 {
				body = body[:i]
			}
			body = strings.TrimSpace(body)
			continue
		}
		break
	}
	return body
}

// dispatch sends to Letta (streaming or blocking) and posts the reply.
func (d *Dispatcher) dispatch(ctx context.Context, roomID string, target *store.AgentMapping, messages []letta.MessageCreate) {
	typingClient := d.agentClient(ctx, target)
	stopTyping := typingClient.StartTyping(ctx, roomID)
	defer stopTyping()

	if d.cfg.Letta.StreamingEnabled {
		d.dispatchStreaming(ctx, roomID, target, messages)
		return
	}
	d.dispatchBlocking(ctx, roomID, target, messages)
}

// dispatchBlocking performs a full-response exchange.  All collected replies
// go out as one room message, space-joined.
func (d *Dispatcher) dispatchBlocking(ctx context.Context, roomID string, target *store.AgentMapping, messages []letta.MessageCreate) {
	resp, err := d.letta.SendMessage(ctx, target.AgentID, messages)
	if err != nil {
		d.reply(ctx, roomID, target, "⚠️ "+userFacing(err))
		return
	}
	d.reply(ctx, roomID, target, strings.Join(CollectReplies(resp), " "))
}

// dispatchStreaming drives the step stream through a streaming handler.
func (d *Dispatcher) dispatchStreaming(ctx context.Context, roomID string, target *store.AgentMapping, messages []letta.MessageCreate) {
	events, err := d.letta.StreamMessage(ctx, target.AgentID, messages, letta.StreamOptions{
		IncludeReasoning: false,
		TotalTimeout:     d.cfg.Letta.StreamingTimeout,
	})
	if err != nil {
		d.reply(ctx, roomID, target, "⚠️ "+userFacing(err))
		return
	}
	handler := NewStreamingHandler(d, roomID, target, StreamingOptions{DeleteProgress: true})
	handler.Run(ctx, events)
}

// CollectReplies flattens a blocking response into room messages: assistant
// replies verbatim, plus a note for each message the agent relayed to a peer
// through its Matrix send tool.
func CollectReplies(resp *letta.Response) []string {
	var out []string
	for _, msg := range resp.Messages {
		switch msg.MessageType {
		case "assistant_message":
			if text := strings.TrimSpace(msg.Content); text != "" {
				out = append(out, text)
			}
		case "tool_call_message":
			if msg.ToolCall != nil && msg.ToolCall.Name == "matrix_agent_message" {
				var args struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal([]byte(msg.ToolCall.Arguments), &args); err == nil && args.Message != "" {
					out = append(out, "[Sent to another agent]: "+args.Message)
				}
			}
		}
	}
	return out
}

// agentClient returns a client acting as the agent identity, falling back to
// the main bot when the agent session cannot be established.
func (d *Dispatcher) agentClient(ctx context.Context, target *store.AgentMapping) *matrix.Client {
	if target.MatrixPassword != "" && target.MatrixUserID != d.bot.UserID() {
		cli, err := d.sessions.Get(ctx, config.Localpart(target.MatrixUserID), target.MatrixPassword)
		if err == nil {
			return cli
		}
		observability.WithTrace(ctx).Warn("agent session unavailable, using bot identity", "agent", target.AgentID, "err", err)
	}
	return d.bot
}

// reply posts text to the room as the agent, falling back to the bot.
// Returns the event ID of the posted message.
func (d *Dispatcher) reply(ctx context.Context, roomID string, target *store.AgentMapping, text string) string {
	if text == "" {
		return ""
	}
	eventID, err := d.agentClient(ctx, target).SendText(ctx, roomID, text)
	if err != nil {
		observability.WithTrace(ctx).Warn("agent send failed, retrying as bot", "room", roomID, "err", err)
		eventID, err = d.bot.SendText(ctx, roomID, text)
		if err != nil {
			observability.WithTrace(ctx).Error("reply send failed", "room", roomID, "err", err)
			return ""
		}
	}
	return eventID
}

// redact removes a previously posted message, as the agent when possible.
func (d *Dispatcher) redact(ctx context.Context, roomID string, target *store.AgentMapping, eventID string) {
	if eventID == "" {
		return
	}
	if err := d.agentClient(ctx, target).Redact(ctx, roomID, eventID, ""); err != nil {
		slog.Debug("progress redaction failed", "room", roomID, "event", eventID, "err", err)
	}
}

// userFacing renders an error for the room without leaking internals.
func userFacing(err error) string {
	var busy *letta.ConversationBusyError
	if errors.As(err, &busy) {
		return "The agent is busy with another conversation. Please try again in a moment."
	}
	var api *letta.APIError
	if errors.As(err, &api) {
		return fmt.Sprintf("The agent service returned an error (status %d). Please try again.", api.Status)
	}
	var vErr *media.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason
	}
	return "Something went wrong while contacting the agent. Please try again."
}
