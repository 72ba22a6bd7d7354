package matrix

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// syncPollTimeout is the server-side long-poll window for each /sync call.
const syncPollTimeout = 30 * time.Second

// steadyTimelineLimit bounds the events returned per room per sync pass.
const steadyTimelineLimit = 50

// EventHandler receives one timeline event from the sync stream.
type EventHandler func(ctx context.Context, evt *event.Event)

// syncFilter is the wire shape of the bridge's sync filter.  Presence and
// account data are filtered out entirely; room state is lazy-loaded.
type syncFilter struct {
	Room struct {
		Timeline struct {
			Limit           int  `json:"limit"`
			LazyLoadMembers bool `json:"lazy_load_members,omitempty"`
		} `json:"timeline"`
		State struct {
			LazyLoadMembers bool `json:"lazy_load_members,omitempty"`
		} `json:"state"`
	} `json:"room"`
	Presence struct {
		NotTypes []string `json:"not_types,omitempty"`
	} `json:"presence"`
	AccountData struct {
		NotTypes []string `json:"not_types,omitempty"`
	} `json:"account_data"`
}

func newSyncFilter(timelineLimit int) syncFilter {
	var f syncFilter
	f.Room.Timeline.Limit = timelineLimit
	f.Room.Timeline.LazyLoadMembers = true
	f.Room.State.LazyLoadMembers = true
	f.Presence.NotTypes = []string{"*"}
	f.AccountData.NotTypes = []string{"*"}
	return f
}

// respSync is the subset of the /sync response the bridge consumes.
type respSync struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []*event.Event `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]struct {
			InviteState struct {
				Events []*event.Event `json:"events"`
			} `json:"invite_state"`
		} `json:"invite"`
	} `json:"rooms"`
}

// Sync performs one /sync request.  filter may be a stored filter id or an
// inline JSON filter; since may be empty for an initial sync.
func (c *Client) Sync(ctx context.Context, since, filter string, timeout time.Duration) (*respSync, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+requestTimeout)
	defer cancel()

	query := map[string]string{
		"timeout":      "0",
		"set_presence": "offline",
	}
	if timeout > 0 {
		query["timeout"] = strconv.Itoa(int(timeout.Milliseconds()))
	}
	if since != "" {
		query["since"] = since
	}
	if filter != "" {
		query["filter"] = filter
	}

	u := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "sync"}, query)
	var resp respSync
	if _, err := c.cli.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:       http.MethodGet,
		URL:          u,
		ResponseJSON: &resp,
	}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// createFilter uploads a filter definition and returns its id.
func (c *Client) createFilter(ctx context.Context, f syncFilter) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	u := c.cli.BuildClientURL("v3", "user", c.cli.UserID.String(), "filter")
	var resp struct {
		FilterID string `json:"filter_id"`
	}
	if _, err := c.cli.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:       http.MethodPost,
		URL:          u,
		RequestJSON:  f,
		ResponseJSON: &resp,
	}); err != nil {
		return "", err
	}
	return resp.FilterID, nil
}

// SyncForever drives the sync loop until ctx is cancelled.
//
// The first pass after a fresh login uses an inline filter with
// timeline.limit=0 so accumulated history is skipped wholesale; steady-state
// passes use a stored filter with a bounded timeline.  Transient sync
// failures reconnect with exponential backoff so a homeserver hiccup never
// leaves the bridge deaf.
func (c *Client) SyncForever(ctx context.Context, store mautrix.SyncStore, onEvent EventHandler) error {
	userID := c.cli.UserID

	since, err := store.LoadNextBatch(ctx, userID)
	if err != nil {
		slog.Warn("sync: loading next_batch failed, starting fresh", "err", err)
	}

	if since == "" {
		initial, err := json.Marshal(newSyncFilter(0))
		if err == nil {
			resp, syncErr := c.Sync(ctx, "", string(initial), 0)
			if syncErr != nil {
				slog.Warn("sync: initial pass failed", "err", syncErr)
			} else {
				since = resp.NextBatch
				if err := store.SaveNextBatch(ctx, userID, since); err != nil {
					slog.Warn("sync: saving next_batch failed", "err", err)
				}
			}
		}
	}

	filterID, err := store.LoadFilterID(ctx, userID)
	if err != nil || filterID == "" {
		filterID, err = c.createFilter(ctx, newSyncFilter(steadyTimelineLimit))
		if err != nil {
			slog.Warn("sync: filter creation failed, syncing unfiltered", "err", err)
			filterID = ""
		} else if err := store.SaveFilterID(ctx, userID, filterID); err != nil {
			slog.Warn("sync: saving filter id failed", "err", err)
		}
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := c.Sync(ctx, since, filterID, syncPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sync failed; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffMin

		since = resp.NextBatch
		if err := store.SaveNextBatch(ctx, userID, since); err != nil {
			slog.Warn("sync: saving next_batch failed", "err", err)
		}

		// Accept invitations addressed to this identity so manually created
		// relay rooms become visible without operator action.
		for roomID := range resp.Rooms.Invite {
			if _, err := c.JoinRoom(ctx, roomID); err != nil {
				if je := AsJoinError(err); je != nil {
					slog.Warn("auto-join of invited room failed", "room", roomID, "kind", je.Kind, "hint", je.Hint())
				}
			}
		}

		for roomID, room := range resp.Rooms.Join {
			for _, evt := range room.Timeline.Events {
				evt.RoomID = id.RoomID(roomID)
				if err := evt.Content.ParseRaw(evt.Type); err != nil {
					// Unknown or malformed event types are skipped, not fatal.
					continue
				}
				onEvent(ctx, evt)
			}
		}
	}
}
