// Package matrix provides the typed homeserver client used by the bridge.
//
// Every component talks to the homeserver through this package; business code
// never issues raw HTTP verbs.  The client wraps maunium.net/go/mautrix and
// adds the bridge-specific contracts: UUID transaction ids on every send, the
// typing double-send workaround, JoinError classification, and an explicit
// sync driver with the bridge's event filter.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Per-call budgets.  Login gets extra room because homeservers commonly
// rate-limit the login endpoint; media downloads can be large.
const (
	requestTimeout = 10 * time.Second
	loginTimeout   = 30 * time.Second
	mediaTimeout   = 120 * time.Second
)

// withTimeout bounds a single homeserver call.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, requestTimeout)
}

// Client wraps a single Matrix identity (one access token).
type Client struct {
	cli        *mautrix.Client
	serverName string
}

// NewClient creates a client for an already-authenticated identity.
func NewClient(homeserverURL, userID, accessToken, serverName string) (*Client, error) {
	cli, err := mautrix.NewClient(homeserverURL, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	return &Client{cli: cli, serverName: serverName}, nil
}

// Login authenticates with a password and returns a client bound to the
// resulting access token.
func Login(ctx context.Context, homeserverURL, localpart, password, serverName string) (*Client, error) {
	cli, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: localpart},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("matrix: login %s: %w", localpart, err)
	}
	slog.Debug("matrix login ok", "user", resp.UserID)
	return &Client{cli: cli, serverName: serverName}, nil
}

// RegisterDummy registers a new account using the no-challenge dummy auth
// flow and returns the resulting access token.
func RegisterDummy(ctx context.Context, homeserverURL, localpart, password, deviceName string) (userID, accessToken string, err error) {
	cli, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return "", "", fmt.Errorf("matrix: create client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	resp, err := cli.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 localpart,
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	})
	if err != nil {
		return "", "", err
	}
	return resp.UserID.String(), resp.AccessToken, nil
}

// UserID returns the identity this client acts as.
func (c *Client) UserID() string {
	return c.cli.UserID.String()
}

// AccessToken returns the bearer token for this identity.  Callers must not
// log it.
func (c *Client) AccessToken() string {
	return c.cli.AccessToken
}

// ServerName returns the Matrix server name user IDs are minted under.
func (c *Client) ServerName() string {
	return c.serverName
}

// Mautrix exposes the underlying mautrix client for call sites that need the
// raw library surface (admin API plumbing, media).
func (c *Client) Mautrix() *mautrix.Client {
	return c.cli
}

// SendText sends an m.text message and returns the new event id.  Each call
// uses a fresh UUID transaction id; transaction ids are never reused.
func (c *Client) SendText(ctx context.Context, roomID, body string) (string, error) {
	return c.SendContent(ctx, roomID, map[string]any{
		"msgtype": "m.text",
		"body":    body,
	})
}

// SendContent sends an m.room.message event with arbitrary content.  Content
// maps allow the bridge's custom fields (m.letta_historical, m.letta.*) to
// ride alongside the standard keys.
func (c *Client) SendContent(ctx context.Context, roomID string, content any) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	txnID := uuid.NewString()
	u := c.cli.BuildClientURL("v3", "rooms", roomID, "send", "m.room.message", txnID)
	var resp mautrix.RespSendEvent
	_, err := c.cli.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:       http.MethodPut,
		URL:          u,
		RequestJSON:  content,
		ResponseJSON: &resp,
	})
	if err != nil {
		return "", fmt.Errorf("matrix: send to %s: %w", roomID, err)
	}
	return resp.EventID.String(), nil
}

// Redact redacts an event in a room, again with a fresh UUID transaction id.
func (c *Client) Redact(ctx context.Context, roomID, eventID, reason string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	txnID := uuid.NewString()
	u := c.cli.BuildClientURL("v3", "rooms", roomID, "redact", eventID, txnID)
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	_, err := c.cli.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:      http.MethodPut,
		URL:         u,
		RequestJSON: body,
	})
	if err != nil {
		return fmt.Errorf("matrix: redact %s in %s: %w", eventID, roomID, err)
	}
	return nil
}

// PutRoomState writes a state event.
func (c *Client) PutRoomState(ctx context.Context, roomID string, eventType event.Type, stateKey string, content any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := c.cli.SendStateEvent(ctx, id.RoomID(roomID), eventType, stateKey, content)
	if err != nil {
		return fmt.Errorf("matrix: put state %s/%s in %s: %w", eventType.Type, stateKey, roomID, err)
	}
	return nil
}

// GetRoomState reads a state event into out.
func (c *Client) GetRoomState(ctx context.Context, roomID string, eventType event.Type, stateKey string, out any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return c.cli.StateEvent(ctx, id.RoomID(roomID), eventType, stateKey, out)
}

// CreateRoom creates a room and returns its id.
func (c *Client) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.cli.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("matrix: create room: %w", err)
	}
	return resp.RoomID.String(), nil
}

// JoinRoom joins a room by id, classifying failures as JoinError variants.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.cli.JoinRoomByID(ctx, id.RoomID(roomID))
	if err != nil {
		return "", classifyJoinError(err)
	}
	return resp.RoomID.String(), nil
}

// InviteUser invites a user into a room.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := c.cli.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: id.UserID(userID)})
	if err != nil {
		return fmt.Errorf("matrix: invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// JoinedRooms lists the rooms this identity has joined.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined rooms: %w", err)
	}
	rooms := make([]string, 0, len(resp.JoinedRooms))
	for _, r := range resp.JoinedRooms {
		rooms = append(rooms, r.String())
	}
	return rooms, nil
}

// JoinedMembers lists the members currently joined to a room.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.cli.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("matrix: joined members of %s: %w", roomID, err)
	}
	members := make([]string, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID.String())
	}
	return members, nil
}

// GetDisplayName fetches a user's current display name.
func (c *Client) GetDisplayName(ctx context.Context, userID string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.cli.GetDisplayName(ctx, id.UserID(userID))
	if err != nil {
		return "", fmt.Errorf("matrix: get displayname of %s: %w", userID, err)
	}
	return resp.DisplayName, nil
}

// SetOwnDisplayName sets the display name of this client's identity.
// Setting an unchanged value is skipped so that re-runs leave no write trail.
func (c *Client) SetOwnDisplayName(ctx context.Context, displayName string) error {
	if current, err := c.GetDisplayName(ctx, c.UserID()); err == nil && current == displayName {
		return nil
	}
	if err := c.cli.SetDisplayName(ctx, displayName); err != nil {
		return fmt.Errorf("matrix: set displayname: %w", err)
	}
	return nil
}

// DownloadMedia fetches media bytes through the authenticated media endpoint.
func (c *Client) DownloadMedia(ctx context.Context, server, mediaID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, mediaTimeout)
	defer cancel()
	uri := id.ContentURI{Homeserver: server, FileID: mediaID}
	data, err := c.cli.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("matrix: download mxc://%s/%s: %w", server, mediaID, err)
	}
	return data, nil
}

// DownloadMXC fetches media given an mxc:// URL.
func (c *Client) DownloadMXC(ctx context.Context, mxcURL string) ([]byte, error) {
	uri, err := id.ParseContentURI(mxcURL)
	if err != nil {
		return nil, fmt.Errorf("matrix: bad mxc url %q: %w", mxcURL, err)
	}
	return c.DownloadMedia(ctx, uri.Homeserver, uri.FileID)
}

// Typing sets the typing indicator.  When clearing it, a second send with
// typing=true and a 1ms timeout forces expiry on homeservers where
// typing=false is not honoured.
func (c *Client) Typing(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := c.cli.UserTyping(ctx, id.RoomID(roomID), typing, timeout)
	if err != nil {
		return fmt.Errorf("matrix: typing in %s: %w", roomID, err)
	}
	if !typing {
		if _, err := c.cli.UserTyping(ctx, id.RoomID(roomID), true, time.Millisecond); err != nil {
			slog.Debug("typing expiry workaround failed", "room", roomID, "err", err)
		}
	}
	return nil
}

// HTTPStatus extracts the HTTP status code from a mautrix error, or 0.
func HTTPStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	return 0
}

// ErrCode extracts the Matrix errcode (e.g. "M_FORBIDDEN") from an error.
func ErrCode(err error) string {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.RespError != nil {
		return httpErr.RespError.ErrCode
	}
	return ""
}

// RetryAfter reads a rate-limit retry hint in milliseconds, or 0.
func RetryAfter(err error) time.Duration {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		if v := httpErr.Response.Header.Get("Retry-After"); v != "" {
			if secs, convErr := strconv.Atoi(v); convErr == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}
