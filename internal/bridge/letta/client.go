package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/oculairmedia/letta-matrix-bridge/common/retry"
)

const (
	requestTimeout  = 30 * time.Second
	blockingTimeout = 300 * time.Second

	// Agent listing pagination.
	listPageSize = 100
	maxListPages = 10

	// Retry schedule shared by transient faults and busy conversations.
	sendAttempts      = 3
	retryInitialDelay = time.Second
	retryMaxDelay     = 60 * time.Second
)

// Client is a thin wire-typed client for the Letta REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Letta client.  token may be empty for unauthenticated
// local deployments.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
	}
}

// ListAgentsPage fetches one page of agents using cursor pagination.
func (c *Client) ListAgentsPage(ctx context.Context, after string, limit int) ([]Agent, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if after != "" {
		q.Set("after", after)
	}
	var agents []Agent
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents/", q, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListAllAgents walks the cursor-paginated agents listing.  A page cap and a
// non-advancing-cursor guard protect against a misbehaving server; duplicate
// IDs across pages are dropped.
func (c *Client) ListAllAgents(ctx context.Context) ([]Agent, error) {
	var (
		all  []Agent
		seen = make(map[string]bool)
		last string
	)
	for page := 0; page < maxListPages; page++ {
		agents, err := c.ListAgentsPage(ctx, last, listPageSize)
		if err != nil {
			return nil, err
		}
		if len(agents) == 0 {
			return all, nil
		}
		for _, a := range agents {
			if !seen[a.ID] {
				seen[a.ID] = true
				all = append(all, a)
			}
		}
		next := agents[len(agents)-1].ID
		if next == last {
			slog.Warn("agent listing cursor did not advance; stopping pagination", "cursor", next)
			return all, nil
		}
		last = next
		if len(agents) < listPageSize {
			return all, nil
		}
	}
	slog.Warn("agent listing hit page cap", "pages", maxListPages, "agents", len(all))
	return all, nil
}

// GetAgent fetches a single agent by ID.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID), nil, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// SendMessage dispatches messages to an agent and blocks for the full
// response.  Transient server faults retry with doubling backoff; a busy
// conversation (409) retries on the same schedule and surfaces as
// ConversationBusyError once exhausted.
func (c *Client) SendMessage(ctx context.Context, agentID string, messages []MessageCreate) (*Response, error) {
	body := map[string]any{"messages": messages}
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages"

	var resp Response
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  sendAttempts,
		InitialDelay: retryInitialDelay,
		MaxDelay:     retryMaxDelay,
		ShouldRetry: func(err error) bool {
			var api *APIError
			if errors.As(err, &api) {
				// A busy conversation (409) is retried like a transient fault.
				return api.Status == 409 || api.Retryable()
			}
			return true
		},
	}, func() error {
		resp = Response{}
		return c.doJSONTimeout(ctx, http.MethodPost, path, nil, body, &resp, blockingTimeout)
	})
	if err != nil {
		var api *APIError
		if errors.As(err, &api) && api.Status == 409 {
			return nil, &ConversationBusyError{AgentID: agentID}
		}
		return nil, err
	}
	return &resp, nil
}

// ListRecentMessages returns the agent's most recent conversation entries,
// newest last, for room history seeding.
func (c *Client) ListRecentMessages(ctx context.Context, agentID string, limit int) ([]HistoryMessage, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var messages []HistoryMessage
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, q, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// --- memory blocks ---

// ListBlocks returns global blocks, optionally filtered by label.
func (c *Client) ListBlocks(ctx context.Context, label string) ([]Block, error) {
	var q url.Values
	if label != "" {
		q = url.Values{"label": {label}}
	}
	var blocks []Block
	if err := c.doJSON(ctx, http.MethodGet, "/v1/blocks/", q, nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// CreateBlock creates a global memory block.
func (c *Client) CreateBlock(ctx context.Context, label, value string) (*Block, error) {
	var block Block
	body := map[string]any{"label": label, "value": value}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/blocks/", nil, body, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// UpdateBlockValue replaces a block's value.
func (c *Client) UpdateBlockValue(ctx context.Context, blockID, value string) error {
	body := map[string]any{"value": value}
	return c.doJSON(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(blockID), nil, body, nil)
}

// AttachBlockToAgent attaches a block to an agent's core memory.
func (c *Client) AttachBlockToAgent(ctx context.Context, agentID, blockID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks/attach/" + url.PathEscape(blockID)
	return c.doJSON(ctx, http.MethodPatch, path, nil, nil, nil)
}

// DetachBlockFromAgent removes a block from an agent's core memory.
func (c *Client) DetachBlockFromAgent(ctx context.Context, agentID, blockID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks/detach/" + url.PathEscape(blockID)
	return c.doJSON(ctx, http.MethodPatch, path, nil, nil, nil)
}

// ListAttachedBlocks returns the blocks attached to an agent's core memory.
func (c *Client) ListAttachedBlocks(ctx context.Context, agentID string) ([]Block, error) {
	var blocks []Block
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// --- folders (file corpora) ---

// FindFolderByName returns the folder with the given name, or nil when none
// exists.
func (c *Client) FindFolderByName(ctx context.Context, name string) (*Folder, error) {
	q := url.Values{"name": {name}}
	var folders []Folder
	if err := c.doJSON(ctx, http.MethodGet, "/v1/folders/", q, nil, &folders); err != nil {
		return nil, err
	}
	for i := range folders {
		if folders[i].Name == name {
			return &folders[i], nil
		}
	}
	return nil, nil
}

// CreateFolder creates a folder with the given embedding configuration.
func (c *Client) CreateFolder(ctx context.Context, name, description string, embedding *EmbeddingConfig) (*Folder, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	if embedding != nil {
		body["embedding_config"] = embedding
	}
	var folder Folder
	if err := c.doJSON(ctx, http.MethodPost, "/v1/folders/", nil, body, &folder); err != nil {
		return nil, err
	}
	return &folder, nil
}

// UploadFileToFolder uploads file bytes into a folder and returns the
// server-side file ID for status polling.
func (c *Client) UploadFileToFolder(ctx context.Context, folderID, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("letta: build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("letta: build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("letta: build multipart: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, blockingTimeout)
	defer cancel()
	u := c.baseURL + "/v1/folders/" + url.PathEscape(folderID) + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return "", fmt.Errorf("letta: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("letta: upload file: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newAPIError(resp.StatusCode, raw)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("letta: decode upload response: %w", err)
	}
	return out.ID, nil
}

// ListFolderFiles returns the files in a folder with their indexing status.
func (c *Client) ListFolderFiles(ctx context.Context, folderID string) ([]FolderFile, error) {
	var files []FolderFile
	path := "/v1/folders/" + url.PathEscape(folderID) + "/files"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// AttachFolderToAgent makes a folder's files searchable by the agent.
func (c *Client) AttachFolderToAgent(ctx context.Context, agentID, folderID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/folders/attach/" + url.PathEscape(folderID)
	return c.doJSON(ctx, http.MethodPatch, path, nil, nil, nil)
}

// ListAttachedFolders returns the folders already attached to an agent.
func (c *Client) ListAttachedFolders(ctx context.Context, agentID string) ([]Folder, error) {
	var folders []Folder
	path := "/v1/agents/" + url.PathEscape(agentID) + "/folders"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// --- plumbing ---

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.doJSONTimeout(ctx, method, path, query, body, out, requestTimeout)
}

func (c *Client) doJSONTimeout(ctx context.Context, method, path string, query url.Values, body, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("letta: encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("letta: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("letta: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("letta: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("letta: decode response: %w", err)
		}
	}
	return nil
}
