package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
)

const (
	// indexPollBudget bounds how long IndexFile waits for Letta to finish
	// embedding an upload; indexPollInterval is the status poll cadence.
	indexPollBudget   = 300 * time.Second
	indexPollInterval = 3 * time.Second
	// maxPollErrors aborts polling after this many consecutive lookup
	// failures, as opposed to "still processing" answers.
	maxPollErrors = 3
)

// FolderIndexer uploads room attachments into per-room Letta folders and
// attaches the folder to the room's agent, making files searchable.
type FolderIndexer struct {
	letta            *letta.Client
	defaultEmbedding letta.EmbeddingConfig
}

// NewFolderIndexer creates a folder indexer with the deployment's default
// embedding config, used for agents that carry none of their own.
func NewFolderIndexer(client *letta.Client, defaultEmbedding letta.EmbeddingConfig) *FolderIndexer {
	return &FolderIndexer{letta: client, defaultEmbedding: defaultEmbedding}
}

// FolderNameForRoom derives the per-room folder name.  Room IDs carry
// characters Letta folder names reject, so they are sanitized the same way
// agent localparts are.
func FolderNameForRoom(roomID string) string {
	s := strings.TrimPrefix(roomID, "!")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return "matrix-" + b.String()
}

// IndexFile runs the full pipeline: ensure the room folder exists, upload
// the file, wait for embedding to finish, and attach the folder to the
// agent.  Returns the folder ID.
func (fi *FolderIndexer) IndexFile(ctx context.Context, roomID, agentID, filename string, data []byte) (string, error) {
	folderID, err := fi.ensureFolder(ctx, roomID, agentID)
	if err != nil {
		return "", err
	}

	fileID, err := fi.letta.UploadFileToFolder(ctx, folderID, filename, data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := fi.waitForIndexing(ctx, folderID, fileID, filename); err != nil {
		return "", err
	}

	if err := fi.ensureAttached(ctx, agentID, folderID); err != nil {
		return "", err
	}
	return folderID, nil
}

// ensureFolder finds or creates the room's folder, using the agent's own
// embedding config when it has one.
func (fi *FolderIndexer) ensureFolder(ctx context.Context, roomID, agentID string) (string, error) {
	name := FolderNameForRoom(roomID)
	folder, err := fi.letta.FindFolderByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("find folder %s: %w", name, err)
	}
	if folder != nil {
		return folder.ID, nil
	}

	embedding := fi.defaultEmbedding
	if agent, err := fi.letta.GetAgent(ctx, agentID); err == nil && agent.EmbeddingConfig != nil {
		embedding = *agent.EmbeddingConfig
	}
	created, err := fi.letta.CreateFolder(ctx, name, "Files shared in Matrix room "+roomID, &embedding)
	if err != nil {
		return "", fmt.Errorf("create folder %s: %w", name, err)
	}
	slog.Info("created letta folder", "folder", created.ID, "room", roomID)
	return created.ID, nil
}

// waitForIndexing polls the folder's file listing until the upload reports a
// terminal processing status.
func (fi *FolderIndexer) waitForIndexing(ctx context.Context, folderID, fileID, filename string) error {
	deadline := time.Now().Add(indexPollBudget)
	consecutiveErrors := 0
	for time.Now().Before(deadline) {
		files, err := fi.letta.ListFolderFiles(ctx, folderID)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxPollErrors {
				return fmt.Errorf("poll indexing of %s: %w", filename, err)
			}
		} else {
			consecutiveErrors = 0
			for _, f := range files {
				if f.ID != fileID {
					continue
				}
				switch f.ProcessingStatus {
				case "completed":
					return nil
				case "error", "failed":
					return fmt.Errorf("indexing of %s failed", filename)
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(indexPollInterval):
		}
	}
	return fmt.Errorf("indexing of %s did not finish within %s", filename, indexPollBudget)
}

// ensureAttached attaches the folder to the agent unless it already is.
func (fi *FolderIndexer) ensureAttached(ctx context.Context, agentID, folderID string) error {
	attached, err := fi.letta.ListAttachedFolders(ctx, agentID)
	if err == nil {
		for _, f := range attached {
			if f.ID == folderID {
				return nil
			}
		}
	}
	if err := fi.letta.AttachFolderToAgent(ctx, agentID, folderID); err != nil {
		return fmt.Errorf("attach folder to %s: %w", agentID, err)
	}
	return nil
}
