package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
)

const transcribeTimeout = 120 * time.Second

// Transcriber sends audio to an OpenAI-compatible /audio/transcriptions
// endpoint (Whisper and its self-hosted clones share this shape).
type Transcriber struct {
	apiURL string
	apiKey string
	model  string
	http   *http.Client
}

// NewTranscriber creates a transcriber, or nil when no endpoint is
// configured so callers can treat transcription as an optional feature.
func NewTranscriber(cfg config.Transcription) *Transcriber {
	if cfg.APIURL == "" {
		return nil
	}
	return &Transcriber{
		apiURL: strings.TrimSuffix(cfg.APIURL, "/"),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		http:   &http.Client{},
	}
}

// Transcribe converts audio bytes to text.
func (t *Transcriber) Transcribe(ctx context.Context, filename, mimeType string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if err := mw.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := string(raw)
		if len(body) > 200 {
			body = body[:200]
		}
		return "", fmt.Errorf("transcription status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
