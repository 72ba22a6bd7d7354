// Package media turns Matrix attachments into Letta-consumable artifacts:
// multimodal image payloads, voice transcripts, extracted document text, and
// folder-indexed files.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
)

// maxSizeBytes derives the attachment cap from config (default 50 MiB).
func maxSizeBytes(cfg config.Documents) int64 {
	return int64(cfg.MaxSizeMB) * 1024 * 1024
}

// ArtifactKind classifies what Process produced.
type ArtifactKind string

const (
	// ArtifactMultimodal is an image delivered inline as base64 parts.
	ArtifactMultimodal ArtifactKind = "multimodal"
	// ArtifactTranscript is transcribed speech.
	ArtifactTranscript ArtifactKind = "transcript"
	// ArtifactExtractedText is document text extracted locally.
	ArtifactExtractedText ArtifactKind = "extracted_text"
	// ArtifactIndexedFile is a document uploaded into a Letta folder.
	ArtifactIndexedFile ArtifactKind = "indexed_file"
)

// Artifact is the outcome of processing one attachment.
type Artifact struct {
	Kind     ArtifactKind
	FileName string

	// Text carries the transcript, extracted text, or indexing notice.
	Text string
	// Parts carries the multimodal message content for images.
	Parts []any
	// FolderID is set for indexed files.
	FolderID string
}

// Input describes one incoming Matrix attachment, already downloaded.
type Input struct {
	RoomID   string
	Sender   string
	AgentID  string
	MsgType  string // m.image, m.audio, m.video, m.file
	Body     string
	Filename string // info.filename when present
	MimeType string
	Caption  string
	Data     []byte
}

// mimeAllowlist is the set of attachment types the bridge will touch.
var mimeAllowlist = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"audio/ogg":       true,
	"audio/mpeg":      true,
	"audio/mp4":       true,
	"audio/wav":       true,
	"audio/webm":      true,
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"text/plain":       true,
	"text/csv":         true,
	"text/markdown":    true,
	"text/html":        true,
	"application/json": true,
	"application/xml":  true,
}

// parseableDocMimes are the document types the local extractor understands.
// Allowlisted types outside this set (and outside image/audio) go through the
// Letta folder-upload path instead.
var parseableDocMimes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"text/plain":    true,
	"text/csv":      true,
	"text/markdown": true,
}

// extMimeTypes maps known extensions for octet-stream normalization and
// filename fallbacks.
var extMimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".html": "text/html",
	".json": "application/json",
	".xml":  "application/xml",
}

// ResolveFileName picks the best available filename: the explicit
// info.filename, then a body that looks like a filename (allowlisted
// extension), then a generic name derived from the MIME type.
func ResolveFileName(in Input) string {
	if in.Filename != "" {
		return in.Filename
	}
	if ext := strings.ToLower(filepath.Ext(in.Body)); ext != "" {
		if _, known := extMimeTypes[ext]; known {
			return in.Body
		}
	}
	for ext, mime := range extMimeTypes {
		if mime == in.MimeType {
			return "upload" + ext
		}
	}
	return "upload.bin"
}

// NormalizeMimeType resolves application/octet-stream (and empty types) by
// the filename extension; other types pass through.
func NormalizeMimeType(mimeType, filename string) string {
	if mimeType != "" && mimeType != "application/octet-stream" {
		return mimeType
	}
	if byExt, ok := extMimeTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return byExt
	}
	return mimeType
}

// ValidationError reports why an attachment was refused; the dispatcher
// surfaces Reason to the room.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "media: " + e.Reason
}

// Validate enforces the size cap and MIME allowlist.  It returns the
// normalized MIME type on success.
func Validate(cfg config.Documents, in Input) (string, error) {
	if int64(len(in.Data)) > maxSizeBytes(cfg) {
		return "", &ValidationError{Reason: fmt.Sprintf(
			"file too large: %d bytes (limit %d MB)", len(in.Data), cfg.MaxSizeMB)}
	}
	mimeType := NormalizeMimeType(in.MimeType, ResolveFileName(in))
	if !mimeAllowlist[mimeType] {
		return "", &ValidationError{Reason: fmt.Sprintf("unsupported file type: %s", orUnknown(mimeType))}
	}
	return mimeType, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// isLowQualityText flags extraction output that is probably garbage: empty
// or near-empty results, mostly non-alphanumeric noise, or long output with
// almost no words.  Such documents are retried through OCR when available.
func isLowQualityText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 50 {
		return true
	}
	var alnumOrSpace int
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			alnumOrSpace++
		}
	}
	if float64(alnumOrSpace)/float64(len([]rune(trimmed))) < 0.5 {
		return true
	}
	if len(trimmed) > 100 && len(strings.Fields(trimmed)) < 5 {
		return true
	}
	return false
}

// Handler processes attachments end to end.
type Handler struct {
	docs      config.Documents
	letta     *letta.Client
	embedding letta.EmbeddingConfig

	transcriber *Transcriber
	extractor   *Extractor
	folders     *FolderIndexer
}

// NewHandler wires the media pipeline.  transcriber may be nil when no
// speech endpoint is configured; folders may be nil to disable indexing.
func NewHandler(docs config.Documents, lettaClient *letta.Client, embedding letta.EmbeddingConfig, transcriber *Transcriber, ocr OCR) *Handler {
	h := &Handler{
		docs:        docs,
		letta:       lettaClient,
		embedding:   embedding,
		transcriber: transcriber,
		extractor:   NewExtractor(docs, ocr),
	}
	if lettaClient != nil {
		h.folders = NewFolderIndexer(lettaClient, embedding)
	}
	return h
}

// Process validates the attachment and routes it by type.  Images become
// multimodal payloads, audio becomes a transcript, parseable documents get
// local text extraction, and anything else is indexed into the room's Letta
// folder so the agent can search it.
func (h *Handler) Process(ctx context.Context, in Input) (*Artifact, error) {
	mimeType, err := Validate(h.docs, in)
	if err != nil {
		return nil, err
	}
	filename := ResolveFileName(in)

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return h.processImage(in, mimeType, filename)

	case strings.HasPrefix(mimeType, "audio/") || in.MsgType == "m.audio":
		return h.processAudio(ctx, in, mimeType, filename)

	case parseableDocMimes[mimeType]:
		return h.processDocument(ctx, in, mimeType, filename)

	default:
		return h.processUpload(ctx, in, filename)
	}
}

// processImage builds the multimodal content parts: a text part framing the
// upload followed by the image as base64.
func (h *Handler) processImage(in Input, mimeType, filename string) (*Artifact, error) {
	header := fmt.Sprintf("[Image Upload: %s]", filename)
	var text string
	if caption := strings.TrimSpace(in.Caption); caption != "" {
		text = fmt.Sprintf("%s\n\nThe user shared an image and asked: %q\n\nPlease analyze the image and respond to the user's question.",
			header, caption)
	} else {
		text = fmt.Sprintf("%s\n\nThe user shared an image.\n\nPlease analyze the image and describe what you see.", header)
	}
	parts := []any{
		letta.TextPart{Type: "text", Text: text},
		letta.ImagePart{
			Type: "image",
			Source: letta.ImageSource{
				Type:      "base64",
				MediaType: mimeType,
				Data:      base64.StdEncoding.EncodeToString(in.Data),
			},
		},
	}
	return &Artifact{Kind: ArtifactMultimodal, FileName: filename, Parts: parts}, nil
}

// processAudio transcribes a voice message.
func (h *Handler) processAudio(ctx context.Context, in Input, mimeType, filename string) (*Artifact, error) {
	if h.transcriber == nil {
		return nil, &ValidationError{Reason: "voice messages are not supported: no transcription endpoint configured"}
	}
	text, err := h.transcriber.Transcribe(ctx, filename, mimeType, in.Data)
	if err != nil {
		return nil, fmt.Errorf("media: transcribe %s: %w", filename, err)
	}
	return &Artifact{
		Kind:     ArtifactTranscript,
		FileName: filename,
		Text:     "[Voice message]: " + text,
	}, nil
}

// processDocument extracts document text locally (with the extractor's OCR
// fallback for scanned PDFs).  When extraction fails, folder indexing keeps
// the file usable as a searchable upload.
func (h *Handler) processDocument(ctx context.Context, in Input, mimeType, filename string) (*Artifact, error) {
	if !h.docs.Enabled {
		return nil, &ValidationError{Reason: "document handling is disabled"}
	}

	text, err := h.extractor.Extract(ctx, mimeType, filename, in.Data)
	if err != nil {
		if h.folders != nil && in.AgentID != "" {
			slog.Warn("extraction failed, falling back to folder indexing", "file", filename, "err", err)
			return h.processUpload(ctx, in, filename)
		}
		return nil, fmt.Errorf("media: extract %s: %w", filename, err)
	}
	if limit := h.docs.MaxTextLength; limit > 0 && len(text) > limit {
		text = text[:limit] + fmt.Sprintf("\n\n[... truncated at %d characters]", limit)
	}
	return &Artifact{
		Kind:     ArtifactExtractedText,
		FileName: filename,
		Text:     fmt.Sprintf("The user uploaded %q. Its contents:\n\n%s", filename, text),
	}, nil
}

// processUpload pushes a file into the room's Letta folder and attaches the
// folder to the agent, making the content searchable rather than inlined.
func (h *Handler) processUpload(ctx context.Context, in Input, filename string) (*Artifact, error) {
	if !h.docs.Enabled {
		return nil, &ValidationError{Reason: "document handling is disabled"}
	}
	if h.folders == nil || in.AgentID == "" {
		return nil, &ValidationError{Reason: "file uploads are not supported in this room"}
	}
	folderID, err := h.folders.IndexFile(ctx, in.RoomID, in.AgentID, filename, in.Data)
	if err != nil {
		return nil, fmt.Errorf("media: index %s: %w", filename, err)
	}
	return &Artifact{
		Kind:     ArtifactIndexedFile,
		FileName: filename,
		FolderID: folderID,
		Text: fmt.Sprintf("The user uploaded %q. It has been indexed and is now searchable in your attached files.",
			filename),
	}, nil
}
