package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
)

// extractAttempts bounds retries for extractions that hit their deadline.
const extractAttempts = 3

// OCR renders a scanned PDF to text.  The bridge ships without a built-in
// renderer; deployments plug one in (typically an external service).
type OCR interface {
	ExtractText(ctx context.Context, pdfData []byte, dpi int) (string, error)
}

// Extractor converts documents to plain text behind a bounded worker pool,
// keeping CPU-heavy parsing from starving the sync loop.
type Extractor struct {
	cfg config.Documents
	ocr OCR
	sem chan struct{}
}

// NewExtractor creates an extractor with cfg.Workers parser slots.
func NewExtractor(cfg config.Documents, ocr OCR) *Extractor {
	workers := cfg.Workers
	if workers < 2 {
		workers = 2
	}
	return &Extractor{
		cfg: cfg,
		ocr: ocr,
		sem: make(chan struct{}, workers),
	}
}

// Extract converts a document to text.  Each attempt runs under the
// configured timeout; deadline overruns are retried.  Low-quality PDF output
// falls back to OCR when a renderer is configured.
func (e *Extractor) Extract(ctx context.Context, mimeType, filename string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	for attempt := 1; attempt <= extractAttempts; attempt++ {
		text, err = e.extractOnce(ctx, mimeType, data)
		if err == nil || ctx.Err() != nil {
			break
		}
		if !strings.Contains(err.Error(), "deadline") {
			break
		}
		slog.Warn("extraction timed out, retrying", "file", filename, "attempt", attempt)
	}
	if err != nil {
		return "", err
	}

	if mimeType == "application/pdf" && isLowQualityText(text) {
		if e.cfg.OCREnabled && e.ocr != nil {
			slog.Info("pdf text looks scanned, running ocr", "file", filename)
			ocrText, ocrErr := e.ocr.ExtractText(ctx, data, e.cfg.OCRDPI)
			if ocrErr != nil {
				slog.Warn("ocr failed, keeping parser output", "file", filename, "err", ocrErr)
			} else if !isLowQualityText(ocrText) {
				return ocrText, nil
			}
		}
	}
	return text, nil
}

// extractOnce runs one bounded extraction attempt.
func (e *Extractor) extractOnce(ctx context.Context, mimeType string, data []byte) (string, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := extractByType(mimeType, data)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("extraction deadline exceeded: %w", ctx.Err())
	}
}

func extractByType(mimeType string, data []byte) (string, error) {
	switch mimeType {
	case "application/pdf":
		return extractPDF(data)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return extractDOCX(data)
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return extractXLSX(data)
	case "text/plain", "text/csv", "text/markdown":
		return string(data), nil
	}
	return "", fmt.Errorf("no extractor for %s", mimeType)
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	content, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, content); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return sb.String(), nil
}

var xmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func extractDOCX(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer doc.Close()
	content := doc.Editable().GetContent()
	// Paragraph closings become newlines before the tags are stripped.
	content = strings.ReplaceAll(content, "</w:p>", "\n")
	content = xmlTagPattern.ReplaceAllString(content, "")
	return strings.TrimSpace(content), nil
}

func extractXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		sb.WriteString("Sheet: " + sheet + "\n")
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}
