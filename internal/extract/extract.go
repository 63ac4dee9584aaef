// Package extract turns uploaded bytes into plain text ready for
// chunking. Plain text and JSON decode directly, PDFs go through a text
// extractor with an OCR fallback for scanned documents, images go to the
// vision model and audio to the speech model. Every failure carries one
// of four failure kinds: unsupported, oversized, upstream, empty.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"

	"github.com/edupilot/edupilot/internal/chunk"
	apperr "github.com/edupilot/edupilot/internal/errors"
)

// DefaultMaxBytes bounds a single input document.
const DefaultMaxBytes = 32 << 20

// minPDFTextRunes is the threshold below which a PDF is treated as
// scanned and handed to OCR.
const minPDFTextRunes = 32

// Result is the extracted text plus page layout when the source has pages.
type Result struct {
	Text   string
	Pages  []chunk.PageSpan
	Method string
}

// OCRClient reads text out of an image or scanned document.
type OCRClient interface {
	OCR(ctx context.Context, image []byte, mimeType string) (string, error)
}

// STTClient transcribes audio.
type STTClient interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Extractor routes inputs by type to the right extraction path.
type Extractor struct {
	ocr      OCRClient
	stt      STTClient
	maxBytes int64
	logger   *slog.Logger
}

// New creates an extractor. ocr and stt may be nil, in which case image,
// audio and scanned-PDF inputs are unsupported.
func New(ocr OCRClient, stt STTClient, maxBytes int64, logger *slog.Logger) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{ocr: ocr, stt: stt, maxBytes: maxBytes, logger: logger}
}

// Extract converts one document to text. The type is decided by MIME
// type first, file extension second.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename, mimeType string) (Result, error) {
	if int64(len(data)) > e.maxBytes {
		return Result{}, apperr.Extraction("oversized",
			fmt.Sprintf("document of %d bytes exceeds limit of %d bytes", len(data), e.maxBytes), nil)
	}
	if len(data) == 0 {
		return Result{}, apperr.Extraction("empty", "document is empty", nil)
	}

	var result Result
	var err error
	switch kind := classify(filename, mimeType); kind {
	case "text":
		result, err = e.extractText(data)
	case "pdf":
		result, err = e.extractPDF(ctx, data)
	case "image":
		result, err = e.extractImage(ctx, data, mimeType)
	case "audio":
		result, err = e.extractAudio(ctx, data, filename)
	default:
		return Result{}, apperr.Extraction("unsupported",
			fmt.Sprintf("unsupported document type %q (%s)", mimeType, filename), nil)
	}
	if err != nil {
		return Result{}, err
	}

	result.Text = strings.TrimSpace(result.Text)
	if result.Text == "" {
		return Result{}, apperr.Extraction("empty", "no text could be extracted", nil)
	}

	e.logger.Debug("extracted",
		slog.String("method", result.Method),
		slog.Int("chars", utf8.RuneCountInString(result.Text)))
	return result, nil
}

// classify maps MIME type / extension to an extraction path.
func classify(filename, mimeType string) string {
	mt := strings.ToLower(mimeType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case mt == "application/pdf":
		return "pdf"
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/x-ndjson":
		return "text"
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".markdown", ".json", ".csv":
		return "text"
	case ".pdf":
		return "pdf"
	case ".png", ".jpg", ".jpeg", ".webp":
		return "image"
	case ".wav", ".mp3", ".m4a", ".ogg", ".flac":
		return "audio"
	}
	return ""
}

// extractText decodes UTF-8, falling back to Latin-1 for legacy exports.
func (e *Extractor) extractText(data []byte) (Result, error) {
	if utf8.Valid(data) {
		return Result{Text: string(data), Method: "text"}, nil
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return Result{}, apperr.Extraction("unsupported", "text is neither UTF-8 nor Latin-1", err)
	}
	return Result{Text: string(decoded), Method: "text_latin1"}, nil
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) (Result, error) {
	result, err := readPDFText(data)
	if err == nil && utf8.RuneCountInString(strings.TrimSpace(result.Text)) >= minPDFTextRunes {
		return result, nil
	}

	// Parse failure or near-empty text means a scanned or image-only
	// PDF; let the vision model read it when one is wired.
	if e.ocr == nil {
		if err != nil {
			return Result{}, apperr.Extraction("unsupported", "PDF could not be parsed", err)
		}
		return Result{}, apperr.Extraction("empty", "PDF contains no extractable text", nil)
	}

	text, ocrErr := e.ocr.OCR(ctx, data, "application/pdf")
	if ocrErr != nil {
		return Result{}, apperr.Extraction("upstream", "OCR fallback failed", ocrErr)
	}
	return Result{Text: text, Method: "pdf_ocr"}, nil
}

// readPDFText extracts text page by page, recording rune spans so chunk
// metadata can carry page numbers.
func readPDFText(data []byte) (result Result, err error) {
	defer func() {
		// The parser panics on some malformed files.
		if r := recover(); r != nil {
			result = Result{}
			err = fmt.Errorf("pdf parse panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	var pages []chunk.PageSpan
	offset := 0

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		start := offset
		runes := utf8.RuneCountInString(text)
		sb.WriteString(text)
		offset += runes
		pages = append(pages, chunk.PageSpan{StartIdx: start, EndIdx: offset, Page: i})

		sb.WriteString("\n\n")
		offset += 2
	}

	return Result{Text: sb.String(), Pages: pages, Method: "pdf"}, nil
}

func (e *Extractor) extractImage(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if e.ocr == nil {
		return Result{}, apperr.Extraction("unsupported", "no OCR backend configured", nil)
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	text, err := e.ocr.OCR(ctx, data, mimeType)
	if err != nil {
		return Result{}, apperr.Extraction("upstream", "OCR failed", err)
	}
	return Result{Text: text, Method: "ocr"}, nil
}

func (e *Extractor) extractAudio(ctx context.Context, data []byte, filename string) (Result, error) {
	if e.stt == nil {
		return Result{}, apperr.Extraction("unsupported", "no transcription backend configured", nil)
	}
	text, err := e.stt.Transcribe(ctx, data, filepath.Base(filename))
	if err != nil {
		return Result{}, apperr.Extraction("upstream", "transcription failed", err)
	}
	return Result{Text: text, Method: "stt"}, nil
}
