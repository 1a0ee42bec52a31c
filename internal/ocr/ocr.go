// Package ocr stores screenshots and extracts their text with tesseract.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/capture"
	"github.com/chadiek/support-desk/internal/infra/storage"
)

// Recognizer extracts text from an encoded image.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Tesseract runs the tesseract binary, reading the image from stdin.
type Tesseract struct {
	Binary string
	Lang   string
}

func (t Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	args := []string{"stdin", "stdout", "--psm", "3", "--oem", "3"}
	if t.Lang != "" {
		args = append(args, "-l", t.Lang)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Service uploads a screenshot and runs OCR on it. It satisfies
// capture.Ingestor.
type Service struct {
	store      storage.ObjectStore
	recognizer Recognizer
	prefix     string
	log        zerolog.Logger
}

func NewService(store storage.ObjectStore, recognizer Recognizer, prefix string, logger zerolog.Logger) *Service {
	if prefix == "" {
		prefix = "screenshots"
	}
	return &Service{store: store, recognizer: recognizer, prefix: strings.Trim(prefix, "/"), log: logger}
}

// Submit stores image and returns its URL with the recognized text. OCR
// failures leave Text empty; storage failures are errors.
func (s *Service) Submit(ctx context.Context, image []byte) (capture.Extraction, error) {
	if len(image) == 0 {
		return capture.Extraction{}, fmt.Errorf("ocr: empty image")
	}
	contentType := http.DetectContentType(image)
	key := fmt.Sprintf("%s/screenshot_%s%s", s.prefix, ulid.Make().String(), extension(contentType))

	url, err := s.store.Upload(ctx, key, contentType, image)
	if err != nil {
		return capture.Extraction{}, fmt.Errorf("store screenshot: %w", err)
	}
	ext := capture.Extraction{ImageURL: url}
	if s.recognizer == nil {
		return ext, nil
	}

	start := time.Now()
	text, err := s.recognizer.Recognize(ctx, image)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("ocr failed")
		return ext, nil
	}
	ext.Text = text
	s.log.Debug().Str("key", key).Int("chars", len(text)).Dur("took", time.Since(start)).Msg("ocr extracted text")
	return ext, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
