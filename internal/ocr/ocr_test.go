package ocr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	key, contentType string
	err              error
}

func (f *fakeStore) Upload(_ context.Context, key, contentType string, _ []byte) (string, error) {
	f.key, f.contentType = key, contentType
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.test/" + key, nil
}

type fakeRecognizer struct {
	text string
	err  error
}

func (f fakeRecognizer) Recognize(context.Context, []byte) (string, error) { return f.text, f.err }

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestSubmit_ReturnsURLAndText(t *testing.T) {
	st := &fakeStore{}
	s := NewService(st, fakeRecognizer{text: "Access denied"}, "", zerolog.Nop())
	ext, err := s.Submit(context.Background(), pngHeader)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ext.Text != "Access denied" {
		t.Fatalf("unexpected text %q", ext.Text)
	}
	if !strings.HasPrefix(st.key, "screenshots/screenshot_") || !strings.HasSuffix(st.key, ".png") {
		t.Fatalf("unexpected key %q", st.key)
	}
	if st.contentType != "image/png" || ext.ImageURL != "https://cdn.test/"+st.key {
		t.Fatalf("unexpected upload %q %q", st.contentType, ext.ImageURL)
	}
}

func TestSubmit_OCRFailureIsNotAnError(t *testing.T) {
	s := NewService(&fakeStore{}, fakeRecognizer{err: errors.New("no tesseract")}, "p", zerolog.Nop())
	ext, err := s.Submit(context.Background(), pngHeader)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ext.Text != "" || ext.ImageURL == "" {
		t.Fatalf("unexpected extraction %+v", ext)
	}
}

func TestSubmit_StorageFailureIsAnError(t *testing.T) {
	s := NewService(&fakeStore{err: errors.New("bucket missing")}, fakeRecognizer{}, "", zerolog.Nop())
	if _, err := s.Submit(context.Background(), pngHeader); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := s.Submit(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty image")
	}
}

func TestTesseract_MissingBinary(t *testing.T) {
	_, err := Tesseract{Binary: "/nonexistent/tesseract"}.Recognize(context.Background(), pngHeader)
	if err == nil {
		t.Fatalf("expected error")
	}
}
