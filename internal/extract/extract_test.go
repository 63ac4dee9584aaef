package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

type fakeOCR struct {
	text  string
	err   error
	calls int
	mime  string
}

func (f *fakeOCR) OCR(_ context.Context, _ []byte, mimeType string) (string, error) {
	f.calls++
	f.mime = mimeType
	return f.text, f.err
}

type fakeSTT struct {
	text     string
	err      error
	filename string
}

func (f *fakeSTT) Transcribe(_ context.Context, _ []byte, filename string) (string, error) {
	f.filename = filename
	return f.text, f.err
}

func failureKind(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apperr.KindExtraction, ae.Kind)
	return ae.Details["failure"]
}

func TestExtractPlainText(t *testing.T) {
	e := New(nil, nil, 0, nil)

	in := "Tuition at public universities in Germany is free.\n申请截止日期是一月。"
	res, err := e.Extract(context.Background(), []byte(in), "guide.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, in, res.Text)
	assert.Equal(t, "text", res.Method)
}

func TestExtractJSON(t *testing.T) {
	e := New(nil, nil, 0, nil)

	res, err := e.Extract(context.Background(), []byte(`{"school":"TUM"}`), "data.json", "application/json")
	require.NoError(t, err)
	assert.Equal(t, "text", res.Method)
}

func TestExtractLatin1Fallback(t *testing.T) {
	e := New(nil, nil, 0, nil)

	// "résumé" in ISO 8859-1, invalid as UTF-8.
	data := []byte{'r', 0xe9, 's', 'u', 'm', 0xe9}
	res, err := e.Extract(context.Background(), data, "cv.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "résumé", res.Text)
	assert.Equal(t, "text_latin1", res.Method)
}

func TestExtractUnsupportedType(t *testing.T) {
	e := New(nil, nil, 0, nil)

	_, err := e.Extract(context.Background(), []byte("PK\x03\x04"), "archive.zip", "application/zip")
	assert.Equal(t, "unsupported", failureKind(t, err))
}

func TestExtractOversized(t *testing.T) {
	e := New(nil, nil, 16, nil)

	_, err := e.Extract(context.Background(), make([]byte, 64), "big.txt", "text/plain")
	assert.Equal(t, "oversized", failureKind(t, err))
}

func TestExtractEmpty(t *testing.T) {
	e := New(nil, nil, 0, nil)

	_, err := e.Extract(context.Background(), nil, "nothing.txt", "text/plain")
	assert.Equal(t, "empty", failureKind(t, err))

	_, err = e.Extract(context.Background(), []byte("   \n\t "), "blank.txt", "text/plain")
	assert.Equal(t, "empty", failureKind(t, err))
}

func TestExtractImageOCR(t *testing.T) {
	ocr := &fakeOCR{text: "Scholarship award letter"}
	e := New(ocr, nil, 0, nil)

	res, err := e.Extract(context.Background(), []byte{0xff, 0xd8}, "letter.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "Scholarship award letter", res.Text)
	assert.Equal(t, "ocr", res.Method)
	assert.Equal(t, "image/jpeg", ocr.mime)
}

func TestExtractImageWithoutOCRBackend(t *testing.T) {
	e := New(nil, nil, 0, nil)

	_, err := e.Extract(context.Background(), []byte{0xff, 0xd8}, "letter.jpg", "image/jpeg")
	assert.Equal(t, "unsupported", failureKind(t, err))
}

func TestExtractImageUpstreamFailure(t *testing.T) {
	ocr := &fakeOCR{err: apperr.Provider("vision model down", true, nil)}
	e := New(ocr, nil, 0, nil)

	_, err := e.Extract(context.Background(), []byte{0xff, 0xd8}, "letter.jpg", "image/jpeg")
	assert.Equal(t, "upstream", failureKind(t, err))
}

func TestExtractAudioSTT(t *testing.T) {
	stt := &fakeSTT{text: "我想了解新加坡的大学"}
	e := New(nil, stt, 0, nil)

	res, err := e.Extract(context.Background(), []byte("RIFFfake"), "/tmp/q.wav", "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "我想了解新加坡的大学", res.Text)
	assert.Equal(t, "stt", res.Method)
	assert.Equal(t, "q.wav", stt.filename)
}

func TestCorruptPDFFallsBackToOCR(t *testing.T) {
	ocr := &fakeOCR{text: "Offer of Admission — Fall 2026"}
	e := New(ocr, nil, 0, nil)

	res, err := e.Extract(context.Background(), []byte("%PDF-1.4 garbage"), "offer.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf_ocr", res.Method)
	assert.Equal(t, 1, ocr.calls)
	assert.Equal(t, "application/pdf", ocr.mime)
	assert.Contains(t, res.Text, "Offer of Admission")
}

func TestCorruptPDFWithoutOCR(t *testing.T) {
	e := New(nil, nil, 0, nil)

	_, err := e.Extract(context.Background(), []byte("%PDF-1.4 garbage"), "offer.pdf", "application/pdf")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindExtraction, ae.Kind)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		filename string
		mime     string
		want     string
	}{
		{"a.txt", "text/plain", "text"},
		{"a.md", "", "text"},
		{"a.pdf", "", "pdf"},
		{"a.bin", "application/pdf", "pdf"},
		{"a.png", "", "image"},
		{"photo", "image/webp", "image"},
		{"a.mp3", "", "audio"},
		{"talk", "audio/ogg", "audio"},
		{"notes", "text/markdown; charset=utf-8", "text"},
		{"a.exe", "application/octet-stream", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.filename, tc.mime), "%s %s", tc.filename, tc.mime)
	}
}

func TestExtractTrimsWhitespace(t *testing.T) {
	e := New(nil, nil, 0, nil)

	res, err := e.Extract(context.Background(), []byte("\n\n  body  \n\n"), "f.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "body", res.Text)
	assert.False(t, strings.HasSuffix(res.Text, "\n"))
}