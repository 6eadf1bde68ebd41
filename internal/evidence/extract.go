// Package evidence stores uploaded case files and extracts text excerpts
// the intake stage can read.
package evidence

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// DefaultExcerptChars bounds the excerpt stored per file.
const DefaultExcerptChars = 2000

// DetectContentType guesses a MIME type from the extension, then from the
// first bytes of the file.
func DetectContentType(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return http.DetectContentType(head[:n])
}

// ExtractText returns at most maxChars of whitespace-normalized text from a
// PDF, HTML or plain-text file. Other content types yield an empty string.
func ExtractText(path, contentType string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultExcerptChars
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var text string
	var err error
	switch {
	case mediaType == "application/pdf":
		text, err = pdfText(path)
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		text, err = htmlText(path)
	case strings.HasPrefix(mediaType, "text/"):
		text, err = plainText(path, maxChars*4)
	default:
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return truncate(normalize(text), maxChars), nil
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rd); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

func htmlText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HTMLText(f)
}

// HTMLText returns the visible text of an HTML document. Script and style
// contents are dropped.
func HTMLText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parsing html: %w", err)
			}
			return sb.String(), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			if isHidden(string(name)) {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isHidden(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func isHidden(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript"
}

func plainText(path string, limit int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}
