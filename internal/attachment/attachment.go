// Package attachment normalizes the explicit context a user sends along with a
// message (code snippets, error output, documents) into plain text that
// providers can consume.
package attachment

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Kind classifies an attachment.
type Kind string

const (
	KindCode  Kind = "code"
	KindError Kind = "error"
	KindText  Kind = "text"
	KindHTML  Kind = "html"
	KindPDF   Kind = "pdf"
)

const (
	// MaxAttachments caps how many attachments one request may carry.
	MaxAttachments = 5
	// MaxTextBytes caps the normalized text of a single attachment.
	MaxTextBytes = 64 << 10
	maxPDFBytes  = 5 << 20
)

// Attachment is explicit context sent with a request. PDF content is base64.
type Attachment struct {
	Kind     Kind   `json:"kind"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// NormalizeAll normalizes every attachment, failing on the first malformed one.
func NormalizeAll(in []Attachment) ([]Attachment, error) {
	if len(in) > MaxAttachments {
		return nil, fmt.Errorf("too many attachments: %d (max %d)", len(in), MaxAttachments)
	}
	out := make([]Attachment, 0, len(in))
	for i, a := range in {
		n, err := Normalize(a)
		if err != nil {
			return nil, fmt.Errorf("attachment %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Normalize converts a to a text-bearing attachment. Code and error
// attachments keep their kind; HTML and PDF become KindText.
func Normalize(a Attachment) (Attachment, error) {
	if strings.TrimSpace(a.Content) == "" {
		return Attachment{}, fmt.Errorf("empty %s attachment", a.Kind)
	}
	switch a.Kind {
	case KindCode, KindError, KindText:
	case "":
		a.Kind = KindText
	case KindHTML:
		text, err := htmlText(a.Content)
		if err != nil {
			return Attachment{}, fmt.Errorf("parsing html: %w", err)
		}
		a.Kind, a.Content = KindText, text
	case KindPDF:
		text, err := pdfText(a.Content)
		if err != nil {
			return Attachment{}, fmt.Errorf("reading pdf: %w", err)
		}
		a.Kind, a.Content = KindText, text
	default:
		return Attachment{}, fmt.Errorf("unsupported attachment kind %q", a.Kind)
	}
	a.Content = truncate(a.Content, MaxTextBytes)
	return a, nil
}

func htmlText(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String(), nil
}

func pdfText(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 content: %w", err)
	}
	if len(data) > maxPDFBytes {
		return "", fmt.Errorf("pdf too large: %d bytes", len(data))
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	text, err := io.ReadAll(io.LimitReader(plain, MaxTextBytes+1))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(text)), nil
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
