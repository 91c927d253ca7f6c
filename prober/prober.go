// Package prober implements the URL metadata prober the data model names
// as an external collaborator: URL validation, a HEAD-based metadata
// fetch, filename sanitation, and extension derivation. It generalizes the
// teacher's utils.URLValidator away from its Terabox/Baidu domain
// allow-list into a plain syntactic check against any HTTP(S) URL.
package prober

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"prometeo/transport"
)

// Metadata is the result of a successful Probe.
type Metadata struct {
	FileType    string // dotted extension, e.g. ".zip"
	Size        int64
	AcceptRange bool
	FileName    string
	ContentType string
}

// Prober issues HEAD requests through a transport.Client.
type Prober struct {
	client *transport.Client
}

// New wraps client in a Prober.
func New(client *transport.Client) *Prober {
	return &Prober{client: client}
}

// Validate reports whether rawURL is a syntactically valid absolute HTTP(S)
// URL.
func Validate(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !u.IsAbs() {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Probe issues a HEAD request against rawURL and extracts size, content
// type, range support, and the suggested file name.
func (p *Prober) Probe(ctx context.Context, rawURL string) (Metadata, error) {
	if !Validate(rawURL) {
		return Metadata{}, fmt.Errorf("prober: invalid URL: %s", rawURL)
	}

	resp, err := p.client.Head(ctx, rawURL)
	if err != nil {
		return Metadata{}, fmt.Errorf("prober: HEAD request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Metadata{}, fmt.Errorf("prober: HEAD returned status %d", resp.StatusCode)
	}

	contentType := parseContentType(resp.Header.Get("Content-Type"))
	size := parseContentLength(resp.Header.Get("Content-Length"))
	acceptRange := parseAcceptRanges(resp.Header.Get("Accept-Ranges"))
	fileName := resolveFileName(resp.Header.Get("Content-Disposition"), rawURL)
	ext := deriveExtension(rawURL, contentType)

	sanitized, _ := SanitizeFileName(fileName, ext)

	return Metadata{
		FileType:    ext,
		Size:        size,
		AcceptRange: acceptRange,
		FileName:    sanitized,
		ContentType: contentType,
	}, nil
}

func parseContentType(header string) string {
	if header == "" {
		return ""
	}
	if idx := strings.Index(header, ";"); idx != -1 {
		header = header[:idx]
	}
	return strings.TrimSpace(header)
}

func parseContentLength(header string) int64 {
	if header == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseAcceptRanges returns true iff the header's value is exactly "bytes".
// A header that is absent altogether, or carries any other value such as
// "none", both resolve to false: the origin must explicitly advertise range
// support, never be assumed to have it.
func parseAcceptRanges(header string) bool {
	return strings.TrimSpace(strings.ToLower(header)) == "bytes"
}

var contentDispositionFilename = regexp.MustCompile(`filename="?([^";]+)"?`)

func resolveFileName(contentDisposition, rawURL string) string {
	if contentDisposition != "" {
		if m := contentDispositionFilename.FindStringSubmatch(contentDisposition); len(m) == 2 {
			return m[1]
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}

func deriveExtension(rawURL, contentType string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			return ext
		}
	}
	if contentType != "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			return exts[0]
		}
		if idx := strings.Index(contentType, "/"); idx != -1 {
			return "." + contentType[idx+1:]
		}
	}
	return ".unknow"
}

var validFileName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SanitizeFileName validates name against the spec's filename grammar. If
// it fails, a random 32-hex-character base (derived from a UUID with its
// separators stripped) is substituted, carrying the given extension.
func SanitizeFileName(name, ext string) (sanitized string, usedRandom bool) {
	if name != "" && validFileName.MatchString(name) {
		return name, false
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return random + ext, true
}
