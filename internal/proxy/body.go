package proxy

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/raaihank/egress-sentinel/internal/dlp"
)

// BodyClass says whether a request body may be inspected
type BodyClass int

const (
	// BodyNone means there is no body
	BodyNone BodyClass = iota
	// BodyScrubbable is a text-like content type
	BodyScrubbable
	// BodyBinary is any other declared content type, or an encoded body
	BodyBinary
	// BodyUnknown means a body without a content type
	BodyUnknown
)

func (c BodyClass) String() string {
	switch c {
	case BodyNone:
		return "none"
	case BodyScrubbable:
		return "scrubbable"
	case BodyBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// scrubbablePrefixes lists the media types whose bodies are scanned, in
// match order.
var scrubbablePrefixes = []string{
	"text/",
	"application/json",
	"application/x-www-form-urlencoded",
	"application/xml",
	"application/javascript",
}

// ClassifyContentType maps a Content-Type header value to a BodyClass
func ClassifyContentType(contentType string) BodyClass {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return BodyUnknown
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	for _, prefix := range scrubbablePrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return BodyScrubbable
		}
	}
	return BodyBinary
}

func classifyBody(r *http.Request) BodyClass {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return BodyNone
	}
	// Compressed text is opaque to the detectors.
	if enc := r.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return BodyBinary
	}
	return ClassifyContentType(r.Header.Get("Content-Type"))
}

// bodyOutcome records what happened to a scrubbable body
type bodyOutcome string

const (
	bodyScanned     bodyOutcome = "scanned"
	bodyOversized   bodyOutcome = "oversized"
	bodyUndecodable bodyOutcome = "undecodable"
)

// scrubBody buffers up to limit bytes of the body and scrubs it. Bodies over
// the limit and bodies that are not valid UTF-8 are forwarded byte for byte.
func scrubBody(r *http.Request, scrubber *dlp.Scrubber, limit int64) ([]dlp.Finding, bodyOutcome, error) {
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		r.Body.Close()
		return nil, "", fmt.Errorf("failed to read request body: %w", err)
	}

	if int64(len(buf)) > limit {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
		return nil, bodyOversized, nil
	}
	r.Body.Close()

	if !utf8.Valid(buf) {
		r.Body = io.NopCloser(bytes.NewReader(buf))
		return nil, bodyUndecodable, nil
	}

	result := scrubber.ScrubLarge(string(buf))
	if !result.WasScrubbed() {
		r.Body = io.NopCloser(bytes.NewReader(buf))
		return nil, bodyScanned, nil
	}

	r.Body = io.NopCloser(strings.NewReader(result.Text))
	r.ContentLength = int64(len(result.Text))
	r.TransferEncoding = nil
	r.Header.Del("Content-Length")
	return result.Findings, bodyScanned, nil
}
