// Package attachment decides which uploaded files can be inlined into a
// council query and renders the augmented query text.
package attachment

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	EncodingUTF8 = "utf-8"
	EncodingNone = "none"

	OmittedBinary = "binary"
	OmittedEmpty  = "empty"

	octetStream = "application/octet-stream"
)

// minCharsetConfidence is the chardet confidence below which non UTF-8 text
// is cleaned instead of transcoded.
const minCharsetConfidence = 60

// Attachment is one uploaded file after classification. Exactly one of
// Content and OmittedReason is set.
type Attachment struct {
	Name          string `json:"name"`
	MimeType      string `json:"content_type"`
	SizeBytes     int    `json:"size"`
	Encoding      string `json:"encoding"`
	Content       string `json:"content,omitempty"`
	OmittedReason string `json:"omitted_reason,omitempty"`
}

// Included reports whether the file's text goes into the query.
func (a Attachment) Included() bool { return a.OmittedReason == "" }

var textLikeTypes = map[string]struct{}{
	"application/json":       {},
	"application/xml":        {},
	"application/javascript": {},
	"application/x-yaml":     {},
}

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".py": {}, ".js": {}, ".jsx": {}, ".ts": {}, ".tsx": {},
	".html": {}, ".css": {}, ".json": {}, ".xml": {}, ".yaml": {}, ".yml": {},
	".csv": {}, ".log": {}, ".sh": {}, ".bat": {}, ".ps1": {}, ".sql": {}, ".r": {},
	".java": {}, ".cpp": {}, ".c": {}, ".h": {}, ".hpp": {}, ".go": {}, ".rs": {},
	".php": {}, ".rb": {}, ".swift": {}, ".kt": {}, ".scala": {}, ".clj": {},
	".lua": {}, ".pl": {}, ".pm": {}, ".m": {}, ".mm": {}, ".dart": {}, ".elm": {},
	".ex": {}, ".exs": {},
}

// Classify reports whether a file is eligible for text inclusion. The
// checks run in order: declared text/* type, known text-like application
// type, extension allow-list and, for untyped or octet-stream files only,
// strict UTF-8 validation of non-blank content.
func Classify(name, mimeType string, data []byte) bool {
	mt := mediaType(mimeType)
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	if _, ok := textLikeTypes[mt]; ok {
		return true
	}
	if _, ok := textExtensions[strings.ToLower(filepath.Ext(name))]; ok {
		return true
	}
	if mt == "" || mt == octetStream {
		return utf8.Valid(data) && strings.TrimSpace(string(data)) != ""
	}
	return false
}

// New classifies raw file bytes.
func New(name, mimeType string, data []byte) Attachment {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = octetStream
	}
	a := Attachment{Name: name, MimeType: mimeType, SizeBytes: len(data), Encoding: EncodingNone}
	if !Classify(name, mimeType, data) {
		a.OmittedReason = OmittedBinary
		return a
	}
	text := decodeText(data)
	if strings.TrimSpace(text) == "" {
		a.OmittedReason = OmittedEmpty
		return a
	}
	a.Encoding = EncodingUTF8
	a.Content = text
	return a
}

// FromUpload reads a multipart file part and classifies it. Uploads larger
// than maxBytes are rejected when maxBytes is positive.
func FromUpload(fh *multipart.FileHeader, maxBytes int64) (Attachment, error) {
	if maxBytes > 0 && fh.Size > maxBytes {
		return Attachment{}, fmt.Errorf("file %s is %d bytes, limit is %d", fh.Filename, fh.Size, maxBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return Attachment{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Attachment{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return New(fh.Filename, fh.Header.Get("Content-Type"), data), nil
}

// decodeText returns data as UTF-8. Text in another charset is transcoded
// when the detector is confident; anything left invalid is dropped.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if res, err := chardet.NewTextDetector().DetectBest(data); err == nil && res.Confidence >= minCharsetConfidence {
		if enc, err := htmlindex.Get(res.Charset); err == nil {
			if out, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
				return string(out)
			}
		}
	}
	return strings.ToValidUTF8(string(data), "")
}

func mediaType(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mt
}

// AugmentQuery appends file descriptions, inlined contents and notes about
// skipped files to the user's query. Without attachments the query is
// returned unchanged.
func AugmentQuery(query string, files []Attachment) string {
	if len(files) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\nAttached files:")
	for _, f := range files {
		fmt.Fprintf(&b, "\nFile: %s (%s, %d bytes)", f.Name, f.MimeType, f.SizeBytes)
	}

	included := 0
	for _, f := range files {
		switch f.OmittedReason {
		case "":
			fmt.Fprintf(&b, "\n\n--- Content of %s ---\n%s", f.Name, f.Content)
			included++
		case OmittedEmpty:
			fmt.Fprintf(&b, "\n\n--- Note: File %s appears to be empty ---", f.Name)
		default:
			fmt.Fprintf(&b, "\n\n--- Note: File %s (%s) appears to be binary or unsupported format. Content not included. ---", f.Name, f.MimeType)
		}
	}
	if included > 0 {
		fmt.Fprintf(&b, "\n\n[Note: %d file(s) content included above]", included)
	} else {
		b.WriteString("\n\n[Warning: File content could not be extracted. Please ensure files are text-based or provide file contents directly in your message.]")
	}
	return b.String()
}
