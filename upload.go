package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// MaxFilesPerUpload is the backend's per-request attachment limit.
	MaxFilesPerUpload = 10
	// MaxUploadFileSize mirrors the backend's per-file ceiling.
	MaxUploadFileSize = 50 * 1024 * 1024
)

// UploadFile is one file to attach to a message.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// ReadUploadFile loads a file from disk, detecting its content type.
func ReadUploadFile(path string) (UploadFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadFile{}, fmt.Errorf("failed to read file: %w", err)
	}
	name := filepath.Base(path)
	return UploadFile{Name: name, ContentType: guessContentType(name, data), Data: data}, nil
}

// ProgressFunc receives the upload progress of a whole batch, 0..100.
type ProgressFunc func(percent int)

// Upload sends files as attachments of messageID in one multipart request.
func (ac *AttachmentsClient) Upload(ctx context.Context, messageID int64, files []UploadFile, onProgress ProgressFunc) ([]Attachment, error) {
	if err := validateUpload(files); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		contentType := f.ContentType
		if contentType == "" {
			contentType = guessContentType(f.Name, f.Data)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(f.Name)))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	body := newProgressReader(buf.Bytes(), onProgress)
	res, err := ac.client.send(ctx, http.MethodPost, "/messages/"+strconv.FormatInt(messageID, 10)+"/attachments", body, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}

	var attachments []Attachment
	if err := res.decode(&attachments); err != nil {
		return nil, err
	}
	if attachments == nil {
		attachments = []Attachment{}
	}
	body.finish()
	return attachments, nil
}

func validateUpload(files []UploadFile) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	if len(files) > MaxFilesPerUpload {
		return ErrTooManyFiles
	}
	for _, f := range files {
		if f.Name == "" {
			return fmt.Errorf("file name is required")
		}
		if len(f.Data) > MaxUploadFileSize {
			return fmt.Errorf("%s exceeds maximum size of 50 MB", f.Name)
		}
	}
	return nil
}

// ============================================================================
// Progress reporting
// ============================================================================

// progressReader reports how much of the request body the transport has
// consumed. Reports are monotonic and only fire when the percentage changes.
// Read runs on the transport's goroutine, so reports are serialized.
type progressReader struct {
	r        *bytes.Reader
	total    int64
	read     int64
	onChange ProgressFunc

	mu   sync.Mutex
	last int
}

func newProgressReader(data []byte, onChange ProgressFunc) *progressReader {
	return &progressReader{r: bytes.NewReader(data), total: int64(len(data)), onChange: onChange, last: -1}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		pct := 100
		if p.total > 0 {
			pct = int(p.read * 100 / p.total)
		}
		// 100 is reported once the server has answered.
		if pct >= 100 {
			pct = 99
		}
		p.report(pct)
	}
	return n, err
}

func (p *progressReader) finish() { p.report(100) }

func (p *progressReader) report(pct int) {
	if p.onChange == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.onChange(pct)
}

// ============================================================================
// Content types
// ============================================================================

// guessContentType returns a MIME type from the file extension, falling back
// to sniffing the content.
func guessContentType(fileName string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	// Types missing from Go's builtin registry on minimal systems.
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return stripParams(t)
		}
	}
	if len(data) > 0 {
		return stripParams(mimetype.Detect(data).String())
	}
	return "application/octet-stream"
}

func stripParams(t string) string {
	if idx := strings.Index(t, ";"); idx > 0 {
		return strings.TrimSpace(t[:idx])
	}
	return t
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
