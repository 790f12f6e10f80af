// ABOUTME: Saves inbound attachments under <root>/<botId>/<source>/<timestamp>/
// ABOUTME: Files are written to a temp name, synced, then renamed into place

package bot

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/2389/sigbot/internal/protocol"
)

// Attachment references a saved file. Raw bytes never leave the persister.
type Attachment struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
}

// Downloader fetches attachment content.
type Downloader func(ctx context.Context, ptr protocol.AttachmentPointer) ([]byte, error)

// AttachmentPersister writes attachments to the filesystem.
type AttachmentPersister struct {
	root   string
	logger *slog.Logger
}

// NewAttachmentPersister creates a persister rooted at root.
func NewAttachmentPersister(root string, logger *slog.Logger) *AttachmentPersister {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentPersister{root: root, logger: logger.With("component", "attachments")}
}

// Root returns the directory attachments are written under.
func (p *AttachmentPersister) Root() string { return p.root }

// Dir returns the directory for one envelope's attachments.
func (p *AttachmentPersister) Dir(botID, source string, timestamp int64) string {
	return filepath.Join(p.root, safeSegment(botID), safeSegment(source), strconv.FormatInt(timestamp, 10))
}

// Save downloads and writes every attachment of env. It returns only after
// all files are durably on disk, or the first error.
func (p *AttachmentPersister) Save(ctx context.Context, botID string, env *protocol.Envelope, download Downloader) ([]Attachment, error) {
	if len(env.Attachments) == 0 {
		return []Attachment{}, nil
	}

	dir := p.Dir(botID, env.Source, env.Timestamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment directory: %w", err)
	}

	used := make(map[string]bool, len(env.Attachments))
	saved := make([]Attachment, 0, len(env.Attachments))
	for _, ptr := range env.Attachments {
		data, err := download(ctx, ptr)
		if err != nil {
			return nil, fmt.Errorf("downloading attachment %s: %w", ptr.ID, err)
		}

		name := uniqueName(attachmentName(ptr, data), used)
		if err := writeFileSync(filepath.Join(dir, name), data); err != nil {
			return nil, fmt.Errorf("saving attachment %s: %w", ptr.ID, err)
		}

		p.logger.Debug("attachment saved",
			"bot_id", botID,
			"source", env.Source,
			"file", name,
			"bytes", len(data),
		)
		saved = append(saved, Attachment{FileName: name, MimeType: ptr.ContentType})
	}

	if err := syncDir(dir); err != nil {
		return nil, err
	}
	return saved, nil
}

// attachmentName uses the sender's file name when it is usable, otherwise a
// content digest with an extension guessed from the MIME type.
func attachmentName(ptr protocol.AttachmentPointer, data []byte) string {
	if name := safeSegment(filepath.Base(ptr.FileName)); ptr.FileName != "" && name != "_" {
		return name
	}

	sum := blake3.Sum256(data)
	name := hex.EncodeToString(sum[:16])
	if exts, err := mime.ExtensionsByType(ptr.ContentType); err == nil && len(exts) > 0 {
		name += exts[0]
	}
	return name
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	used[candidate] = true
	return candidate
}

// safeSegment makes s usable as a single path element.
func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func writeFileSync(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".incoming-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening attachment directory: %w", err)
	}
	defer d.Close()
	// Some filesystems do not support syncing directories.
	_ = d.Sync()
	return nil
}
