// ABOUTME: Tests for attachment persistence
// ABOUTME: Checks directory layout, naming fallbacks, and collision handling

package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigbot/internal/protocol"
)

func fromMap(files map[string][]byte) Downloader {
	return func(_ context.Context, ptr protocol.AttachmentPointer) ([]byte, error) {
		data, ok := files[ptr.ID]
		if !ok {
			return nil, errors.New("missing")
		}
		return data, nil
	}
}

func TestAttachmentPersister_Save(t *testing.T) {
	root := t.TempDir()
	p := NewAttachmentPersister(root, nil)
	env := &protocol.Envelope{
		Source:    "+15550000001",
		Timestamp: 42,
		Attachments: []protocol.AttachmentPointer{
			{ID: "a", ContentType: "text/plain", FileName: "notes.txt"},
			{ID: "b", ContentType: "text/plain", FileName: "notes.txt"},
		},
	}

	saved, err := p.Save(context.Background(), "bot-1", env, fromMap(map[string][]byte{
		"a": []byte("first"),
		"b": []byte("second"),
	}))
	require.NoError(t, err)
	assert.Equal(t, []Attachment{
		{FileName: "notes.txt", MimeType: "text/plain"},
		{FileName: "notes-1.txt", MimeType: "text/plain"},
	}, saved)

	dir := filepath.Join(root, "bot-1", "+15550000001", "42")
	assert.Equal(t, dir, p.Dir("bot-1", "+15550000001", 42))

	data, err := os.ReadFile(filepath.Join(dir, "notes-1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestAttachmentPersister_NoAttachments(t *testing.T) {
	root := t.TempDir()
	p := NewAttachmentPersister(root, nil)

	saved, err := p.Save(context.Background(), "bot-1", &protocol.Envelope{Source: "x", Timestamp: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []Attachment{}, saved)

	_, err = os.Stat(filepath.Join(root, "bot-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestAttachmentPersister_DownloadError(t *testing.T) {
	p := NewAttachmentPersister(t.TempDir(), nil)
	env := &protocol.Envelope{
		Source: "x", Timestamp: 1,
		Attachments: []protocol.AttachmentPointer{{ID: "gone"}},
	}
	_, err := p.Save(context.Background(), "bot-1", env, fromMap(nil))
	assert.Error(t, err)
}

func TestAttachmentName(t *testing.T) {
	data := []byte("content")

	assert.Equal(t, "photo.jpg", attachmentName(protocol.AttachmentPointer{FileName: "photo.jpg"}, data))
	assert.Equal(t, "passwd", attachmentName(protocol.AttachmentPointer{FileName: "../../etc/passwd"}, data))

	digest := attachmentName(protocol.AttachmentPointer{ContentType: "application/x-unknown-thing"}, data)
	assert.Len(t, digest, 32)
	assert.Equal(t, digest, attachmentName(protocol.AttachmentPointer{}, data), "digest names are stable")

	withExt := attachmentName(protocol.AttachmentPointer{ContentType: "image/png"}, data)
	assert.Equal(t, digest, withExt[:32])
	assert.NotEqual(t, digest, withExt)
}

func TestSafeSegment(t *testing.T) {
	assert.Equal(t, "_", safeSegment(""))
	assert.Equal(t, "_", safeSegment(".."))
	assert.Equal(t, "a_b", safeSegment("a/b"))
	assert.Equal(t, "+1555", safeSegment("+1555"))
}
