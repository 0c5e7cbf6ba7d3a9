package blob

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"

	"chatsync/pkg/models"

	"github.com/google/uuid"
)

// Uploader streams attachments into the blob store under the deterministic
// conversation path scheme and returns the durable reference a message
// carries.
type Uploader struct {
	store *Store
}

// NewUploader returns an uploader over the given store.
func NewUploader(s *Store) *Uploader {
	return &Uploader{store: s}
}

// AttachmentPath composes the stable path for an attachment file.
func AttachmentPath(convID, fileID string) string {
	return "conversations/" + convID + "/" + fileID
}

// Upload streams r into the blob store for a conversation and returns the
// attachment reference. The file id is generated, keeping the original
// extension so MIME classification survives. Cancelling ctx before the
// stream completes discards the pending file.
func (u *Uploader) Upload(ctx context.Context, convID, filename string, r io.Reader, size int64, progress Progress) (models.Attachment, error) {
	ext := strings.ToLower(path.Ext(filename))
	fileID := uuid.NewString() + ext
	p := AttachmentPath(convID, fileID)
	url, written, err := u.store.Put(ctx, p, r, size, progress)
	if err != nil {
		return models.Attachment{}, err
	}
	mt := mime.TypeByExtension(ext)
	if mt == "" {
		mt = "application/octet-stream"
	}
	return models.Attachment{
		URL:  url,
		Path: p,
		Name: filename,
		Size: written,
		Type: mt,
	}, nil
}
