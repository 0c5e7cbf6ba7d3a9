package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"chatsync/pkg/logger"
	"chatsync/pkg/utils"

	"github.com/gorilla/mux"
)

// maxUploadSize caps multipart attachment bodies. Configurable via
// SetMaxUploadSize during startup.
var maxUploadSize int64 = 64 << 20

// SetMaxUploadSize overrides the attachment upload cap.
func SetMaxUploadSize(n int64) {
	if n > 0 {
		maxUploadSize = n
	}
}

// uploadAttachment handles POST /v1/conversations/{id}/attachments.
// Multipart field "file" carries the payload; the response is the
// attachment descriptor to embed in a subsequent send.
func uploadAttachment(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	if _, status, msg := identityFromRequest(r, ""); status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	att, err := deps.Uploader.Upload(r.Context(), convID, header.Filename, file, header.Size, nil)
	if err != nil {
		logger.Error("attachment_upload_failed", "conversation", convID, "file", header.Filename, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	logger.Info("attachment_uploaded", "conversation", convID, "path", att.Path, "size", att.Size)
	utils.JSONWrite(w, http.StatusCreated, att)
}

// serveBlob handles GET /v1/blobs/{path}. Paths are validated by the
// blob store; traversal attempts return 404.
func serveBlob(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/v1/blobs/")
	if p == "" {
		utils.JSONError(w, http.StatusBadRequest, "blob path missing")
		return
	}
	rc, size, err := deps.Blobs.Open(p)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, "not found")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Debug("blob_stream_aborted", "path", p, "error", err)
	}
}
