package handlers

import (
	"context"
	"net/http"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/flashfs"
)

// FileSystem is the volume served by FSHandler. *flashfs.FS implements it.
type FileSystem interface {
	List(ctx context.Context) ([]flashfs.FileInfo, error)
	Usage(ctx context.Context) (flashfs.Usage, error)
}

// FSHandler handles the filesystem endpoint.
type FSHandler struct {
	fs FileSystem
}

// NewFSHandler creates a new filesystem handler.
func NewFSHandler(fs FileSystem) *FSHandler {
	return &FSHandler{fs: fs}
}

// FSResponse is the body of GET /api/v1/fs.
type FSResponse struct {
	Usage flashfs.Usage      `json:"usage"`
	Files []flashfs.FileInfo `json:"files"`
}

// List handles GET /api/v1/fs.
func (h *FSHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	usage, err := h.fs.Usage(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, "filesystem usage failed", logger.Err(err))
		InternalServerError(w, "Failed to read filesystem usage")
		return
	}
	files, err := h.fs.List(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, "filesystem list failed", logger.Err(err))
		InternalServerError(w, "Failed to list files")
		return
	}
	if files == nil {
		files = []flashfs.FileInfo{}
	}

	WriteJSONOK(w, FSResponse{Usage: usage, Files: files})
}
