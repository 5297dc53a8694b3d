package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/ota"
)

// MaxChunkSize bounds the body of one image upload request.
const MaxChunkSize = 1 << 20

// Updater is the firmware updater served by OTAHandler. *ota.Updater
// implements it.
type Updater interface {
	Status(ctx context.Context) (ota.Status, error)
	Begin(ctx context.Context, m ota.Manifest) (*ota.Session, error)
	Session() *ota.Session
	Activate(ctx context.Context) error
	SetImageState(ctx context.Context, state ota.ImageState) error
}

// OTAHandler handles the firmware update endpoints.
//
// An update is a session: POST a manifest, PUT the image in chunks at byte
// offsets, then finalize. Activate swaps banks; the device reboots into
// the new image under test.
type OTAHandler struct {
	updater Updater
}

// NewOTAHandler creates a new update handler.
func NewOTAHandler(updater Updater) *OTAHandler {
	return &OTAHandler{updater: updater}
}

// SessionResponse describes an opened session.
type SessionResponse struct {
	ID      string     `json:"id"`
	Bank    flash.Bank `json:"bank"`
	Version string     `json:"version"`
	Size    uint32     `json:"size"`
}

// StateRequest is the body of PUT /api/v1/ota/state.
type StateRequest struct {
	State string `json:"state"`
}

// Status handles GET /api/v1/ota.
func (h *OTAHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.updater.Status(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, st)
}

// Begin handles POST /api/v1/ota/session.
func (h *OTAHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var m ota.Manifest
	if !decodeJSONBody(w, r, &m) {
		return
	}

	s, err := h.updater.Begin(r.Context(), m)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONCreated(w, SessionResponse{
		ID:      s.ID().String(),
		Bank:    s.Bank(),
		Version: m.Version,
		Size:    m.Size,
	})
}

// Upload handles PUT /api/v1/ota/session/data?offset=N with the raw chunk
// as body.
func (h *OTAHandler) Upload(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}

	off, err := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 32)
	if err != nil {
		BadRequest(w, "offset must be a byte offset")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxChunkSize))
	if err != nil {
		PayloadTooLarge(w, "chunk exceeds "+strconv.Itoa(MaxChunkSize)+" bytes")
		return
	}

	if err := s.Write(r.Context(), uint32(off), data); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Finalize handles POST /api/v1/ota/session/finalize.
func (h *OTAHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Finalize(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	h.Status(w, r)
}

// Abort handles DELETE /api/v1/ota/session.
func (h *OTAHandler) Abort(w http.ResponseWriter, r *http.Request) {
	s, r, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Abort(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /api/v1/ota/activate.
func (h *OTAHandler) Activate(w http.ResponseWriter, r *http.Request) {
	if err := h.updater.Activate(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "rebooting"})
}

// SetState handles PUT /api/v1/ota/state.
func (h *OTAHandler) SetState(w http.ResponseWriter, r *http.Request) {
	var req StateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	state, err := ota.ParseImageState(req.State)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if err := h.updater.SetImageState(r.Context(), state); err != nil {
		WriteError(w, r, err)
		return
	}
	h.Status(w, r)
}

// session returns the open session and r with the session id added to its
// log context.
func (h *OTAHandler) session(w http.ResponseWriter, r *http.Request) (*ota.Session, *http.Request, bool) {
	s := h.updater.Session()
	if s == nil {
		NotFound(w, "no update session active")
		return nil, r, false
	}

	lc := logger.FromContext(r.Context())
	if lc == nil {
		lc = logger.NewLogContext("update")
	}
	ctx := logger.WithContext(r.Context(), lc.WithSession(s.ID().String()))
	return s, r.WithContext(ctx), true
}
