// Package handlers provides HTTP handlers for the device agent.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/credstore"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flashfs"
	"github.com/marmos91/flashkv/pkg/fwup"
	"github.com/marmos91/flashkv/pkg/kvstore"
	"github.com/marmos91/flashkv/pkg/ota"
)

// ContentTypeProblemJSON is the Content-Type of RFC 7807 responses.
const ContentTypeProblemJSON = "application/problem+json"

// Problem is an RFC 7807 "problem details" body. Code is an extension
// member naming the device error, stable across releases, for clients
// that branch on the failure.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

// errorProblem binds a sentinel to the status and code it is reported with.
type errorProblem struct {
	err    error
	status int
	code   string
}

// errorProblems is matched in order with errors.Is; a commit failure that
// wraps a rejected credential reports the rejection.
var errorProblems = []errorProblem{
	{kvstore.ErrHardwareKey, http.StatusForbidden, "hardware_key"},
	{kvstore.ErrUnknownKey, http.StatusNotFound, "unknown_key"},
	{kvstore.ErrValueTooLarge, http.StatusRequestEntityTooLarge, "value_too_large"},
	{credstore.ErrProvisioningRejected, http.StatusUnprocessableEntity, "provisioning_rejected"},
	{flashfs.ErrNoSpace, http.StatusInsufficientStorage, "no_space"},

	{ota.ErrInvalidManifest, http.StatusBadRequest, "invalid_manifest"},
	{ota.ErrOutOfBounds, http.StatusBadRequest, "out_of_bounds"},
	{ota.ErrSessionActive, http.StatusConflict, "session_active"},
	{ota.ErrNotStaged, http.StatusConflict, "not_staged"},
	{ota.ErrIncomplete, http.StatusConflict, "incomplete"},
	{ota.ErrCommitFailed, http.StatusConflict, "not_pending_commit"},
	{ota.ErrSessionClosed, http.StatusNotFound, "session_closed"},
	{ota.ErrDigestMismatch, http.StatusUnprocessableEntity, "digest_mismatch"},
	{ota.ErrBadImageState, http.StatusUnprocessableEntity, "bad_image_state"},

	{flash.ErrPeripheralBusy, http.StatusServiceUnavailable, "flash_busy"},
	{fwup.ErrFlash, http.StatusServiceUnavailable, "flash_error"},
}

func newProblem(status int, detail string) *Problem {
	return &Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

func (p *Problem) write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteProblem writes an RFC 7807 response with the standard title for
// status.
func WriteProblem(w http.ResponseWriter, status int, detail string) {
	newProblem(status, detail).write(w)
}

// WriteError reports err as a problem. Known device errors get their own
// status and code; anything else is logged and answered with 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	for _, ep := range errorProblems {
		if errors.Is(err, ep.err) {
			if ep.status >= http.StatusInternalServerError {
				logger.WarnCtx(r.Context(), "device unavailable", logger.Err(err))
			}
			p := newProblem(ep.status, err.Error())
			p.Instance = r.URL.Path
			p.Code = ep.code
			p.write(w)
			return
		}
	}

	logger.ErrorCtx(r.Context(), "request failed",
		"method", r.Method, "path", r.URL.Path, logger.Err(err))
	p := newProblem(http.StatusInternalServerError, err.Error())
	p.Instance = r.URL.Path
	p.write(w)
}

// BadRequest writes a 400 problem.
func BadRequest(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusBadRequest, detail)
}

// Unauthorized writes a 401 problem with a Bearer challenge.
func Unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="flashkv"`)
	WriteProblem(w, http.StatusUnauthorized, detail)
}

// Forbidden writes a 403 problem.
func Forbidden(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusForbidden, detail)
}

// NotFound writes a 404 problem.
func NotFound(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusNotFound, detail)
}

// PayloadTooLarge writes a 413 problem.
func PayloadTooLarge(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusRequestEntityTooLarge, detail)
}

// InternalServerError writes a 500 problem.
func InternalServerError(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusInternalServerError, detail)
}
