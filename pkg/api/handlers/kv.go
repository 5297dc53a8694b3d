package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/kvstore"
)

// KVStore is the settings table served by KVHandler. *kvstore.Cache
// implements it.
type KVStore interface {
	Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error)
	Set(ctx context.Context, key kvstore.Key, data []byte) (bool, error)
	SetInt32(ctx context.Context, key kvstore.Key, v int32) (bool, error)
	SetUint32(ctx context.Context, key kvstore.Key, v uint32) (bool, error)
	Clear(ctx context.Context, key kvstore.Key) (bool, error)
	Commit(ctx context.Context) error
	Snapshot() []kvstore.Entry
}

// KVHandler handles the key-value endpoints.
type KVHandler struct {
	store KVStore
}

// NewKVHandler creates a new key-value handler.
func NewKVHandler(store KVStore) *KVHandler {
	return &KVHandler{store: store}
}

// ValueResponse is the body of GET /api/v1/kv/{key}.
type ValueResponse struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Type  string `json:"type"`
	Dirty bool   `json:"dirty"`
	// Value is set for printable values, Base64 for everything else.
	Value  string `json:"value,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// SetRequest is the body of PUT /api/v1/kv/{key}.
type SetRequest struct {
	// Value is the text of the value, or its base64 encoding when Base64
	// is set. Numeric types take a decimal string.
	Value  string `json:"value"`
	Type   string `json:"type,omitempty"`
	Base64 bool   `json:"base64,omitempty"`
}

// ChangeResponse reports whether a set or clear changed the entry.
type ChangeResponse struct {
	Name    string `json:"name"`
	Changed bool   `json:"changed"`
}

// CommitResponse is the body of POST /api/v1/kv/commit.
type CommitResponse struct {
	Dirty int `json:"dirty"`
}

// List handles GET /api/v1/kv.
func (h *KVHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, h.store.Snapshot())
}

// Get handles GET /api/v1/kv/{key}.
func (h *KVHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.lookup(w, r)
	if !ok {
		return
	}

	v, err := h.store.Get(r.Context(), key)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	resp := ValueResponse{
		Name:  key.Name(),
		Alias: key.Alias(),
		Type:  v.Kind.String(),
		Dirty: v.Dirty,
	}
	if v.Kind == kvstore.KindInt32 || v.Kind == kvstore.KindUint32 || v.Printable() {
		resp.Value = v.String()
	} else {
		resp.Base64 = base64.StdEncoding.EncodeToString(v.Data)
	}
	WriteJSONOK(w, resp)
}

// Put handles PUT /api/v1/kv/{key}. The change stays in RAM until commit.
func (h *KVHandler) Put(w http.ResponseWriter, r *http.Request) {
	key, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req SetRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		changed bool
		err     error
	)
	switch req.Type {
	case "", "string":
		data := []byte(req.Value)
		if req.Base64 {
			data, err = base64.StdEncoding.DecodeString(req.Value)
			if err != nil {
				BadRequest(w, "value is not valid base64")
				return
			}
		}
		changed, err = h.store.Set(ctx, key, data)
	case "int32":
		n, perr := strconv.ParseInt(req.Value, 10, 32)
		if perr != nil {
			BadRequest(w, "value is not a 32-bit signed integer")
			return
		}
		changed, err = h.store.SetInt32(ctx, key, int32(n))
	case "uint32":
		n, perr := strconv.ParseUint(req.Value, 10, 32)
		if perr != nil {
			BadRequest(w, "value is not a 32-bit unsigned integer")
			return
		}
		changed, err = h.store.SetUint32(ctx, key, uint32(n))
	default:
		BadRequest(w, "type must be one of string, int32, uint32")
		return
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSONOK(w, ChangeResponse{Name: key.Name(), Changed: changed})
}

// Delete handles DELETE /api/v1/kv/{key}. The persisted copy is removed on
// the next commit.
func (h *KVHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key, ok := h.lookup(w, r)
	if !ok {
		return
	}

	changed, err := h.store.Clear(r.Context(), key)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, ChangeResponse{Name: key.Name(), Changed: changed})
}

// Commit handles POST /api/v1/kv/commit.
func (h *KVHandler) Commit(w http.ResponseWriter, r *http.Request) {
	err := h.store.Commit(r.Context())

	dirty := 0
	for _, e := range h.store.Snapshot() {
		if e.Dirty {
			dirty++
		}
	}

	if err != nil {
		logger.WarnCtx(r.Context(), "commit incomplete", logger.KeyDirty, dirty, logger.Err(err))
		WriteError(w, r, err)
		return
	}
	WriteJSONOK(w, CommitResponse{Dirty: dirty})
}

func (h *KVHandler) lookup(w http.ResponseWriter, r *http.Request) (kvstore.Key, bool) {
	name := chi.URLParam(r, "key")
	key, err := kvstore.Lookup(name)
	if err != nil {
		NotFound(w, "unknown key "+strconv.Quote(name))
		return 0, false
	}
	return key, true
}
