package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	myMiddleware "consultancy-chat/internal/middleware"
	"consultancy-chat/internal/user"

	"github.com/go-chi/chi/v5"
)

// Directory resolves the tenant of a user whose public key is requested.
type Directory interface {
	GetUserByID(ctx context.Context, id int64) (*user.User, error)
}

type Handler struct {
	keys      *Service
	directory Directory
}

func NewHandler(keys *Service, directory Directory) *Handler {
	return &Handler{keys: keys, directory: directory}
}

type keyResponse struct {
	UserID    int64  `json:"user_id"`
	PublicKey string `json:"public_key"`
	Created   bool   `json:"created,omitempty"`
}

// GenerateKeys creates the caller's key pair on first use. The private half
// never leaves the server through this API.
func (h *Handler) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	identity, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	pub, created, err := h.keys.Generate(r.Context(), identity.UserID)
	if err != nil {
		http.Error(w, "failed to generate keys", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(keyResponse{UserID: identity.UserID, PublicKey: pub, Created: created})
}

func (h *Handler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	u, err := h.directory.GetUserByID(r.Context(), userID)
	switch {
	case errors.Is(err, user.ErrUserNotFound):
		http.Error(w, "no key available", http.StatusNotFound)
		return
	case err != nil:
		h.keys.logger.Error("loading key owner failed", "user_id", userID, "request_id", myMiddleware.GetRequestID(r.Context()), "error", err)
		http.Error(w, "failed to load key", http.StatusInternalServerError)
		return
	case u.CompanyID != identity.CompanyID:
		http.Error(w, "no key available", http.StatusNotFound)
		return
	}

	pub, ok, err := h.keys.PublicKeyOf(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to load key", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no key available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keyResponse{UserID: userID, PublicKey: pub})
}
