package api

import (
	"errors"
	"net/http"

	"github.com/Spritz-Labs/spritz-vault/internal/derive"
	"github.com/Spritz-Labs/spritz-vault/internal/vault"
)

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Anything unmapped is a 500 and gets logged; taxonomy errors are the
// client's problem and are logged at debug only.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if msErr, ok := vault.AsMissingSigner(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "missing signer",
			"identities": msErr.Identities,
		})
		return
	}

	var status int
	switch {
	case errors.Is(err, vault.ErrVaultNotFound), errors.Is(err, vault.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrNotAMember), errors.Is(err, vault.ErrNotProposer):
		status = http.StatusForbidden
	case errors.Is(err, vault.ErrAlreadySigned),
		errors.Is(err, vault.ErrNotPending),
		errors.Is(err, vault.ErrInsufficientConfirmations):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrInvalidThreshold),
		errors.Is(err, derive.ErrUnsupportedChain),
		errors.Is(err, derive.ErrInvalidOwnerSpec):
		status = http.StatusBadRequest
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Debug("request rejected",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeError(w, status, err.Error())
}
