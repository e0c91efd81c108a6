package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/secretbroker/plugin"
)

// WriteRequest is the body of a secret upsert.
type WriteRequest struct {
	Data map[string]any `json:"data"`
}

func secretPath(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func (h *handler) handleSecretRead(w http.ResponseWriter, r *http.Request) {
	if list, _ := strconv.ParseBool(r.URL.Query().Get("list")); list {
		h.handleSecretList(w, r)
		return
	}

	data, err := h.props.Broker.GetSecret(r.Context(), secretPath(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOk(w, map[string]any{"data": data})
}

func (h *handler) handleSecretList(w http.ResponseWriter, r *http.Request) {
	keys, err := h.props.Broker.ListSecrets(r.Context(), secretPath(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOk(w, map[string]any{"data": map[string]any{"keys": keys}})
}

func (h *handler) handleSecretWrite(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.props.MaxBodyBytes)

	var req WriteRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		// The decoder's message can quote the body.
		respondError(w, http.StatusBadRequest, "request body must be a JSON object with a data field")
		return
	}
	if len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "data must contain at least one key")
		return
	}

	if err := h.props.Broker.UpsertSecret(r.Context(), secretPath(r), req.Data); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleSecretDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.props.Broker.DeleteSecret(r.Context(), secretPath(r)); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePlugin serves the public half of a tenant's integration keys.
func (h *handler) handlePlugin(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "service") != plugin.ServiceVapi {
		respondError(w, http.StatusNotFound, "unsupported plugin")
		return
	}

	creds, err := plugin.PublicVapiCredentials(r.Context(), h.props.Broker, chi.URLParam(r, "organizationID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if creds == nil {
		respondError(w, http.StatusNotFound, plugin.ErrCredentialsNotFound.Error())
		return
	}
	respondOk(w, map[string]string{"publicApiKey": creds.PublicAPIKey})
}
