package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"replaydeck/config"
	"replaydeck/storage"
	"replaydeck/transport"
	"replaydeck/verify"
	"replaydeck/web"
)

// VerifyHandler runs verifications of archived cassettes over HTTP.
type VerifyHandler struct {
	config    config.VerifyConfig
	database  *storage.Database
	transport transport.Transport
	webServer *web.Server
	logger    *zap.Logger
}

func NewVerifyHandler(cfg config.VerifyConfig, db *storage.Database, tr transport.Transport, webServer *web.Server, logger *zap.Logger) *VerifyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerifyHandler{
		config:    cfg,
		database:  db,
		transport: tr,
		webServer: webServer,
		logger:    logger,
	}
}

func (h *VerifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleStatus(w, r)
	case http.MethodPost:
		h.handleVerify(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleStatus returns the verify defaults and the archived cassettes.
func (h *VerifyHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	cassettes, err := h.database.ListCassettes()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list cassettes: %v", err))
		return
	}
	if cassettes == nil {
		cassettes = []storage.Cassette{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy":            h.config.Strategy,
		"concurrency":         h.config.Concurrency,
		"fail_fast":           h.config.FailFast,
		"base_url":            h.config.BaseURL,
		"ignore_headers":      h.config.IgnoreHeaders,
		"available_cassettes": cassettes,
	})
}

// handleVerify verifies the cassette named by the "cassette" query
// parameter. Other parameters override the configured defaults.
func (h *VerifyHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("cassette")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "cassette parameter is required")
		return
	}

	cfg := h.config
	if v := query.Get("strategy"); v != "" {
		cfg.Strategy = v
	}
	if v := query.Get("base_url"); v != "" {
		cfg.BaseURL = v
	}
	if v := query.Get("fail_fast"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FailFast = b
		}
	}
	if v := query.Get("concurrency"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}

	items, err := h.database.LoadInteractions(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, err.Error())
		return
	}

	verifier, err := verify.New(verify.Options{
		Strategy:      verify.Strategy(cfg.Strategy),
		Concurrency:   cfg.Concurrency,
		FailFast:      cfg.FailFast,
		BaseURL:       cfg.BaseURL,
		IgnoreHeaders: cfg.IgnoreHeaders,
		Transport:     h.transport,
		Logger:        h.logger,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := verifier.Verify(r.Context(), name, items)
	if err != nil {
		h.logger.Warn("[VERIFY] completed with errors", zap.String("cassette", name), zap.Error(err))
	}
	if h.webServer != nil {
		h.webServer.BroadcastEvent("verify_completed", report)
	}

	status := http.StatusOK
	if report.FailureCount > 0 {
		status = http.StatusExpectationFailed
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
