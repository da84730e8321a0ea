package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/inventory"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

const (
	defaultAttemptLimit = 100
	maxAttemptLimit     = 1000
	ledgerTimeout       = 3 * time.Second
)

// listInventory handles GET /v1/inventory. It returns {"rows": [...]} built from
// the manifests on disk, or 503 when the raw root cannot be read.
func (s *Server) listInventory(w http.ResponseWriter, r *http.Request) {
	rows, err := inventory.Collect(s.opts.RawRoot, s.opts.BaseDir, s.logger)
	if err != nil {
		s.logger.Warn("collect inventory failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "inventory unavailable")
		return
	}
	if dataset := strings.TrimSpace(r.URL.Query().Get("dataset")); dataset != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if row.DatasetName == dataset {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// listAttempts handles GET /v1/attempts?dataset=&limit=. It returns
// {"attempts": [...]} newest first, 400 for a bad limit, 503 when no ledger
// is configured, or 500 if the query fails.
func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	limit, err := parseLimit(r, defaultAttemptLimit, maxAttemptLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ledgerTimeout)
	defer cancel()

	dataset := strings.TrimSpace(r.URL.Query().Get("dataset"))
	attempts, err := s.opts.Ledger.RecentAttempts(ctx, dataset, limit)
	if err != nil {
		s.logger.Error("list attempts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []pipeline.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
