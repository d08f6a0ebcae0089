package facade

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/memchain/internal/entry"
	"github.com/tripwire/memchain/internal/memops"
)

// commitRequest is the JSON body accepted by POST /v1/commit.
type commitRequest struct {
	Content    string  `json:"content"`
	Kind       string  `json:"kind"`
	Tier       string  `json:"tier"`
	Source     string  `json:"source"`
	Trigger    string  `json:"trigger"`
	Importance float64 `json:"importance"`
}

// handleCommit responds to POST /v1/commit. It performs no business logic
// beyond decoding the request body and forwarding it to Memory Ops; input
// validation (kind, tier, importance range) lives entirely in
// memops.Chain.Commit.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	kind := entry.Kind(req.Kind)
	if kind == "" {
		kind = entry.KindMemory
	}
	tier := entry.Tier(req.Tier)
	if tier == "" {
		tier = entry.TierEphemeral
	}
	source := entry.Source(req.Source)
	if source == "" {
		source = entry.SourceManual
	}

	res, err := s.chain.Commit(r.Context(), memops.CommitInput{
		Content:   req.Content,
		EntryKind: kind,
		Tier:      tier,
		Provenance: entry.Provenance{
			Source:     source,
			Trigger:    req.Trigger,
			Importance: req.Importance,
		},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"seq":          res.Seq,
		"content_hash": res.ContentHash,
	})
}

// handleRecall responds to GET /v1/recall.
//
// Supported query parameters:
//
//	q            – search text (required)
//	max_results  – maximum rows returned (default 10)
//	max_tokens   – token budget, 0 means unbounded (default 0)
//	tier         – restrict to a retention tier (optional)
func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	maxResults := 10
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'max_results' must be a positive integer")
			return
		}
		maxResults = n
	}

	maxTokens := 0
	if v := q.Get("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "'max_tokens' must be a non-negative integer")
			return
		}
		maxTokens = n
	}

	rows, err := s.chain.Recall(r.Context(), memops.RecallInput{
		Query:      query,
		MaxResults: maxResults,
		MaxTokens:  maxTokens,
		Tier:       entry.Tier(q.Get("tier")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to recall")
		return
	}
	if rows == nil {
		rows = []memops.RecallRow{}
	}

	writeJSON(w, http.StatusOK, rows)
}

// handleIntrospect responds to GET /v1/introspect/{seq}.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	seqStr := chi.URLParam(r, "seq")
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "seq must be an integer")
		return
	}

	view, err := s.chain.Introspect(r.Context(), seq)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, view)
}
