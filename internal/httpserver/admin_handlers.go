package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

func (s *Server) handleAdminAddCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      int64  `json:"user_id"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.UserID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id must be positive"))
		return
	}
	if req.Amount <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("amount must be positive"))
		return
	}

	balance, err := s.service.AddCredits(r.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"balance": balance,
	})
}

func (s *Server) handleAdminAddPoolItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string   `json:"type"`
		Items []string `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	if len(req.Items) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("items must be non-empty"))
		return
	}

	added, rejected, err := s.service.AddPoolItems(r.Context(), req.Type, req.Items)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rejected == nil {
		rejected = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"type":     req.Type,
		"added":    added,
		"rejected": rejected,
	})
}

func (s *Server) handleAdminGetUnitPrice(w http.ResponseWriter, r *http.Request) {
	typ := strings.TrimSpace(r.URL.Query().Get("type"))
	if typ == "" {
		s.respondJSON(w, http.StatusOK, map[string]any{"prices": s.prices.All()})
		return
	}
	price, err := s.prices.Price(typ)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"type": typ, "price": price})
}

func (s *Server) handleAdminSetUnitPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string `json:"type"`
		Price int64  `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	if err := s.prices.SetPrice(req.Type, req.Price); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Printf("[INFO] Server.SetUnitPrice: type=%s price=%d", req.Type, req.Price)
	s.respondJSON(w, http.StatusOK, map[string]any{"type": req.Type, "price": req.Price})
}

func (s *Server) handleAdminPoolSizes(w http.ResponseWriter, r *http.Request) {
	sizes, err := s.service.PoolSizes(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if sizes == nil {
		sizes = map[string]int{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sizes": sizes})
}
