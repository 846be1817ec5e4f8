package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/datapool/datapool-gateway/internal/credit"
	"github.com/datapool/datapool-gateway/internal/durable"
	"github.com/datapool/datapool-gateway/internal/faststore"
)

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	balance, err := s.service.GetBalance(r.Context(), userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	typ := strings.TrimSpace(r.URL.Query().Get("type"))
	if typ == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	amount, err := strconv.Atoi(r.URL.Query().Get("amount"))
	if err != nil || amount <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("amount must be a positive integer"))
		return
	}

	result, err := s.service.Purchase(r.Context(), userID, typ, amount)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, result)
	case errors.Is(err, faststore.ErrInsufficientFunds):
		s.respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, faststore.ErrPoolExhausted), errors.Is(err, credit.ErrUnknownType):
		s.respondError(w, http.StatusNotFound, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	f := durable.Filter{
		Page:  parseIntOr(r.URL.Query().Get("page"), 1),
		Limit: parseIntOr(r.URL.Query().Get("limit"), 20),
	}
	if kinds := strings.TrimSpace(r.URL.Query().Get("types")); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if k != "purchase" && k != "deposit" {
				s.respondError(w, http.StatusBadRequest, errors.New("types must contain purchase and/or deposit"))
				return
			}
			f.Kinds = append(f.Kinds, k)
		}
	}

	transactions, total, err := s.service.Transactions(r.Context(), userID, f)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if transactions == nil {
		transactions = []durable.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"total":        total,
		"page":         f.Page,
		"limit":        f.Limit,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	token, err := s.auth.EnsureToken(r.Context(), userID, strconv.FormatInt(userID, 10))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	token, err := s.auth.Rotate(r.Context(), userID, strconv.FormatInt(userID, 10))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"token": token})
}

func parseIntOr(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
