package api

import (
	"net/http"
	"strconv"

	"SAID-Chain/internal/auth"
	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/events"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

// WithdrawRequest 是提取手续费的请求体。
type WithdrawRequest struct {
	Amount uint64 `json:"amount"`
}

// AgentRequest 是注册或更新身份的请求体。
type AgentRequest struct {
	MetadataURI string `json:"metadata_uri"`
}

// FeedbackRequest 是提交反馈的请求体。
type FeedbackRequest struct {
	Positive bool   `json:"positive"`
	Context  string `json:"context"`
}

// ValidationRequest 是提交验证结论的请求体。
type ValidationRequest struct {
	TaskHash    string `json:"task_hash"`
	Passed      bool   `json:"passed"`
	EvidenceURI string `json:"evidence_uri"`
}

// FundRequest 是水龙头请求体。
type FundRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// BalanceResponse 是余额查询结果。
type BalanceResponse struct {
	Address common.Hash `json:"address"`
	Balance uint64      `json:"balance"`
}

// EventsResponse 是事件分页结果。Next 用作下一页的 after 参数。
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		s.writeError(w, r, auth.ErrMissingCredentials)
	}
	return principal, ok
}

func (s *Server) pathHash(w http.ResponseWriter, r *http.Request, param string) (common.Hash, bool) {
	h, err := parseHash(param, chi.URLParam(r, param))
	if err != nil {
		s.writeError(w, r, err)
		return common.Hash{}, false
	}
	return h, true
}

func (s *Server) handleInitializeTreasury(w http.ResponseWriter, r *http.Request) {
	authority, ok := s.principal(w, r)
	if !ok {
		return
	}
	treasury, err := s.registry.InitializeTreasury(r.Context(), authority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, treasury)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	authority, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.WithdrawFees(r.Context(), authority, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	treasury, err := s.registry.GetTreasury(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, treasury)
}

func (s *Server) handleGetTreasury(w http.ResponseWriter, r *http.Request) {
	treasury, err := s.registry.GetTreasury(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, treasury)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req AgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	identity, err := s.registry.RegisterAgent(r.Context(), owner, req.MetadataURI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	identityAddr, ok := s.pathHash(w, r, "address")
	if !ok {
		return
	}
	var req AgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	identity, err := s.registry.UpdateAgent(r.Context(), caller, identityAddr, req.MetadataURI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	identityAddr, ok := s.pathHash(w, r, "address")
	if !ok {
		return
	}
	identity, err := s.registry.GetIdentity(r.Context(), identityAddr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleGetAgentByOwner(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.pathHash(w, r, "owner")
	if !ok {
		return
	}
	identity, err := s.registry.IdentityOf(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := s.principal(w, r)
	if !ok {
		return
	}
	identityAddr, ok := s.pathHash(w, r, "address")
	if !ok {
		return
	}
	var req FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.registry.SubmitFeedback(r.Context(), reviewer, identityAddr, req.Positive, req.Context)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	identityAddr, ok := s.pathHash(w, r, "address")
	if !ok {
		return
	}
	rep, err := s.registry.GetReputation(r.Context(), identityAddr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleValidateWork(w http.ResponseWriter, r *http.Request) {
	validator, ok := s.principal(w, r)
	if !ok {
		return
	}
	identityAddr, ok := s.pathHash(w, r, "address")
	if !ok {
		return
	}
	var req ValidationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	taskHash, err := parseHash("task_hash", req.TaskHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.registry.ValidateWork(r.Context(), validator, identityAddr, taskHash, req.Passed, req.EvidenceURI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	identityAddr, ok := s.pathHash(w, r, "address")
	if !ok {
		return
	}
	taskHash, ok := s.pathHash(w, r, "task_hash")
	if !ok {
		return
	}
	v, err := s.registry.GetValidation(r.Context(), identityAddr, taskHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathHash(w, r, "address")
	if !ok {
		return
	}
	balance, err := s.registry.Balance(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: addr, Balance: balance})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var after uint64
	if raw := query.Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "after must be an unsigned integer"))
			return
		}
		after = parsed
	}
	limit := 100
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := s.registry.Events(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	next := after
	if n := len(list); n > 0 {
		next = list[n-1].Seq
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: list, Next: next})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := parseHash("address", req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.Fund(r.Context(), addr, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.registry.Balance(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: addr, Balance: balance})
}
