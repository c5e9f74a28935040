package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fulfillment/saga-orchestrator/internal/store"
	sagaerrors "github.com/fulfillment/saga-orchestrator/pkg/errors"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

// HTTPServer saga 编排 HTTP API
type HTTPServer struct {
	svc *SagaService
	log *logger.Logger
}

// NewHTTPServer 创建 HTTP 层
func NewHTTPServer(svc *SagaService, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.New("saga-http", nil)
	}
	return &HTTPServer{svc: svc, log: log}
}

// Register 注册路由
func (s *HTTPServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/saga", s.handleSaga)
	mux.HandleFunc("/v1/saga/retry", s.handleRetry)
	mux.HandleFunc("/v1/sagas", s.handleList)
	mux.HandleFunc("/v1/definitions", s.handleDefinitions)
}

// handleSaga POST 启动，GET 查询，DELETE 取消
func (s *HTTPServer) handleSaga(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleStart(w, r)
	case http.MethodGet:
		s.handleStatus(w, r)
	case http.MethodDelete:
		s.handleCancel(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sagaerrors.Wrap(sagaerrors.CodeValidation, "decode request", err))
		return
	}

	inst, err := s.svc.Start(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, inst)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	sagaID := r.URL.Query().Get("sagaId")
	if sagaID == "" {
		s.writeError(w, sagaerrors.New(sagaerrors.CodeValidation, "sagaId is required"))
		return
	}
	withEvents := r.URL.Query().Get("events") == "true"

	resp, err := s.svc.Status(r.Context(), sagaID, withEvents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	sagaID := r.URL.Query().Get("sagaId")
	if sagaID == "" {
		s.writeError(w, sagaerrors.New(sagaerrors.CodeValidation, "sagaId is required"))
		return
	}

	inst, err := s.svc.Cancel(r.Context(), sagaID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, inst)
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SagaID string `json:"sagaId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sagaerrors.Wrap(sagaerrors.CodeValidation, "decode request", err))
		return
	}
	if req.SagaID == "" {
		s.writeError(w, sagaerrors.New(sagaerrors.CodeValidation, "sagaId is required"))
		return
	}

	inst, err := s.svc.Retry(r.Context(), req.SagaID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, inst)
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := store.Status(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, sagaerrors.New(sagaerrors.CodeValidation, "limit must be an integer"))
			return
		}
		limit = n
	}

	instances, err := s.svc.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"count":     len(instances),
	})
}

func (s *HTTPServer) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"definitions": s.svc.Definitions(),
	})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("write response failed")
	}
}

// writeError 统一错误响应，业务错误带错误码和 HTTP 状态映射
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	var sagaErr *sagaerrors.Error
	if !errors.As(err, &sagaErr) {
		sagaErr = sagaerrors.Wrap(sagaerrors.CodeInternal, "internal error", err)
	}
	s.writeJSON(w, sagaErr.HTTPStatus(), sagaErr)
}
