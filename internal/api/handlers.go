package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/0xReLogic/Cigano/internal/cards"
	"github.com/0xReLogic/Cigano/internal/circuitbreaker"
	"github.com/0xReLogic/Cigano/internal/gemini"
	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/utils"
)

const (
	msgInvalidInput   = "Dados inválidos"
	msgMalformedJSON  = "corpo da requisição não é um JSON válido"
	msgBodyTooLarge   = "corpo da requisição excede o tamanho permitido"
	msgNotFound       = "Rota não encontrada"
	msgTestOK         = "Servidor funcionando corretamente!"
	msgNoAPIKey       = "Chave da API Gemini não configurada"
	msgUnavailable    = "Serviço de interpretação temporariamente indisponível"
	msgGenericFailure = "Erro ao gerar interpretação"
)

type statusResponse struct {
	Status      string                 `json:"status"`
	Timestamp   string                 `json:"timestamp"`
	Port        int                    `json:"port"`
	Environment string                 `json:"environment"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

type testResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Port      int    `json:"port"`
}

type interpretationResponse struct {
	Interpretacao string `json:"interpretacao"`
	RequestID     string `json:"requestId"`
	Timestamp     string `json:"timestamp"`
}

type validationResponse struct {
	Error     string   `json:"error"`
	Detalhes  []string `json:"detalhes"`
	RequestID string   `json:"requestId"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp,omitempty"`
}

type notFoundResponse struct {
	Error     string `json:"error"`
	Path      string `json:"path"`
	RequestID string `json:"requestId"`
}

type handlers struct {
	deps Deps
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config
	resp := statusResponse{
		Status:      "online",
		Timestamp:   utils.Timestamp(h.deps.now()),
		Port:        h.deps.port(),
		Environment: cfg.Environment,
	}
	if !cfg.IsProduction() {
		resp.Config = cfg.Knobs()
	}
	_ = utils.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) test(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, testResponse{
		Message:   msgTestOK,
		Timestamp: utils.Timestamp(h.deps.now()),
		Port:      h.deps.port(),
	})
}

func (h *handlers) notFound(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusNotFound, notFoundResponse{
		Error:     msgNotFound,
		Path:      r.URL.Path,
		RequestID: logging.RequestIDFromContext(r.Context()),
	})
}

func (h *handlers) interpret(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.WithContext(ctx)
	requestID := logging.RequestIDFromContext(ctx)

	req, err := decodeRequest(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			logger.Warn().Int64("limit", maxErr.Limit).Msg("request body too large")
			_ = utils.WriteJSON(w, http.StatusRequestEntityTooLarge, validationResponse{
				Error:     msgInvalidInput,
				Detalhes:  []string{msgBodyTooLarge},
				RequestID: requestID,
			})
			return
		}
		logger.Warn().Err(err).Msg("malformed request body")
		h.rejectInput(w, requestID, []string{msgMalformedJSON})
		return
	}

	if failures := cards.Validate(req); len(failures) > 0 {
		logger.Warn().Strs("detalhes", failures).Msg("validation failed")
		h.rejectInput(w, requestID, failures)
		return
	}

	result, err := h.deps.Service.Interpret(ctx, req)
	if err != nil {
		logger.Error().Err(err).
			Bool("upstream", gemini.IsUpstreamError(err)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Interface("headers", utils.LoggableHeaders(r.Header)).
			Interface("body", req).
			Msg("interpretation failed")
		_ = utils.WriteJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     clientMessage(err),
			RequestID: requestID,
			Timestamp: utils.Timestamp(h.deps.now()),
		})
		return
	}

	logger.Info().Int("chars", len(result.Text)).Msg("interpretation generated")
	_ = utils.WriteJSON(w, http.StatusOK, interpretationResponse{
		Interpretacao: result.Text,
		RequestID:     requestID,
		Timestamp:     utils.Timestamp(h.deps.now()),
	})
}

func (h *handlers) rejectInput(w http.ResponseWriter, requestID string, failures []string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordValidationFailure()
	}
	_ = utils.WriteJSON(w, http.StatusBadRequest, validationResponse{
		Error:     msgInvalidInput,
		Detalhes:  failures,
		RequestID: requestID,
	})
}

// decodeRequest reads the JSON body. A body that is absent or not declared
// as JSON decodes to the zero request, which then fails validation.
func decodeRequest(r *http.Request) (cards.InterpretationRequest, error) {
	var req cards.InterpretationRequest
	if r.Body == nil || !utils.WantsJSON(r) {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return cards.InterpretationRequest{}, nil
		}
		return cards.InterpretationRequest{}, err
	}
	return req, nil
}

// clientMessage maps a failure to the single-line text returned to callers.
func clientMessage(err error) string {
	var apiErr *gemini.APIError
	switch {
	case errors.Is(err, gemini.ErrNoAPIKey):
		return msgNoAPIKey
	case errors.Is(err, gemini.ErrInvalidResponse):
		return gemini.ErrInvalidResponse.Error()
	case errors.As(err, &apiErr):
		return singleLine(apiErr.Error())
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
		errors.Is(err, circuitbreaker.ErrTooManyRequests),
		errors.Is(err, gemini.ErrQuotaWait):
		return msgUnavailable
	default:
		return msgGenericFailure
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
