package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"policy-copilot/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type turnRunner interface {
	Run(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type turnRequest struct {
	Message  string `json:"message"`
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId,omitempty"`
}

type turnResponse struct {
	Reply          string   `json:"reply"`
	ThreadID       string   `json:"threadId"`
	Action         string   `json:"action"`
	ProfileUpdated bool     `json:"profileUpdated"`
	Sources        []string `json:"sources,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler serves POST /turn behind API Gateway.
type Handler struct {
	turns turnRunner
}

func NewHandler(turns turnRunner) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn runner must not be nil")
	}
	return &Handler{turns: turns}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := log.With().Str("correlation_id", correlationID).Logger()

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return respond(correlationID, http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}), nil
	}

	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return respond(correlationID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
		}
		body = string(raw)
	}

	var in turnRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return respond(correlationID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"}), nil
	}

	out, err := h.turns.Run(ctx, usecase.TurnInput{UserID: in.UserID, ThreadID: in.ThreadID, Message: in.Message})
	if err != nil {
		status, resp := mapError(err)
		ev := logger.Warn()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Err(err).Int("status", status).Msg("turn failed")
		return respond(correlationID, status, resp), nil
	}

	logger.Info().
		Str("thread_id", out.ThreadID).
		Str("action", out.Action.String()).
		Msg("turn served")
	return respond(correlationID, http.StatusOK, turnResponse{
		Reply:          out.Reply,
		ThreadID:       out.ThreadID,
		Action:         out.Action.String(),
		ProfileUpdated: out.ProfileUpdated,
		Sources:        out.Sources,
	}), nil
}

func mapError(err error) (int, errorResponse) {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: string(uerr.Code), Reason: uerr.Reason}
	switch uerr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, resp
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func respond(correlationID string, status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

// headerValue looks up name case-insensitively; API Gateway preserves the
// client's casing.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
