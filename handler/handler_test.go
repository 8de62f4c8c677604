package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"policy-copilot/internal/domain"
	"policy-copilot/internal/usecase"
)

type stubTurns struct {
	out usecase.TurnOutput
	err error
	in  usecase.TurnInput
}

func (s *stubTurns) Run(_ context.Context, in usecase.TurnInput) (usecase.TurnOutput, error) {
	s.in = in
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/turn",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	turns := &stubTurns{out: usecase.TurnOutput{
		Reply:    "Refunds are accepted within 30 days.",
		ThreadID: "thread-1",
		Action:   domain.ActionSearchPolicies,
		Sources:  []string{"refund.txt"},
	}}
	h, err := NewHandler(turns)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"message":"What is your refund policy?","userId":"u1","threadId":"thread-1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.TurnInput{UserID: "u1", ThreadID: "thread-1", Message: "What is your refund policy?"}, turns.in)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "Refunds are accepted within 30 days.", out.Reply)
	require.Equal(t, "thread-1", out.ThreadID)
	require.Equal(t, "search_policies", out.Action)
	require.Equal(t, []string{"refund.txt"}, out.Sources)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_Base64Body(t *testing.T) {
	turns := &stubTurns{out: usecase.TurnOutput{Reply: "hi", ThreadID: "t", Action: domain.ActionAnswer}}
	h, err := NewHandler(turns)
	require.NoError(t, err)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(`{"message":"hello","userId":"u1"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", turns.in.Message)
	require.Empty(t, turns.in.ThreadID)
}

func TestHandle_InvalidBody(t *testing.T) {
	h, err := NewHandler(&stubTurns{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Reason)
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	h, err := NewHandler(&stubTurns{})
	require.NoError(t, err)

	event := makeEvent(``)
	event.HTTPMethod = http.MethodGet
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "planner_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "answer_llm_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "episode_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewHandler(&stubTurns{err: tc.err})
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"message":"hello","userId":"u1"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubTurns{out: usecase.TurnOutput{Reply: "ok", ThreadID: "t", Action: domain.ActionAnswer}})
	require.NoError(t, err)

	event := makeEvent(`{"message":"hello","userId":"u1"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
