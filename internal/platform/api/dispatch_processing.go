package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"log/slog"

	"go.fluxdispatch.dev/internal/common/tsid"
	"go.fluxdispatch.dev/internal/platform/dispatchjob"
	"go.fluxdispatch.dev/internal/platform/serviceaccount"
	"go.fluxdispatch.dev/internal/router/model"
)

// webhookEnvelope is the JSON body shape used when a job's DataOnly flag is
// false, per the bit-exact webhook contract.
type webhookEnvelope struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind,omitempty"`
	Code          string          `json:"code,omitempty"`
	Subject       string          `json:"subject,omitempty"`
	EventID       string          `json:"eventId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     string          `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// DispatchProcessingHandler is the internal processing endpoint called by
// the message router's mediator. It owns the actual outbound webhook call:
// it builds and signs the request per the bit-exact contract, classifies the
// subscriber's response, records the attempt, and returns an ack/nack
// decision to the router.
type DispatchProcessingHandler struct {
	repo            dispatchjob.Repository
	authService     *dispatchjob.DispatchAuthService
	credentialCache *serviceaccount.Cache
	signer          *dispatchjob.WebhookSigner
	httpClient      *http.Client
}

// NewDispatchProcessingHandler creates a new dispatch processing handler
func NewDispatchProcessingHandler(
	repo dispatchjob.Repository,
	authService *dispatchjob.DispatchAuthService,
	credentialCache *serviceaccount.Cache,
) *DispatchProcessingHandler {
	return &DispatchProcessingHandler{
		repo:            repo,
		authService:     authService,
		credentialCache: credentialCache,
		signer:          dispatchjob.NewWebhookSigner(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Routes returns the router for dispatch processing endpoint
func (h *DispatchProcessingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Process)
	return r
}

// Process handles POST /api/dispatch/process — the internal endpoint
// called by the message router. Requires a short-lived JWT Bearer token
// scoped to the job id.
func (h *DispatchProcessingHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessRequest
	if err := DecodeJSON(r, &req); err != nil {
		slog.Warn("failed to parse dispatch process request", "error", err)
		WriteJSON(w, http.StatusBadRequest, model.NewNackResponse("invalid request body"))
		return
	}

	slog.Info("received dispatch job processing request", "messageId", req.MessageID)

	token := extractBearerTokenFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		slog.Warn("dispatch process request missing Authorization header", "messageId", req.MessageID)
		WriteJSON(w, http.StatusUnauthorized, model.NewNackResponse("missing Authorization header"))
		return
	}

	if err := h.authService.ValidateAuthToken(req.MessageID, token); err != nil {
		slog.Warn("dispatch process auth failed", "messageId", req.MessageID)
		WriteJSON(w, http.StatusUnauthorized, model.NewNackResponse("invalid auth token"))
		return
	}

	result, err := h.processDispatchJob(r.Context(), req.MessageID)
	if err != nil {
		slog.Error("error processing dispatch job", "error", err, "messageId", req.MessageID)
		WriteJSON(w, http.StatusInternalServerError, model.NewNackResponse(err.Error()))
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// processDispatchJob processes a single dispatch job and returns the
// ack/nack decision to relay to the broker.
func (h *DispatchProcessingHandler) processDispatchJob(ctx context.Context, dispatchJobID string) (*model.ProcessResponse, error) {
	job, err := h.repo.FindByID(ctx, dispatchJobID)
	if err != nil {
		if err == dispatchjob.ErrNotFound {
			slog.Warn("dispatch job not found", "jobId", dispatchJobID)
			return model.NewAckResponse("cannot find record"), nil
		}
		return nil, err
	}

	if job.IsTerminal() {
		slog.Info("job already in terminal state", "jobId", dispatchJobID, "status", string(job.Status))
		return model.NewAckResponse("job already completed"), nil
	}

	if job.IsExpired() {
		slog.Info("job has expired", "jobId", dispatchJobID)
		h.repo.UpdateStatus(ctx, dispatchJobID, dispatchjob.DispatchStatusCancelled)
		return model.NewAckResponse("job expired"), nil
	}

	if !job.ScheduledFor.IsZero() && time.Now().Before(job.ScheduledFor) {
		delaySeconds := int(time.Until(job.ScheduledFor).Seconds())
		if delaySeconds > model.MaxDelaySeconds {
			delaySeconds = model.MaxDelaySeconds
		}
		if delaySeconds < 1 {
			delaySeconds = 1
		}
		slog.Info("job not ready yet (notBefore)", "jobId", dispatchJobID, "delaySeconds", delaySeconds)
		return model.NewNackWithDelayResponse("notBefore time not reached", delaySeconds), nil
	}

	h.repo.UpdateStatus(ctx, dispatchJobID, dispatchjob.DispatchStatusInProgress)

	attempt := h.executeWebhook(ctx, job)

	if err := h.repo.RecordAttempt(ctx, job.ID, *attempt); err != nil {
		slog.Error("failed to record attempt", "jobId", dispatchJobID, "error", err)
	}
	job.Attempts = append(job.Attempts, *attempt)
	job.AttemptCount++
	job.LastAttemptAt = attempt.AttemptedAt

	if attempt.Status == dispatchjob.DispatchAttemptStatusSuccess {
		job.Status = dispatchjob.DispatchStatusCompleted
		job.CompletedAt = time.Now()
		job.DurationMillis = time.Since(job.CreatedAt).Milliseconds()
		h.repo.MarkCompleted(ctx, job.ID, job.DurationMillis)
		return model.NewAckResponse("success"), nil
	}

	job.LastError = attempt.ErrorMessage
	retriesExhausted := job.AttemptCount >= job.MaxRetries
	notTransient := attempt.ErrorType == dispatchjob.ErrorTypeNotTransient

	if notTransient || retriesExhausted {
		job.Status = dispatchjob.DispatchStatusError
		h.repo.MarkError(ctx, job.ID, attempt.ErrorMessage)
		slog.Warn("job moved to ERROR", "jobId", dispatchJobID, "attempts", job.AttemptCount, "notTransient", notTransient)
		return model.NewAckResponse("delivery failed terminally"), nil
	}

	delaySeconds := h.calculateBackoffDelay(job.AttemptCount)
	h.repo.ResetToPending(ctx, job.ID, time.Now().Add(time.Duration(delaySeconds)*time.Second))

	slog.Info("attempt failed, will retry", "jobId", dispatchJobID, "attempt", job.AttemptCount, "maxRetries", job.MaxRetries, "delaySeconds", delaySeconds)
	return model.NewNackWithDelayResponse(attempt.ErrorMessage, delaySeconds), nil
}

// executeWebhook builds the bit-exact signed request, sends it to
// job.TargetURL, and classifies the response into an attempt record.
func (h *DispatchProcessingHandler) executeWebhook(ctx context.Context, job *dispatchjob.DispatchJob) *dispatchjob.DispatchAttempt {
	startTime := time.Now()
	attempt := &dispatchjob.DispatchAttempt{
		ID:            tsid.Generate(),
		AttemptNumber: job.AttemptCount + 1,
		AttemptedAt:   startTime,
		CreatedAt:     startTime,
	}

	creds, err := h.credentialCache.Resolve(ctx, job.ServiceAccountID)
	if err != nil {
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorMessage = "failed to resolve service account credentials: " + err.Error()
		attempt.ErrorType = dispatchjob.ErrorTypeNotTransient
		return h.finalizeAttempt(attempt, startTime)
	}

	body, contentType, err := h.buildBody(job)
	if err != nil {
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorMessage = "failed to build request body: " + err.Error()
		attempt.ErrorType = dispatchjob.ErrorTypeNotTransient
		return h.finalizeAttempt(attempt, startTime)
	}

	signed := h.signer.Sign(body, creds.AuthToken, creds.SigningSecret)

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.TargetURL, strings.NewReader(signed.Payload))
	if err != nil {
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorMessage = "failed to create request: " + err.Error()
		attempt.ErrorType = dispatchjob.ErrorTypeNotTransient
		return h.finalizeAttempt(attempt, startTime)
	}

	h.setHeaders(req, job, signed, contentType)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			attempt.Status = dispatchjob.DispatchAttemptStatusTimeout
			attempt.ErrorMessage = "request timeout"
		} else if strings.Contains(err.Error(), "connection refused") ||
			strings.Contains(err.Error(), "no such host") {
			attempt.Status = dispatchjob.DispatchAttemptStatusFailure
			attempt.ErrorMessage = err.Error()
		} else {
			attempt.Status = dispatchjob.DispatchAttemptStatusFailure
			attempt.ErrorMessage = err.Error()
		}
		attempt.ErrorType = dispatchjob.ErrorTypeTransient
		return h.finalizeAttempt(attempt, startTime)
	}
	defer resp.Body.Close()

	attempt.ResponseCode = resp.StatusCode

	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	attempt.ResponseBody = string(responseBody)

	h.classify(attempt, resp.StatusCode, attempt.ResponseBody)

	return h.finalizeAttempt(attempt, startTime)
}

// buildBody constructs the outbound request body per spec §4.3 step 2.
func (h *DispatchProcessingHandler) buildBody(job *dispatchjob.DispatchJob) (body string, contentType string, err error) {
	if job.DataOnly {
		contentType = job.PayloadContentType
		if contentType == "" {
			contentType = "application/json"
		}
		return job.Payload, contentType, nil
	}

	var data json.RawMessage
	trimmed := strings.TrimSpace(job.Payload)
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[' || trimmed[0] == '"') && json.Valid([]byte(trimmed)) {
		data = json.RawMessage(trimmed)
	} else {
		encoded, marshalErr := json.Marshal(job.Payload)
		if marshalErr != nil {
			return "", "", marshalErr
		}
		data = json.RawMessage(encoded)
	}

	envelope := webhookEnvelope{
		ID:            job.ID,
		Kind:          string(job.Kind),
		Code:          job.Code,
		Subject:       job.Subject,
		EventID:       job.EventID,
		CorrelationID: job.CorrelationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data:          data,
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", "", err
	}
	return string(encoded), "application/json", nil
}

// setHeaders attaches the mandatory and optional tracing headers per spec §6.
func (h *DispatchProcessingHandler) setHeaders(req *http.Request, job *dispatchjob.DispatchJob, signed *dispatchjob.SignedWebhookRequest, contentType string) {
	req.Header.Set("Authorization", "Bearer "+signed.BearerToken)
	req.Header.Set(dispatchjob.SignatureHeader, signed.Signature)
	req.Header.Set(dispatchjob.TimestampHeader, signed.Timestamp)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-FlowCatalyst-ID", job.ID)

	if job.EventID != "" {
		req.Header.Set("X-FlowCatalyst-Causation-ID", job.EventID)
	}
	if job.Kind != "" {
		req.Header.Set("X-FlowCatalyst-Kind", string(job.Kind))
	}
	if job.Code != "" {
		req.Header.Set("X-FlowCatalyst-Code", job.Code)
	}
	if job.Subject != "" {
		req.Header.Set("X-FlowCatalyst-Subject", job.Subject)
	}
	if job.CorrelationID != "" {
		req.Header.Set("X-FlowCatalyst-Correlation-ID", job.CorrelationID)
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
}

// classify maps an HTTP response onto an attempt status/error-type per the
// table in spec §4.3 step 5.
func (h *DispatchProcessingHandler) classify(attempt *dispatchjob.DispatchAttempt, statusCode int, responseBody string) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		if ackFalse(responseBody) {
			attempt.Status = dispatchjob.DispatchAttemptStatusFailure
			attempt.ErrorType = dispatchjob.ErrorTypeTransient
			attempt.ErrorMessage = "subscriber returned ack:false"
			return
		}
		attempt.Status = dispatchjob.DispatchAttemptStatusSuccess
	case statusCode == 401 || statusCode == 403 || statusCode == 404 || statusCode == 405 || statusCode == 501:
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorType = dispatchjob.ErrorTypeNotTransient
		attempt.ErrorMessage = "HTTP " + http.StatusText(statusCode)
	case statusCode == 408 || statusCode == 429:
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorType = dispatchjob.ErrorTypeTransient
		attempt.ErrorMessage = "HTTP " + http.StatusText(statusCode)
	case statusCode >= 400 && statusCode < 500:
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorType = dispatchjob.ErrorTypeNotTransient
		attempt.ErrorMessage = "HTTP " + http.StatusText(statusCode)
	case statusCode >= 500:
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorType = dispatchjob.ErrorTypeTransient
		attempt.ErrorMessage = "HTTP " + http.StatusText(statusCode)
	default:
		attempt.Status = dispatchjob.DispatchAttemptStatusFailure
		attempt.ErrorType = dispatchjob.ErrorTypeUnknown
		attempt.ErrorMessage = "unexpected status " + http.StatusText(statusCode)
	}
}

// ackFalse reports whether a 2xx response body explicitly opts out of
// acknowledgement via {"ack": false}.
func ackFalse(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	var r model.MediationResponse
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
		return false
	}
	return !r.Ack && strings.Contains(trimmed, `"ack"`)
}

// finalizeAttempt completes the attempt record with timing
func (h *DispatchProcessingHandler) finalizeAttempt(attempt *dispatchjob.DispatchAttempt, startTime time.Time) *dispatchjob.DispatchAttempt {
	attempt.CompletedAt = time.Now()
	attempt.DurationMillis = time.Since(startTime).Milliseconds()
	return attempt
}

// calculateBackoffDelay calculates exponential backoff delay:
// delay = min(baseDelay * multiplier^(attempt-1), maxDelay)
func (h *DispatchProcessingHandler) calculateBackoffDelay(attemptCount int) int {
	const base = 3
	const multiplier = 2.0
	const maxDelay = 600

	delay := base
	for i := 1; i < attemptCount; i++ {
		delay = int(float64(delay) * multiplier)
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// extractBearerTokenFromHeader extracts the token from an Authorization header value
func extractBearerTokenFromHeader(authHeader string) string {
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
