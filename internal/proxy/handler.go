package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/kirogate/internal/compress"
	"github.com/allaspectsdev/kirogate/internal/credential"
	"github.com/allaspectsdev/kirogate/internal/debugdump"
	"github.com/allaspectsdev/kirogate/internal/kiro"
	"github.com/allaspectsdev/kirogate/internal/metrics"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
	"github.com/allaspectsdev/kirogate/internal/store"
	"github.com/allaspectsdev/kirogate/internal/tokenizer"
	"github.com/allaspectsdev/kirogate/internal/tracing"
)

// Anthropic error types used in responses.
const (
	errInvalidRequest = "invalid_request_error"
	errTooLarge       = "request_too_large"
	errRateLimit      = "rate_limit_error"
	errAPI            = "api_error"
	errOverloaded     = "overloaded_error"
)

// statusClientClosed is recorded when the client went away mid-request.
const statusClientClosed = 499

// Sender posts a serialized request upstream. *kiro.Client implements it.
type Sender interface {
	Send(ctx context.Context, body []byte, auth kiro.Auth) ([]byte, error)
}

// HandlerConfig carries the collaborators of a ProxyHandler. Dumper, Store,
// Metrics and Tokenizer may be nil.
type HandlerConfig struct {
	Chain       *pipeline.Chain
	Pool        *credential.Pool
	Sender      Sender
	Dumper      *debugdump.Dumper
	Store       *store.Store
	Metrics     *metrics.Metrics
	Tokenizer   *tokenizer.Tokenizer
	Logger      zerolog.Logger
	ProfileARN  string
	MaxBodySize int64
	Retry       RetryConfig
}

// ProxyHandler serves the Anthropic Messages API on top of the upstream.
// Each request is shaped by the pipeline chain, sent with the best available
// credential, retried on other credentials when the upstream rejects one,
// and checked for truncated tool calls before it is returned.
type ProxyHandler struct {
	chain       *pipeline.Chain
	pool        *credential.Pool
	sender      Sender
	dumper      *debugdump.Dumper
	store       *store.Store
	metrics     *metrics.Metrics
	tokenizer   *tokenizer.Tokenizer
	logger      zerolog.Logger
	profileARN  string
	maxBodySize int64
	retry       RetryConfig
}

// NewProxyHandler creates a ProxyHandler. A MaxAttempts below 1 is treated
// as 1.
func NewProxyHandler(cfg HandlerConfig) *ProxyHandler {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &ProxyHandler{
		chain:       cfg.Chain,
		pool:        cfg.Pool,
		sender:      cfg.Sender,
		dumper:      cfg.Dumper,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		tokenizer:   cfg.Tokenizer,
		logger:      cfg.Logger,
		profileARN:  cfg.ProfileARN,
		maxBodySize: cfg.MaxBodySize,
		retry:       cfg.Retry,
	}
}

// outcome is what gets persisted for each request.
type outcome struct {
	status       int
	credentialID uint64
	attempts     int
	tokensOut    int
	truncations  int
	err          string
}

// HandleMessages serves POST /v1/messages.
func (h *ProxyHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	requestID := uuid.New().String()

	logger := h.logger.With().
		Str("request_id", requestID).
		Str("path", r.URL.Path).
		Logger()

	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeAnthropicError(w, http.StatusRequestEntityTooLarge, errTooLarge, "request body too large")
			return
		}
		logger.Error().Err(err).Msg("failed to read request body")
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	pipeReq, err := ParseAnthropicRequest(body)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to parse request")
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if pipeReq.Model == "" {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "model is required")
		return
	}
	pipeReq.ID = requestID
	pipeReq.ReceivedAt = startTime
	pipeReq.TokensIn = h.countInput(pipeReq)

	logger = logger.With().
		Str("model", pipeReq.Model).
		Bool("stream", pipeReq.Stream).
		Logger()
	logger.Info().Int("tools", len(pipeReq.Tools)).Msg("processing request")
	tracing.SetRequestAttributes(ctx, requestID, pipeReq.Model, len(pipeReq.Tools), pipeReq.Stream)

	pipeReq, err = h.chain.ProcessRequest(ctx, pipeReq)
	if err != nil {
		logger.Error().Err(err).Msg("pipeline request processing failed")
		writeAnthropicError(w, http.StatusInternalServerError, errAPI, "internal pipeline error")
		h.record(pipeReq, startTime, outcome{status: http.StatusInternalServerError, err: err.Error()})
		return
	}

	upReq, err := buildUpstreamRequest(pipeReq, h.profileARN)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		h.record(pipeReq, startTime, outcome{status: http.StatusBadRequest, err: err.Error()})
		return
	}
	upBody, err := json.Marshal(upReq)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode upstream request")
		writeAnthropicError(w, http.StatusInternalServerError, errAPI, "failed to encode upstream request")
		return
	}

	respBody, credID, attempts, err := h.send(ctx, logger, pipeReq.Model, upBody)
	if err != nil {
		status := h.writeSendError(w, logger, pipeReq.Model, upBody, err)
		h.record(pipeReq, startTime, outcome{status: status, credentialID: credID, attempts: attempts, err: err.Error()})
		tracing.SetResponseAttributes(ctx, status, attempts, 0, credID)
		return
	}

	_, _ = h.dumper.DumpOKRequest(pipeReq.Model, upBody)

	upResp, err := kiro.DecodeResponse(respBody)
	if err != nil {
		logger.Error().Err(err).Uint64("credential_id", credID).Msg("failed to decode upstream response")
		writeAnthropicError(w, http.StatusBadGateway, errAPI, "invalid upstream response")
		h.record(pipeReq, startTime, outcome{status: http.StatusBadGateway, credentialID: credID, attempts: attempts, err: err.Error()})
		return
	}

	pipeResp := toPipelineResponse(requestID, kiro.Assemble(upResp.Events))
	pipeResp.Model = pipeReq.Model
	pipeResp.CredentialID = credID
	pipeResp.Attempts = attempts

	pipeResp, err = h.chain.ProcessResponse(ctx, pipeReq, pipeResp)
	if err != nil {
		logger.Error().Err(err).Msg("pipeline response processing failed")
		writeAnthropicError(w, http.StatusInternalServerError, errAPI, "internal pipeline error")
		h.record(pipeReq, startTime, outcome{status: http.StatusInternalServerError, credentialID: credID, attempts: attempts, err: err.Error()})
		return
	}
	pipeResp.TokensOut = h.countOutput(pipeResp)
	pipeResp.Latency = time.Since(startTime)

	msg := renderMessage(pipeReq, pipeResp)
	if pipeReq.Stream {
		err = writeMessageStream(w, msg)
	} else {
		err = writeJSON(w, http.StatusOK, msg)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to write response body")
	}

	h.record(pipeReq, startTime, outcome{
		status:       http.StatusOK,
		credentialID: credID,
		attempts:     attempts,
		tokensOut:    pipeResp.TokensOut,
		truncations:  pipeResp.Truncations,
	})
	tracing.SetResponseAttributes(ctx, http.StatusOK, attempts, pipeResp.Truncations, credID)

	logger.Info().
		Dur("latency", pipeResp.Latency).
		Uint64("credential_id", credID).
		Int("attempts", attempts).
		Int("truncations", pipeResp.Truncations).
		Msg("request completed")
}

// send tries credentials until one succeeds, the upstream rejects the
// request itself, or MaxAttempts is reached. Each failed credential is
// excluded for the rest of the request and cooled down when the failure
// says so. It returns the id of the last credential used.
func (h *ProxyHandler) send(ctx context.Context, logger zerolog.Logger, model string, body []byte) ([]byte, uint64, int, error) {
	exclude := make(map[uint64]bool)
	var (
		lastErr  error
		lastID   uint64
		attempts int
	)

	for attempts < h.retry.MaxAttempts {
		lease, err := h.pool.Acquire(exclude)
		if err != nil {
			if lastErr != nil {
				return nil, lastID, attempts, fmt.Errorf("%w (last upstream error: %v)", err, lastErr)
			}
			return nil, 0, attempts, err
		}
		if attempts > 0 {
			if err := sleepWithContext(ctx, backoffDelay(attempts-1, h.retry.BaseDelay, h.retry.MaxDelay)); err != nil {
				return nil, lastID, attempts, err
			}
		}
		attempts++
		lastID = lease.ID
		exclude[lease.ID] = true

		resp, err := h.sender.Send(ctx, body, kiro.Auth{
			CredentialID: lease.ID,
			Token:        lease.Token,
			Fingerprint:  lease.Fingerprint,
		})
		if err == nil {
			h.metrics.ObserveAttempt("ok")
			return resp, lease.ID, attempts, nil
		}
		if ctx.Err() != nil {
			return nil, lease.ID, attempts, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, kiro.ErrResponseTooLarge) {
			h.metrics.ObserveAttempt("rejected")
			return nil, lease.ID, attempts, err
		}

		v := kiro.Classify(err)
		switch {
		case v.Cooldown:
			d := h.pool.ReportFailure(lease.ID, v.Reason, v.Override)
			h.metrics.ObserveAttempt("cooldown")
			tracing.RecordCooldown(ctx, lease.ID, v.Reason, d)
			logger.Warn().
				Err(err).
				Uint64("credential_id", lease.ID).
				Str("credential", lease.Name).
				Str("reason", v.Reason.String()).
				Dur("duration", d).
				Int("attempt", attempts).
				Msg("credential failed, trying next")
		case v.TryNext:
			h.metrics.ObserveAttempt("transport")
			logger.Warn().
				Err(err).
				Uint64("credential_id", lease.ID).
				Int("attempt", attempts).
				Msg("upstream transport error, trying next")
		default:
			h.metrics.ObserveAttempt("rejected")
			return nil, lease.ID, attempts, err
		}
	}
	return nil, lastID, attempts, lastErr
}

// writeSendError answers the client after send gave up and returns the
// status written.
func (h *ProxyHandler) writeSendError(w http.ResponseWriter, logger zerolog.Logger, model string, upBody []byte, err error) int {
	var (
		unavailable *credential.UnavailableError
		serr        *kiro.StatusError
	)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info().Msg("client cancelled request")
		return statusClientClosed

	case errors.As(err, &unavailable):
		logger.Warn().Err(err).Msg("no credential available")
		if unavailable.Cooling > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(unavailable.RetryIn))
			writeAnthropicError(w, http.StatusTooManyRequests, errRateLimit, err.Error())
			return http.StatusTooManyRequests
		}
		writeAnthropicError(w, http.StatusServiceUnavailable, errOverloaded, err.Error())
		return http.StatusServiceUnavailable

	case errors.As(err, &serr) && serr.StatusCode == http.StatusBadRequest:
		path, _ := h.dumper.DumpBadRequest(model, upBody, err.Error())
		logger.Warn().
			Str("dump", path).
			Int("tools_bytes", debugdump.ToolsLength(upBody)).
			Msg("upstream rejected request")
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, string(serr.Body))
		return http.StatusBadRequest

	case errors.As(err, &serr) && serr.StatusCode == http.StatusTooManyRequests:
		if serr.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(serr.RetryAfter))
		}
		writeAnthropicError(w, http.StatusTooManyRequests, errRateLimit, err.Error())
		return http.StatusTooManyRequests

	default:
		logger.Error().Err(err).Msg("upstream request failed")
		writeAnthropicError(w, http.StatusBadGateway, errAPI, err.Error())
		return http.StatusBadGateway
	}
}

func (h *ProxyHandler) countInput(req *pipeline.Request) int {
	if h.tokenizer == nil {
		return 0
	}
	msgs := make([]tokenizer.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, tokenizer.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, tokenizer.Message{Role: m.Role, Content: contentText(m.Content)})
	}
	return h.tokenizer.CountMessages(msgs)
}

func (h *ProxyHandler) countOutput(resp *pipeline.Response) int {
	if h.tokenizer == nil {
		return 0
	}
	n := h.tokenizer.CountTokens(resp.Text)
	for _, tu := range resp.ToolUses {
		n += h.tokenizer.CountTokens(tu.RawInput)
	}
	return n
}

// record persists the request and updates request metrics.
func (h *ProxyHandler) record(req *pipeline.Request, start time.Time, o outcome) {
	latency := time.Since(start)
	h.metrics.ObserveRequest(o.status, latency.Seconds())
	if h.store == nil || req == nil {
		return
	}
	err := h.store.InsertRequest(&store.Request{
		ID:                 req.ID,
		Timestamp:          start.UTC().Format(time.RFC3339),
		Model:              req.Model,
		CredentialID:       o.credentialID,
		StatusCode:         o.status,
		LatencyMs:          latency.Milliseconds(),
		Attempts:           o.attempts,
		TokensIn:           int64(req.TokensIn),
		TokensOut:          int64(o.tokensOut),
		ToolsOriginalBytes: int64(metaInt(req.Metadata, compress.MetaToolsOriginalBytes)),
		ToolsFinalBytes:    int64(metaInt(req.Metadata, compress.MetaToolsFinalBytes)),
		ToolsElevated:      metaInt(req.Metadata, compress.MetaToolsElevated),
		Truncations:        o.truncations,
		ErrorMessage:       o.err,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("request_id", req.ID).Msg("failed to persist request")
	}
}

func metaInt(meta map[string]interface{}, key string) int {
	if v, ok := meta[key].(int); ok {
		return v
	}
	return 0
}

// HandleHealth reports liveness and how many credentials can serve.
func (h *ProxyHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	total, available := 0, 0
	for _, s := range h.pool.Snapshot() {
		total++
		if s.Available {
			available++
		}
	}
	status := "ok"
	if available == 0 {
		status = "degraded"
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                status,
		"credentials":           total,
		"credentials_available": available,
	})
}

// HandleReady answers 200 when the store is reachable and at least one
// credential can serve, 503 otherwise.
func (h *ProxyHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("readiness: store unreachable")
			_ = writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "store unreachable"})
			return
		}
	}
	for _, s := range h.pool.Snapshot() {
		if s.Available {
			_ = writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	_ = writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "no credential available"})
}

// retryAfterSeconds renders d as a Retry-After value, rounded up to at
// least one second.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// writeAnthropicError writes an error in the Messages API error shape.
func writeAnthropicError(w http.ResponseWriter, statusCode int, errType, message string) {
	_ = writeJSON(w, statusCode, map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
}
