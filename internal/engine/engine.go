// Package engine implements the request-forwarding core: credential
// selection, the bounded retry/failover loop, outbound-proxy fan-out,
// streaming passthrough, and client-disconnect propagation.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/siliconpool/siliconpool/internal/availability"
	"github.com/siliconpool/siliconpool/internal/balance"
	"github.com/siliconpool/siliconpool/internal/blockdetect"
	"github.com/siliconpool/siliconpool/internal/httputil"
	"github.com/siliconpool/siliconpool/internal/monitoring"
	"github.com/siliconpool/siliconpool/internal/outbound"
	"github.com/siliconpool/siliconpool/internal/registry"
	"github.com/siliconpool/siliconpool/internal/selector"
)

// UpstreamBaseURL is the fixed upstream API root.
const UpstreamBaseURL = "https://api.siliconflow.cn/v1"

// Loop bounds: at most maxCredentialSwitches distinct credentials per client
// request, at most maxRetriesPerCredential+1 attempts each.
const (
	maxCredentialSwitches   = 10
	maxRetriesPerCredential = 3

	defaultRetryWait    = 30 * time.Second
	defaultPollInterval = time.Second
)

// Config wires the engine's collaborators. BaseURL, RetryWait, and
// PollInterval default when zero; tests shrink them.
type Config struct {
	Registry   *registry.Registry
	Usage      *registry.UsageLog
	Selector   *selector.Selector
	Controller *availability.Controller
	Prober     *balance.Prober
	AutoProber *balance.AutoProber
	Outbound   *outbound.Selector
	Detector   *blockdetect.Detector
	Metrics    *monitoring.Metrics
	Logger     *slog.Logger

	UpstreamTimeout time.Duration
	BaseURL         string
	RetryWait       time.Duration
	PollInterval    time.Duration
}

type Engine struct {
	registry   *registry.Registry
	usage      *registry.UsageLog
	selector   *selector.Selector
	controller *availability.Controller
	prober     *balance.Prober
	autoProber *balance.AutoProber
	outbound   *outbound.Selector
	detector   *blockdetect.Detector
	metrics    *monitoring.Metrics
	logger     *slog.Logger

	client  *http.Client
	baseURL string

	retryWait    time.Duration
	pollInterval time.Duration
}

func New(cfg Config) *Engine {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = UpstreamBaseURL
	}
	retryWait := cfg.RetryWait
	if retryWait == 0 {
		retryWait = defaultRetryWait
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	return &Engine{
		registry:     cfg.Registry,
		usage:        cfg.Usage,
		selector:     cfg.Selector,
		controller:   cfg.Controller,
		prober:       cfg.Prober,
		autoProber:   cfg.AutoProber,
		outbound:     cfg.Outbound,
		detector:     cfg.Detector,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		client:       httputil.NewUpstreamClient(cfg.UpstreamTimeout),
		baseURL:      baseURL,
		retryWait:    retryWait,
		pollInterval: pollInterval,
	}
}

// Terminal states of one credential's attempt sequence.
const (
	credDone = iota
	credBlocked
	credRotate
	credDisconnected
)

type credResult struct {
	kind    int
	outcome string // terminal outcome label when kind == credDone
	errText string // last error text when kind == credRotate
	timeout bool
}

// Forward serves one client request end to end. The body has already been
// read and validated by the gateway; streaming tells whether the client
// asked for an SSE response.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, body []byte, streaming bool) {
	start := time.Now()
	log := e.logger.With("request_id", uuid.NewString())

	outcome := e.forward(r.Context(), w, body, streaming, log)

	e.metrics.RecordRequest(outcome, time.Since(start))
	e.metrics.UpdateCredentialsAvailable(e.selector.AvailableCount())
	log.Debug("request finished", "outcome", outcome, "duration", time.Since(start))
}

func (e *Engine) forward(ctx context.Context, w http.ResponseWriter, body []byte, streaming bool, log *slog.Logger) string {
	// Precondition 1: an active soft-block answers without upstream work.
	if rec := e.detector.Active(); rec != nil {
		log.Warn("request rejected: source IP blocked", "unblock_at", rec.UnblockAt)
		WriteErrorBlocked(w, rec)
		return ErrTypeIPBlocked
	}

	// Precondition 2: a usable credential must exist.
	cred, err := e.selector.Current(ctx)
	if err != nil {
		if !errors.Is(err, selector.ErrNoCredentials) {
			log.Error("credential selection failed", "error", err)
			WriteErrorInternal(w)
			return ErrTypeInternalError
		}
		WriteErrorServiceUnavailable(w, "no usable credentials")
		return ErrTypeServiceUnavailable
	}

	var (
		prevFailedID int64
		lastErrText  = "no usable credentials"
		lastTimeout  bool
	)

	for switches := 0; switches < maxCredentialSwitches; switches++ {
		if ctx.Err() != nil {
			return ErrTypeRequestAborted
		}

		res := e.tryCredential(ctx, w, cred, body, streaming, log)
		switch res.kind {
		case credDone:
			if prevFailedID != 0 && prevFailedID != cred.ID {
				e.restorePrevious(ctx, prevFailedID, log)
			}
			return res.outcome

		case credBlocked:
			return ErrTypeIPBlocked

		case credDisconnected:
			log.Debug("client disconnected, aborting")
			return ErrTypeRequestAborted

		case credRotate:
			lastErrText = res.errText
			lastTimeout = res.timeout
			prevFailedID = cred.ID
			e.metrics.RecordRotation()

			next, err := e.selector.Advance(ctx)
			if err != nil {
				if !errors.Is(err, selector.ErrNoCredentials) {
					log.Error("credential rotation failed", "error", err)
				}
				return e.writeExhausted(w, lastErrText, lastTimeout)
			}
			log.Info("rotating credential",
				"from_credential_id", cred.ID,
				"to_credential_id", next.ID,
			)
			cred = next
		}
	}

	return e.writeExhausted(w, lastErrText, lastTimeout)
}

func (e *Engine) writeExhausted(w http.ResponseWriter, lastErrText string, timeout bool) string {
	if timeout {
		WriteErrorGatewayTimeout(w, lastErrText)
		return ErrTypeGatewayTimeout
	}
	WriteErrorServiceUnavailable(w, lastErrText)
	return ErrTypeServiceUnavailable
}

// tryCredential runs the bounded attempt sequence for one credential.
func (e *Engine) tryCredential(ctx context.Context, w http.ResponseWriter, cred *registry.Credential, body []byte, streaming bool, log *slog.Logger) credResult {
	log = log.With("credential_id", cred.ID)

	for attempt := 0; attempt <= maxRetriesPerCredential; attempt++ {
		if ctx.Err() != nil {
			return credResult{kind: credDisconnected}
		}

		resp, pinnedID, dispatchErr := e.dispatch(ctx, cred.Secret, body)

		if dispatchErr != nil {
			if ctx.Err() != nil {
				return credResult{kind: credDisconnected}
			}
			e.metrics.RecordAttempt("transport_error")
			if pinnedID != 0 {
				e.outbound.ReportPinFailure(ctx, pinnedID)
			}
			log.Warn("upstream dispatch failed", "attempt", attempt, "error", dispatchErr)

			res := e.handleFailure(ctx, w, cred, body, streaming, attempt, 0, nil, dispatchErr, log)
			if res != nil {
				return *res
			}
			continue
		}

		if resp.StatusCode < 400 {
			e.metrics.RecordAttempt("success")
			return e.deliver(ctx, w, cred, resp, streaming, log)
		}

		respBody := readErrorBody(resp)
		e.metrics.RecordAttemptStatus(resp.StatusCode)
		if pinnedID != 0 && isNetworkTroubleStatus(resp.StatusCode) {
			e.outbound.ReportPinFailure(ctx, pinnedID)
		}
		log.Warn("upstream returned error status", "attempt", attempt, "status", resp.StatusCode)

		if blockdetect.Inspect(respBody) {
			return e.handleSoftBlock(ctx, w, cred, resp.StatusCode, respBody, log)
		}

		res := e.handleFailure(ctx, w, cred, body, streaming, attempt, resp.StatusCode, respBody, nil, log)
		if res != nil {
			return *res
		}
	}

	// Unreachable: handleFailure returns credRotate on the last attempt.
	return credResult{kind: credRotate, errText: "retries exhausted"}
}

// handleSoftBlock records the cooldown and answers immediately. No rotation,
// no probes, no retries: further upstream traffic would extend the block.
func (e *Engine) handleSoftBlock(ctx context.Context, w http.ResponseWriter, cred *registry.Credential, statusCode int, respBody []byte, log *slog.Logger) credResult {
	e.metrics.RecordSoftBlock()
	e.usage.Record(cred.ID, false, failureDetail(statusCode, respBody, nil))

	rec, err := e.detector.Block(ctx, "upstream busy signal, status "+httpStatusText(statusCode))
	if err != nil {
		log.Error("failed to record block", "error", err)
		WriteErrorInternal(w)
		return credResult{kind: credDone, outcome: ErrTypeInternalError}
	}

	WriteErrorBlocked(w, rec)
	return credResult{kind: credBlocked}
}

// handleFailure applies the post-failure policy for one attempt. A nil
// return means the caller should retry the same credential.
func (e *Engine) handleFailure(ctx context.Context, w http.ResponseWriter, cred *registry.Credential, body []byte, streaming bool, attempt, statusCode int, respBody []byte, dispatchErr error, log *slog.Logger) *credResult {
	errText := shortErrText(statusCode, respBody, dispatchErr)
	e.usage.Record(cred.ID, false, failureDetail(statusCode, respBody, dispatchErr))
	if err := e.controller.OnFailure(ctx, cred.ID, errText); err != nil {
		log.Error("failed to record credential failure", "error", err)
	}

	// First failure with network/IP symptoms: sweep the outbound proxies.
	// A working proxy turns this attempt into a success.
	if attempt == 0 && (dispatchErr != nil || isNetworkTroubleStatus(statusCode)) {
		resp, proxyID, fanErr := e.outbound.Dispatch(ctx, e.fanOutAttempt(ctx, cred.Secret, body), usableResponse)
		switch {
		case fanErr == nil:
			e.metrics.RecordFanout("success")
			log.Info("proxy fan-out succeeded", "proxy_id", proxyID)
			res := e.deliverFanOut(ctx, w, cred, resp, streaming, log)
			return &res
		case errors.Is(fanErr, outbound.ErrDisabled):
		case errors.Is(fanErr, context.Canceled):
			return &credResult{kind: credDisconnected}
		default:
			e.metrics.RecordFanout("all_failed")
			log.Warn("proxy fan-out exhausted", "error", fanErr)
		}
	}

	if ctx.Err() != nil {
		return &credResult{kind: credDisconnected}
	}

	// A post-failure probe below the floor demotes the credential and moves
	// on; waiting out retries on an empty key helps nobody.
	probeRes := e.prober.Probe(ctx, cred.Secret)
	demoted, err := e.controller.ApplyProbeAfterFailure(ctx, cred.ID, probeRes)
	if err != nil {
		log.Error("failed to apply post-failure probe", "error", err)
	}
	if demoted {
		return &credResult{kind: credRotate, errText: errText, timeout: isTimeoutError(dispatchErr)}
	}

	if attempt < maxRetriesPerCredential {
		e.metrics.RecordRetryWait()
		if !e.waitForRetry(ctx) {
			return &credResult{kind: credDisconnected}
		}
		return nil
	}

	return &credResult{kind: credRotate, errText: errText, timeout: isTimeoutError(dispatchErr)}
}

// deliver completes a successful upstream response toward the client.
func (e *Engine) deliver(ctx context.Context, w http.ResponseWriter, cred *registry.Credential, resp *http.Response, streaming bool, log *slog.Logger) credResult {
	count, err := e.registry.IncrementCalls(ctx, cred.ID)
	if err != nil {
		log.Error("failed to increment call count", "error", err)
	}
	if err := e.controller.OnSuccess(ctx, cred.ID); err != nil {
		log.Error("failed to record credential success", "error", err)
	}
	e.autoProber.MaybeSchedule(cred.ID, cred.Secret, count)

	if streaming {
		// The success entry is written at dispatch time; a mid-stream
		// disconnect adds nothing further.
		e.usage.Record(cred.ID, true, streamDetail(resp.Header.Get("X-Request-Id")))

		switch e.pumpStream(ctx, w, resp, log) {
		case streamCompleted:
			return credResult{kind: credDone, outcome: "success"}
		case streamFailedBeforeData:
			WriteErrorStream(w, "upstream closed the stream before sending data")
			return credResult{kind: credDone, outcome: ErrTypeStreamError}
		case streamClientGone:
			return credResult{kind: credDisconnected}
		default:
			return credResult{kind: credDone, outcome: ErrTypeStreamError}
		}
	}

	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read upstream response", "error", err)
		WriteErrorStream(w, "upstream response truncated")
		return credResult{kind: credDone, outcome: ErrTypeStreamError}
	}

	e.usage.Record(cred.ID, true, successDetail(respBody))

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if id := resp.Header.Get("X-Request-Id"); id != "" {
		w.Header().Set("X-Request-Id", id)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		log.Debug("failed to write response to client", "error", err)
	}
	return credResult{kind: credDone, outcome: "success"}
}

// deliverFanOut forwards the response obtained through a freshly pinned
// proxy. A usable response with an error status is still terminal: the
// route works, the rest is between the client and the upstream.
func (e *Engine) deliverFanOut(ctx context.Context, w http.ResponseWriter, cred *registry.Credential, resp *http.Response, streaming bool, log *slog.Logger) credResult {
	if resp.StatusCode < 400 {
		return e.deliver(ctx, w, cred, resp, streaming, log)
	}

	respBody := readErrorBody(resp)
	e.usage.Record(cred.ID, false, failureDetail(resp.StatusCode, respBody, nil))

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	return credResult{kind: credDone, outcome: "upstream_error"}
}

// waitForRetry sleeps the inter-retry delay cooperatively, polling the
// client-disconnect signal every tick. Returns false when the client went
// away.
func (e *Engine) waitForRetry(ctx context.Context) bool {
	deadline := time.Now().Add(e.retryWait)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				return true
			}
		}
	}
}

// restorePrevious reconsiders the credential that failed just before this
// request succeeded on another one: a single probe, restore iff the balance
// is back above the floor. There is deliberately no background sweep.
func (e *Engine) restorePrevious(ctx context.Context, id int64, log *slog.Logger) {
	if ctx.Err() != nil {
		return
	}

	cred, err := e.registry.Get(ctx, id)
	if err != nil {
		return
	}

	res := e.prober.Probe(ctx, cred.Secret)
	restored, err := e.controller.TryRestore(ctx, id, res)
	if err != nil {
		log.Error("failed to restore credential", "credential_id", id, "error", err)
		return
	}
	if restored {
		log.Info("recovered previously failing credential", "credential_id", id)
	}
}

func shortErrText(statusCode int, respBody []byte, dispatchErr error) string {
	if dispatchErr != nil {
		return truncateDetail(dispatchErr.Error())
	}
	text := "upstream status " + httpStatusText(statusCode)
	if len(respBody) > 0 {
		text += ": " + truncateDetail(string(respBody))
	}
	return truncateDetail(text)
}

// httpStatusText keeps usage rows and last_error fields readable without a
// status-code lookup.
func httpStatusText(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
