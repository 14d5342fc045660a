package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/monkeyocr/gateway/gateway"
	"github.com/monkeyocr/gateway/gateway/trace"
)

// allowedExtensions is the upload allow-list.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// maxUploadBytes bounds the inline upload body.
const maxUploadBytes = 64 << 20

// TaskResponse is the submission response payload.
type TaskResponse struct {
	Success      bool   `json:"success"`
	TaskType     string `json:"task_type"`
	Content      string `json:"content,omitempty"`
	Message      string `json:"message,omitempty"`
	RequestID    string `json:"request_id"`
	ModelVersion string `json:"model_version,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// CallbackMessage is the worker completion payload, keyed by the correlation
// ID from the dispatch message.
type CallbackMessage struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Content       string `json:"content,omitempty"`
	Error         string `json:"error,omitempty"`
}

// urlSubmission is the body of /ocr/{task}/url: submit by artifact reference
// instead of inline upload.
type urlSubmission struct {
	URL string `json:"url"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind gateway.Kind) int {
	switch kind {
	case gateway.KindValidation:
		return http.StatusBadRequest
	case gateway.KindUpload, gateway.KindDispatch:
		return http.StatusBadGateway
	case gateway.KindRouting:
		return http.StatusServiceUnavailable
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	case gateway.KindCapacity:
		return http.StatusTooManyRequests
	case gateway.KindCancelled:
		// Client went away; the write is best-effort.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, func(req *gateway.Request) ([]byte, error) {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, gateway.E(gateway.KindValidation, "missing multipart file field: %v", err)
		}
		defer file.Close()
		if ext := strings.ToLower(filepath.Ext(header.Filename)); !allowedExtensions[ext] {
			return nil, gateway.E(gateway.KindValidation, "unsupported file type %q", ext)
		}
		req.Filename = header.Filename
		// Read one byte past the cap so an oversized upload is detected
		// instead of silently truncated.
		blob, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			return nil, gateway.E(gateway.KindValidation, "read upload: %v", err)
		}
		if len(blob) > maxUploadBytes {
			return nil, gateway.E(gateway.KindValidation, "file exceeds the %d byte upload limit", maxUploadBytes)
		}
		return blob, nil
	})
}

func (s *Server) handleOCRByURL(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, func(req *gateway.Request) ([]byte, error) {
		var sub urlSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			return nil, gateway.E(gateway.KindValidation, "decode submission: %v", err)
		}
		if sub.URL == "" {
			return nil, gateway.E(gateway.KindValidation, "url is required")
		}
		if ext := strings.ToLower(filepath.Ext(sub.URL)); ext != "" && !allowedExtensions[ext] {
			return nil, gateway.E(gateway.KindValidation, "unsupported file type %q", ext)
		}
		req.Filename = filepath.Base(sub.URL)
		blob, err := s.store.Get(r.Context(), sub.URL)
		if err != nil {
			return nil, gateway.Wrap(gateway.KindUpload, err)
		}
		return blob, nil
	})
}

// submit runs the full ingress path. The read function produces the input
// blob (inline upload or fetched by reference); everything after that is
// shared: upload, route, dispatch-and-await, respond. The latency record is
// emitted via defer so every exit path produces exactly one record.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, read func(*gateway.Request) ([]byte, error)) {
	req := &gateway.Request{
		ID:         uuid.NewString(),
		ReceivedAt: time.Now(),
		RemoteAddr: r.RemoteAddr,
	}
	rec := trace.LatencyRecord{
		RequestID:  req.ID,
		ReceivedAt: req.ReceivedAt,
	}
	outcome := trace.OutcomeSuccess

	defer func() {
		rec.ResolvedAt = time.Now()
		rec.TaskType = string(req.TaskType)
		rec.Outcome = outcome
		rec.TotalMS = rec.ResolvedAt.Sub(rec.ReceivedAt).Milliseconds()
		s.recorder.Record(rec)
		s.metrics.ObserveRequest(req.TaskType, outcome, rec.ResolvedAt.Sub(rec.ReceivedAt))
	}()

	fail := func(err error) {
		kind := gateway.KindOf(err)
		outcome = kind.String()
		logrus.Debugf("[ingress] request %s failed: %v", req.ID, err)
		writeJSON(w, statusFor(kind), TaskResponse{
			Success:    false,
			TaskType:   string(req.TaskType),
			Message:    err.Error(),
			RequestID:  req.ID,
			DurationMS: time.Since(req.ReceivedAt).Milliseconds(),
		})
	}

	task := r.PathValue("task")
	req.TaskType = gateway.TaskType(task)
	if !gateway.IsValidTaskType(task) {
		fail(gateway.E(gateway.KindValidation, "unknown task type %q", task))
		return
	}

	blob, err := read(req)
	if err != nil {
		fail(err)
		return
	}

	key := fmt.Sprintf("%s%s", req.ID, strings.ToLower(filepath.Ext(req.Filename)))
	ref, err := s.store.Put(r.Context(), key, blob)
	if err != nil {
		fail(gateway.Wrap(gateway.KindUpload, err))
		return
	}
	req.ArtifactRef = ref
	rec.UploadedAt = time.Now()

	decision, err := s.router.SelectTarget(req)
	if err != nil {
		fail(err)
		return
	}
	rec.TargetPool = decision.TargetPool

	rec.DispatchedAt = time.Now()
	deadline := rec.DispatchedAt.Add(s.cfg.DispatchTimeout())
	result, err := s.correlator.DispatchAndAwait(r.Context(), req, decision, deadline)
	if err != nil {
		fail(err)
		return
	}

	writeJSON(w, http.StatusOK, TaskResponse{
		Success:      true,
		TaskType:     string(req.TaskType),
		Content:      result.Payload,
		Message:      fmt.Sprintf("%s extraction completed successfully", req.TaskType),
		RequestID:    req.ID,
		ModelVersion: decision.TargetPool,
		DurationMS:   time.Since(req.ReceivedAt).Milliseconds(),
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var msg CallbackMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "error": err.Error()})
		return
	}
	if msg.CorrelationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "error": "correlation_id is required"})
		return
	}

	result := gateway.JobResult{Payload: msg.Content, CompletedAt: time.Now()}
	if !msg.Success {
		result.Err = gateway.E(gateway.KindDispatch, "worker reported failure: %s", msg.Error)
	}
	accepted := s.correlator.OnResult(msg.CorrelationID, result)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"in_flight": s.correlator.InFlight(),
		"pools":     s.router.Snapshot(),
	})
}

// handleReloadRouting swaps the routing weight table. This is the only
// hot-reloadable configuration; the body is the full replacement pool list.
func (s *Server) handleReloadRouting(w http.ResponseWriter, r *http.Request) {
	var pools []gateway.Pool
	if err := json.NewDecoder(r.Body).Decode(&pools); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := gateway.ValidatePools(pools); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.router.Reload(pools)
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.router.Snapshot()})
}

// handlePoolHealth consumes the externally-fed health signal for one pool.
func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Healthy *bool `json:"healthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Healthy == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be {\"healthy\": bool}"})
		return
	}
	s.router.SetHealthy(r.PathValue("pool"), *body.Healthy)
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.router.Snapshot()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("[ingress] write response: %v", err)
	}
}
