package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeyocr/gateway/gateway"
	"github.com/monkeyocr/gateway/gateway/artifact"
	"github.com/monkeyocr/gateway/gateway/trace"
)

// collectRecorder captures latency records for assertions.
type collectRecorder struct {
	mu      sync.Mutex
	records []trace.LatencyRecord
}

func (c *collectRecorder) Record(rec trace.LatencyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *collectRecorder) all() []trace.LatencyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]trace.LatencyRecord(nil), c.records...)
}

// workerMode controls how the fake worker tier answers dispatches.
type workerMode int

const (
	workerEcho   workerMode = iota // accept, then call back with content
	workerSilent                   // accept, never call back
	workerFail                     // accept, call back with success=false
)

// testGateway stands up the full stack behind an httptest server, plus a fake
// worker tier that answers dispatch messages by POSTing callbacks to the
// gateway's own callback intake.
type testGateway struct {
	ts       *httptest.Server
	worker   *httptest.Server
	recorder *collectRecorder
	cfg      gateway.Config
	router   *gateway.Router
	corr     *gateway.Correlator
}

func newTestGateway(t *testing.T, mode workerMode, mutate func(*gateway.Config)) *testGateway {
	t.Helper()

	// The worker needs the gateway URL for callbacks, and the gateway needs
	// the worker URL for dispatch; close the loop through this variable.
	var callbackURL string
	var mu sync.Mutex

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg gateway.DispatchMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		w.WriteHeader(http.StatusAccepted)
		if mode == workerSilent {
			return
		}
		go func() {
			cb := CallbackMessage{CorrelationID: msg.CorrelationID}
			if mode == workerFail {
				cb.Error = "model crashed"
			} else {
				cb.Success = true
				cb.Content = fmt.Sprintf("# OCR result for %s", msg.ArtifactRef)
			}
			body, _ := json.Marshal(cb)
			mu.Lock()
			url := callbackURL
			mu.Unlock()
			resp, err := http.Post(url, "application/json", bytes.NewReader(body))
			if err == nil {
				resp.Body.Close()
			}
		}()
	}))
	t.Cleanup(worker.Close)

	cfg := gateway.DefaultConfig()
	cfg.DispatchTimeoutMS = 2000
	cfg.MaxRetryAttempts = 2
	cfg.RoutingPools = []gateway.Pool{{Name: "v1", Weight: 1, Endpoint: worker.URL}}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	recorder := &collectRecorder{}
	metrics := gateway.NewMetrics(nil)
	router := gateway.NewRouter(cfg.RoutingPools, 42)
	dispatcher := gateway.NewHTTPDispatcher(nil, "", cfg.MaxRetryAttempts,
		5*time.Millisecond, 50*time.Millisecond, metrics)
	corr := gateway.NewCorrelator(cfg.MaxInFlight, dispatcher, metrics)
	dispatcher.Bind(corr)

	srv := New(cfg, router, corr, artifact.NewMemoryStore(), recorder, metrics, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	mu.Lock()
	callbackURL = ts.URL + "/internal/callback"
	mu.Unlock()

	return &testGateway{ts: ts, worker: worker, recorder: recorder, cfg: cfg, router: router, corr: corr}
}

// postFile submits a multipart upload to /ocr/{task}.
func (tg *testGateway) postFile(t *testing.T, task, filename string) (*http.Response, TaskResponse) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("fake image bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(tg.ts.URL+"/ocr/"+task, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	var tr TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	return resp, tr
}

func TestIngress_SuccessfulOCRRequest(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	resp, tr := tg.postFile(t, "text", "scan.png")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, tr.Success)
	assert.Equal(t, "text", tr.TaskType)
	assert.Contains(t, tr.Content, "# OCR result for")
	assert.Equal(t, "v1", tr.ModelVersion)
	assert.NotEmpty(t, tr.RequestID)

	// Exactly one latency record, with the success outcome and stage order.
	records := tg.recorder.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, trace.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "v1", rec.TargetPool)
	assert.False(t, rec.UploadedAt.Before(rec.ReceivedAt))
	assert.False(t, rec.DispatchedAt.Before(rec.UploadedAt))
	assert.False(t, rec.ResolvedAt.Before(rec.DispatchedAt))
	assert.Equal(t, 0, tg.corr.InFlight())
}

func TestIngress_RejectsUnknownTaskType(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	resp, tr := tg.postFile(t, "translate", "scan.png")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, tr.Success)

	records := tg.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, "validation_error", records[0].Outcome)
}

func TestIngress_RejectsUnsupportedExtension(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	resp, tr := tg.postFile(t, "text", "document.docx")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, tr.Success)
	assert.Contains(t, tr.Message, "unsupported file type")
}

func TestIngress_RejectsOversizedUpload(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "huge.pdf")
	require.NoError(t, err)
	_, err = part.Write(make([]byte, maxUploadBytes+1))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(tg.ts.URL+"/ocr/text", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	var tr TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, tr.Success)
	assert.Contains(t, tr.Message, "upload limit")

	// Rejected before upload and routing: nothing stored, nothing dispatched.
	records := tg.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, "validation_error", records[0].Outcome)
	assert.Empty(t, records[0].TargetPool)
}

func TestIngress_TimeoutWhenWorkerSilent(t *testing.T) {
	tg := newTestGateway(t, workerSilent, func(cfg *gateway.Config) {
		cfg.DispatchTimeoutMS = 150
	})

	start := time.Now()
	resp, tr := tg.postFile(t, "table", "scan.pdf")

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.False(t, tr.Success)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	records := tg.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, gateway.KindTimeout.String(), records[0].Outcome)
	assert.Equal(t, 0, tg.corr.InFlight())
}

func TestIngress_WorkerFailureSurfacesAsDispatchError(t *testing.T) {
	tg := newTestGateway(t, workerFail, nil)

	resp, tr := tg.postFile(t, "formula", "eq.jpg")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, tr.Success)
	assert.Contains(t, tr.Message, "model crashed")
}

func TestIngress_CapacityRejectionAtCeiling(t *testing.T) {
	tg := newTestGateway(t, workerSilent, func(cfg *gateway.Config) {
		cfg.MaxInFlight = 1
		cfg.DispatchTimeoutMS = 3000
	})

	first := make(chan TaskResponse, 1)
	go func() {
		_, tr := tg.postFile(t, "text", "slow.png")
		first <- tr
	}()
	require.Eventually(t, func() bool { return tg.corr.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, tr := tg.postFile(t, "text", "rejected.png")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, tr.Success)

	// The first request is still pending; let it time out and drain.
	out := <-first
	assert.False(t, out.Success)
}

func TestCallback_DuplicateNotAccepted(t *testing.T) {
	tg := newTestGateway(t, workerSilent, func(cfg *gateway.Config) {
		cfg.DispatchTimeoutMS = 200
	})

	// No pending ticket exists for this correlation ID.
	body, _ := json.Marshal(CallbackMessage{CorrelationID: "nonexistent", Success: true, Content: "late"})
	resp, err := http.Post(tg.ts.URL+"/internal/callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["accepted"])
}

func TestCallback_RequiresCorrelationID(t *testing.T) {
	tg := newTestGateway(t, workerSilent, nil)

	resp, err := http.Post(tg.ts.URL+"/internal/callback", "application/json", bytes.NewReader([]byte(`{"success":true}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz_ReportsPools(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	resp, err := http.Get(tg.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Status   string               `json:"status"`
		InFlight int                  `json:"in_flight"`
		Pools    []gateway.PoolHealth `json:"pools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "healthy", out.Status)
	require.Len(t, out.Pools, 1)
	assert.Equal(t, "v1", out.Pools[0].Name)
	assert.True(t, out.Pools[0].Healthy)
}

func TestAdmin_RoutingReload(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	pools := []gateway.Pool{
		{Name: "v1", Weight: 1, Endpoint: tg.worker.URL},
		{Name: "v2", Weight: 3, Endpoint: tg.worker.URL},
	}
	body, _ := json.Marshal(pools)
	resp, err := http.Post(tg.ts.URL+"/admin/routing", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := tg.router.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 3.0, snap[1].Weight)
}

func TestAdmin_RoutingReloadRejectsBadTable(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	body, _ := json.Marshal([]gateway.Pool{{Name: "", Weight: 1, Endpoint: "http://x"}})
	resp, err := http.Post(tg.ts.URL+"/admin/routing", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Old table still in effect.
	require.Len(t, tg.router.Snapshot(), 1)
}

func TestAdmin_PoolHealthSignal(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	resp, err := http.Post(tg.ts.URL+"/admin/pools/v1/health", "application/json",
		bytes.NewReader([]byte(`{"healthy": false}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// With the only pool unhealthy the next submission fails routing.
	r2, tr := tg.postFile(t, "text", "scan.png")
	assert.Equal(t, http.StatusServiceUnavailable, r2.StatusCode)
	assert.False(t, tr.Success)
}

func TestIngress_SubmitByURL(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	// Seed the store through a plain upload first, then resubmit by reference.
	_, first := tg.postFile(t, "text", "scan.png")
	require.True(t, first.Success)

	ref := fmt.Sprintf("mem://%s.png", first.RequestID)

	body, _ := json.Marshal(map[string]string{"url": ref})
	resp, err := http.Post(tg.ts.URL+"/ocr/text/url", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var tr TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, tr.Success)
}

func TestIngress_SubmitByURLUnknownRef(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	body, _ := json.Marshal(map[string]string{"url": "mem://never-uploaded.png"})
	resp, err := http.Post(tg.ts.URL+"/ocr/text/url", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var tr TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, tr.Success)

	records := tg.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, "upload_error", records[0].Outcome)
}

func TestIngress_EveryOutcomeEmitsOneRecord(t *testing.T) {
	tg := newTestGateway(t, workerEcho, nil)

	tg.postFile(t, "text", "scan.png")  // success
	tg.postFile(t, "bogus", "scan.png") // validation
	tg.postFile(t, "text", "scan.docx") // validation

	records := tg.recorder.all()
	assert.Len(t, records, 3)
	for _, rec := range records {
		assert.NotEmpty(t, rec.RequestID)
		assert.NotEmpty(t, rec.Outcome)
	}
}
