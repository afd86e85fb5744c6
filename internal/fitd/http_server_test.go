package fitd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/welltest-lab/fitting-core/internal/archive"
	"github.com/welltest-lab/fitting-core/internal/policy"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
	"github.com/welltest-lab/fitting-core/pkg/models"
)

func newTestHTTPServer(t *testing.T, opts ...ExecutorOption) (*HTTPServer, *RunStore, *RunExecutor) {
	t.Helper()
	store, exec := newTestExecutor(t, opts...)
	return NewHTTPServer(store, exec), store, exec
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHTTPServerHealthz(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["timestamp"] == "" {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestHTTPServerModels(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/v1/models", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	list, _ := decodeBody(t, rr)["models"].([]any)
	if len(list) != 4 {
		t.Fatalf("expected 4 models, got %d", len(list))
	}
	first := list[0].(map[string]any)
	if first["id"] != reservoir.PowerLaw {
		t.Fatalf("expected models sorted by id, got %v", first["id"])
	}

	rr = doJSON(t, srv.Handler(), http.MethodPost, "/v1/models", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHTTPServerDerivative(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)
	req := semilogRequest(reservoir.RadialSemilog, 2, 5)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/derivative", map[string]any{
		"time":     req.Data.Time,
		"pressure": req.Data.Pressure,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	deriv, _ := body["derivative"].([]any)
	if len(deriv) != req.Data.Len() {
		t.Fatalf("expected %d derivative values, got %d", req.Data.Len(), len(deriv))
	}
	for i, v := range deriv {
		if d := v.(float64); d < 2-1e-9 || d > 2+1e-9 {
			t.Fatalf("derivative[%d] = %v, want 2", i, d)
		}
	}

	rr = doJSON(t, srv.Handler(), http.MethodPost, "/v1/derivative", map[string]any{
		"time":     []float64{1, 2},
		"pressure": []float64{1, 2},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too few samples, got %d", rr.Code)
	}
}

func TestHTTPServerCreateAndGetFit(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/fits", map[string]any{
		"fit_id":  "fit-a",
		"request": semilogRequest(reservoir.RadialSemilog, 2, 5),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	fit := decodeBody(t, rr)["fit"].(map[string]any)
	if fit["id"] != "fit-a" || fit["status"] != string(RunStatusPending) {
		t.Fatalf("unexpected fit %v", fit)
	}

	rr = doJSON(t, srv.Handler(), http.MethodPost, "/v1/fits", map[string]any{
		"fit_id":  "fit-a",
		"request": semilogRequest(reservoir.RadialSemilog, 2, 5),
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %d", rr.Code)
	}

	rr = doJSON(t, srv.Handler(), http.MethodGet, "/v1/fits/fit-a", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr = doJSON(t, srv.Handler(), http.MethodGet, "/v1/fits/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHTTPServerCreateFitErrors(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"request":`, http.StatusBadRequest},
		{"missing request", `{}`, http.StatusBadRequest},
		{"unknown model", `{"request":{"model":"nope","data":{"time":[1,2,3],"pressure":[1,2,3]}}}`, http.StatusBadRequest},
		{"too few samples", `{"request":{"model":"radial_semilog","data":{"time":[1,2],"pressure":[1,2]}}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/fits", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if decodeBody(t, rr)["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestHTTPServerCreateRateLimited(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)
	srv.WithRateLimiter(policy.NewRateLimiter(true, 1, 2))
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		rr := doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{"request": semilogRequest(reservoir.RadialSemilog, float64(i+1), 5)})
		if rr.Code != http.StatusCreated {
			t.Fatalf("create %d: expected 201, got %d: %s", i, rr.Code, rr.Body.String())
		}
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{"request": semilogRequest(reservoir.RadialSemilog, 3, 5)})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/fits", nil); rr.Code != http.StatusOK {
		t.Fatalf("listing should not be limited, got %d", rr.Code)
	}
}

func TestHTTPServerFitLifecycle(t *testing.T) {
	srv, store, exec := newTestHTTPServer(t, WithArchive(archive.NewMemoryArchive(), archive.LZ4Codec{}))
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{
		"fit_id":  "fit-life",
		"request": semilogRequest(reservoir.RadialSemilog, 2, 5),
		"start":   true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	waitForTerminal(t, store, "fit-life")
	exec.Wait()

	rr = doJSON(t, h, http.MethodGet, "/v1/fits/fit-life", nil)
	body := decodeBody(t, rr)
	fit := body["fit"].(map[string]any)
	if fit["status"] != string(RunStatusCompleted) {
		t.Fatalf("expected COMPLETED, got %v", fit["status"])
	}
	result := fit["result"].(map[string]any)
	if result["status"] != string(models.FitStatusConverged) {
		t.Fatalf("expected converged result, got %v", result["status"])
	}
	if _, ok := body["curve"]; !ok {
		t.Fatalf("expected the fitted curve")
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/fits/fit-life/updates?since=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	for _, u := range decodeBody(t, rr)["updates"].([]any) {
		if it := u.(map[string]any)["iteration"].(float64); it <= 1 {
			t.Fatalf("expected only iterations after 1, got %v", it)
		}
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/fits/fit-life/updates?since=x", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/fits/fit-life:start", nil)
	if rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 restarting a finished fit, got %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/fits/fit-life:stop", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/fits?status=completed", nil)
	if fits := decodeBody(t, rr)["fits"].([]any); len(fits) != 1 {
		t.Fatalf("expected 1 completed fit, got %d", len(fits))
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/fits?status=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/archive", nil)
	records := decodeBody(t, rr)["records"].([]any)
	if len(records) != 1 || records[0].(map[string]any)["codec"] != "lz4" {
		t.Fatalf("expected one lz4 archive record, got %v", records)
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/archive/fit-life", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	analysis := decodeBody(t, rr)["analysis"].(map[string]any)
	if analysis["fit_id"] != "fit-life" {
		t.Fatalf("unexpected archived analysis %v", analysis)
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/archive/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var found bool
	for _, raw := range decodeBody(t, rr)["series"].([]any) {
		series := raw.(map[string]any)
		labels, _ := series["labels"].(map[string]any)
		if series["name"] == "fit_iterations" && labels["model"] == reservoir.RadialSemilog && labels["outcome"] == "converged" {
			found = series["total"].(float64) == 1
		}
	}
	if !found {
		t.Fatalf("expected one converged fit_iterations sample, got %s", rr.Body.String())
	}
}

func TestHTTPServerStopFit(t *testing.T) {
	srv, _, exec := newTestHTTPServer(t)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{
		"fit_id":  "slow",
		"request": semilogRequest(slowSemilog, 2, 5),
		"start":   true,
	})
	rr := doJSON(t, h, http.MethodPost, "/v1/fits/slow:stop", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decodeBody(t, rr)["fit"].(map[string]any)["status"]; got != string(RunStatusCancelled) {
		t.Fatalf("expected CANCELLED, got %v", got)
	}
	exec.Wait()

	rr = doJSON(t, h, http.MethodPost, "/v1/fits/missing:stop", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHTTPServerDatasetBusy(t *testing.T) {
	srv, _, exec := newTestHTTPServer(t)
	h := srv.Handler()

	for _, id := range []string{"one", "two"} {
		doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{
			"fit_id":  id,
			"request": semilogRequest(slowSemilog, 2, 5),
		})
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/fits/one:start", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/fits/two:start", nil); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a busy dataset, got %d", rr.Code)
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{
		"fit_id":  "three",
		"request": semilogRequest(slowSemilog, 2, 5),
		"start":   true,
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 creating and starting on a busy dataset, got %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/fits/three", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected the refused fit to be discarded, got %d", rr.Code)
	}
	doJSON(t, h, http.MethodPost, "/v1/fits/one:stop", nil)
	exec.Wait()
}

func TestHTTPServerExport(t *testing.T) {
	srv, store, exec := newTestHTTPServer(t)
	srv.WithExportCodec(archive.ZstdCodec{})
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{
		"fit_id":  "exp",
		"request": semilogRequest(reservoir.RadialSemilog, 2, 5),
	})
	rr := doJSON(t, h, http.MethodGet, "/v1/fits/exp/export", nil)
	if rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 before the fit ran, got %d", rr.Code)
	}

	doJSON(t, h, http.MethodPost, "/v1/fits/exp:start", nil)
	waitForTerminal(t, store, "exp")
	exec.Wait()

	rr = doJSON(t, h, http.MethodGet, "/v1/fits/exp/export", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Document-Codec") != "zstd" {
		t.Fatalf("expected default zstd export, got %q", rr.Header().Get("X-Document-Codec"))
	}
	doc, err := archive.DecodeDocument(rr.Body.Bytes(), archive.ZstdCodec{})
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	a, err := doc.Get("semilog")
	if err != nil {
		t.Fatalf("expected exported analysis: %v", err)
	}
	if a.Result == nil || !a.Result.Converged() {
		t.Fatalf("expected converged result in export")
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/fits/exp/export?codec=none", nil)
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected JSON export, got %q", rr.Header().Get("Content-Type"))
	}
	if _, err := archive.UnmarshalDocument(rr.Body.Bytes()); err != nil {
		t.Fatalf("expected plain document: %v", err)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/fits/exp/export?codec=brotli", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown codec, got %d", rr.Code)
	}
}

func TestHTTPServerArchiveNotConfigured(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/v1/archive", nil)
	if rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d", rr.Code)
	}
}

func TestHTTPServerStream(t *testing.T) {
	srv, store, exec := newTestHTTPServer(t)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/v1/fits", map[string]any{
		"fit_id":  "sse",
		"request": semilogRequest(reservoir.RadialSemilog, 2, 5),
		"start":   true,
	})
	waitForTerminal(t, store, "sse")
	exec.Wait()

	// A finished fit replays its history and completes without waiting.
	rr := doJSON(t, h, http.MethodGet, "/v1/fits/sse/stream?interval_ms=10", nil)
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	events := map[string]int{}
	scanner := bufio.NewScanner(strings.NewReader(rr.Body.String()))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events[name]++
		}
	}
	if events["iteration"] == 0 || events["complete"] != 1 || events["status_change"] == 0 {
		t.Fatalf("unexpected events %v", events)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/fits/missing/stream", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
