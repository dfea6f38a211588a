package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"imgstudio/internal/domain"
	"imgstudio/internal/http/handlers"
	"imgstudio/internal/infra"
	"imgstudio/internal/middleware"
	"imgstudio/internal/orchestrator"
	"imgstudio/internal/progress"
	"imgstudio/internal/ratelimit"
	"imgstudio/internal/session"
)

const testSession = "0c3f1a4e-2b7d-4a5e-9c1f-3d2b1a0e9f8c"

type fakeGenerator struct {
	mu        sync.Mutex
	hub       *progress.Hub
	snapshots map[string]domain.BatchSnapshot
	live      map[string]bool
	submitted []domain.GenerationRequest
	submitErr error
	admission domain.Admission
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		hub:       progress.NewHub(16, zerolog.Nop()),
		snapshots: map[string]domain.BatchSnapshot{},
		live:      map[string]bool{},
	}
}

func (f *fakeGenerator) SubmitBatch(ctx context.Context, req domain.GenerationRequest) (domain.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return f.admission, f.submitErr
	}
	return domain.Admission{RequestID: req.RequestID, Status: domain.BatchAdmitted, Total: req.Count}, nil
}

func (f *fakeGenerator) BatchStatus(ctx context.Context, id string) (domain.BatchSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return domain.BatchSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeGenerator) Subscribe(ctx context.Context, id string) (domain.BatchSnapshot, *progress.Subscription, error) {
	snap, err := f.BatchStatus(ctx, id)
	if err != nil {
		return snap, nil, err
	}
	f.mu.Lock()
	live := f.live[id]
	f.mu.Unlock()
	if !live {
		return snap, nil, nil
	}
	return snap, f.hub.Subscribe(id), nil
}

func (f *fakeGenerator) Stats() orchestrator.Stats {
	return orchestrator.Stats{ActiveBatches: 1, SlotsCapacity: 5}
}

type fakeImages map[string][]byte

func (f fakeImages) Read(ctx context.Context, key string) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

type fixture struct {
	gen      *fakeGenerator
	app      *handlers.App
	sessions *session.MemoryStore
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &infra.Config{
		AppEnv:         "test",
		MaxUploadBytes: 1 << 20,
		SessionTimeout: 24 * time.Hour,
	}
	gen := newFakeGenerator()
	sessions := session.NewMemoryStore(session.Options{})
	images := fakeImages{
		"generated/req-1/01.jpg": []byte("jpeg-one"),
		"generated/req-1/02.png": []byte("png-two"),
	}
	app := handlers.NewApp(cfg, zerolog.Nop(), gen, images, sessions)
	app.Checks["redis"] = func(ctx context.Context) error { return nil }
	return &fixture{
		gen:      gen,
		app:      app,
		sessions: sessions,
		handler:  NewRouter(app, Options{DefaultLocale: "ja"}),
	}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".png")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = fw.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var payload struct {
		Error map[string]any `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error
}

func TestCreateGenerationAccepted(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, map[string]string{
		"instruction": "make the sky purple",
		"count":       "3",
		"mode":        "inpaint",
		"seed":        "42",
		"request_id":  "req-9",
	}, map[string][]byte{"image": []byte("img"), "mask": []byte("mask")})

	req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(middleware.SessionHeader, testSession)
	req.Header.Set("Accept-Language", "ja-JP")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var adm domain.Admission
	if err := json.NewDecoder(rec.Body).Decode(&adm); err != nil {
		t.Fatalf("decode admission: %v", err)
	}
	if adm.RequestID != "req-9" || adm.Total != 3 {
		t.Fatalf("admission = %+v, want req-9 with 3", adm)
	}

	got := f.gen.submitted[0]
	// httptest requests come from 192.0.2.1.
	if got.SessionID != testSession || got.Identity != "ip:192.0.2.1" {
		t.Fatalf("session/identity = %q/%q, want %s/ip:192.0.2.1", got.SessionID, got.Identity, testSession)
	}
	if got.Mode != domain.EditModeMasked || string(got.Mask) != "mask" || string(got.Image) != "img" {
		t.Fatalf("request = %+v, want masked with mask and image", got)
	}
	if got.Seed == nil || *got.Seed != 42 {
		t.Fatalf("seed = %v, want 42", got.Seed)
	}
	if got.Locale != "ja" || got.Country != "JP" {
		t.Fatalf("locale/country = %q/%q, want ja/JP", got.Locale, got.Country)
	}
}

func TestCreateGenerationAnonymousUsesClientIP(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, map[string]string{"instruction": "x"}, map[string][]byte{"image": []byte("img")})
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
	req.Header.Set("Content-Type", ct)
	req.RemoteAddr = "203.0.113.8:5555"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := f.gen.submitted[0]; got.Identity != "ip:203.0.113.8" || got.Count != 1 {
		t.Fatalf("identity/count = %q/%d, want ip:203.0.113.8/1", got.Identity, got.Count)
	}
}

func TestCreateGenerationIdentityIgnoresSessionAndSpoofedHeaders(t *testing.T) {
	f := newFixture(t)
	trusted, _ := middleware.NewTrustedProxies([]string{"10.0.0.0/8"})
	proxied := NewRouter(f.app, Options{DefaultLocale: "ja", TrustedProxies: trusted})

	tests := []struct {
		name       string
		handler    http.Handler
		session    string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"rotated session", f.handler, "fresh-session-a", "203.0.113.8:5555", "", "ip:203.0.113.8"},
		{"another rotated session", f.handler, "fresh-session-b", "203.0.113.8:5556", "", "ip:203.0.113.8"},
		{"spoofed forwarded-for", f.handler, testSession, "203.0.113.8:5555", "198.51.100.1", "ip:203.0.113.8"},
		{"untrusted peer behind proxy router", proxied, testSession, "203.0.113.8:5555", "198.51.100.1", "ip:203.0.113.8"},
		{"trusted proxy", proxied, testSession, "10.0.0.2:5555", "198.51.100.1", "ip:198.51.100.1"},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := multipartBody(t, map[string]string{"instruction": "x"}, map[string][]byte{"image": []byte("img")})
			req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
			req.Header.Set("Content-Type", ct)
			req.Header.Set(middleware.SessionHeader, tc.session)
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			req.RemoteAddr = tc.remoteAddr
			rec := httptest.NewRecorder()
			tc.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
			}
			if got := f.gen.submitted[i]; got.Identity != tc.want {
				t.Fatalf("identity = %q, want %q", got.Identity, tc.want)
			}
		})
	}
}

func TestCreateGenerationRejections(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		admission  domain.Admission
		wantStatus int
		wantCode   string
	}{
		{
			name:       "rate limited",
			err:        &domain.AdmissionError{Reason: domain.RejectRateLimited, Scope: "hour", RetryAfter: 90 * time.Second},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "rate_limited",
		},
		{
			name:       "invalid count",
			err:        domain.Reject(domain.RejectInvalidCount, "count must be between 1 and 5"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_count",
		},
		{
			name:       "overloaded",
			err:        domain.Reject(domain.RejectSystemOverloaded, "busy"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "system_overloaded",
		},
		{
			name:       "duplicate",
			err:        &domain.AdmissionError{Reason: domain.RejectDuplicateInFlight},
			admission:  domain.Admission{RequestID: "req-dup", Status: domain.BatchRunning, Total: 2, Duplicate: true},
			wantStatus: http.StatusOK,
		},
		{
			name:       "internal",
			err:        errors.New("redis down"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.gen.submitErr = tc.err
			f.gen.admission = tc.admission
			body, ct := multipartBody(t, map[string]string{"instruction": "x", "count": "2"}, map[string][]byte{"image": []byte("img")})
			req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.wantCode == "" {
				var adm domain.Admission
				_ = json.NewDecoder(rec.Body).Decode(&adm)
				if adm.RequestID != "req-dup" || !adm.Duplicate {
					t.Fatalf("duplicate body = %+v, want existing id", adm)
				}
				return
			}
			e := decodeError(t, rec.Body)
			if e["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %s", e["code"], tc.wantCode)
			}
			if tc.wantCode == "rate_limited" {
				if e["scope"] != "hour" || e["retry_after_seconds"] != float64(90) {
					t.Fatalf("error = %v, want hour scope and 90s", e)
				}
				if rec.Header().Get("Retry-After") != "90" {
					t.Fatalf("Retry-After = %q, want 90", rec.Header().Get("Retry-After"))
				}
			}
		})
	}
}

func TestCreateGenerationBadForm(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		fields map[string]string
		files  map[string][]byte
	}{
		{"missing image", map[string]string{"instruction": "x"}, nil},
		{"bad count", map[string]string{"instruction": "x", "count": "two"}, map[string][]byte{"image": []byte("i")}},
		{"bad seed", map[string]string{"instruction": "x", "seed": "1.5"}, map[string][]byte{"image": []byte("i")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := multipartBody(t, tc.fields, tc.files)
			req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
	if len(f.gen.submitted) != 0 {
		t.Fatalf("malformed forms reached the generator")
	}
}

func TestGetGenerationEnforcesSessionOwnership(t *testing.T) {
	f := newFixture(t)
	f.gen.snapshots["req-1"] = domain.BatchSnapshot{RequestID: "req-1", SessionID: testSession, Status: domain.BatchRunning, Total: 2}

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/req-1", nil)
	req.Header.Set(middleware.SessionHeader, testSession)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/generations/req-1", nil)
	req.Header.Set(middleware.SessionHeader, "someone-else-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign session status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/generations/missing", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", rec.Code)
	}
}

func TestGenerationArchive(t *testing.T) {
	f := newFixture(t)
	f.gen.snapshots["req-1"] = domain.BatchSnapshot{
		RequestID: "req-1",
		Status:    domain.BatchCompleted,
		Total:     2,
		Results: []domain.ImageResult{
			{Index: 1, ImageRef: "generated/req-1/01.jpg"},
			{Index: 2, ImageRef: "generated/req-1/02.png"},
		},
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/req-1/archive", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("response is not a zip: %v", err)
	}
	var names []string
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	if strings.Join(names, ",") != "req-1-01.jpg,req-1-02.png" {
		t.Fatalf("zip entries = %v", names)
	}
}

func TestGetFile(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/files/generated/req-1/01.jpg", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "jpeg-one" {
		t.Fatalf("file = %d %q, want 200 jpeg-one", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/files/generated/none.jpg", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing file status = %d, want 404", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", rec.Code)
	}
	id := rec.Header().Get(middleware.SessionHeader)
	if id == "" {
		t.Fatalf("no session header on create")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != middleware.SessionCookie || cookies[0].Value != id {
		t.Fatalf("cookies = %v, want session cookie", cookies)
	}

	batch := domain.BatchSnapshot{RequestID: "r1", Results: []domain.ImageResult{{Index: 1, ImageRef: "a.jpg"}, {Index: 2, ImageRef: "b.jpg"}}}
	if err := f.sessions.RecordGeneration(context.Background(), id, batch); err != nil {
		t.Fatalf("RecordGeneration: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var body struct {
		SessionID       string                  `json:"session_id"`
		DailyCount      int                     `json:"daily_count"`
		TotalCount      int                     `json:"total_count"`
		GeneratedImages []domain.GeneratedImage `json:"generated_images"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if body.SessionID != id || body.DailyCount != 2 || body.TotalCount != 2 || len(body.GeneratedImages) != 2 {
		t.Fatalf("session = %+v, want 2 images for %s", body, id)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	f.app.Checks["database"] = func(ctx context.Context) error { return errors.New("connection refused") }
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
}

func TestStatusEndpointsRateLimited(t *testing.T) {
	f := newFixture(t)
	f.gen.snapshots["req-1"] = domain.BatchSnapshot{RequestID: "req-1", Status: domain.BatchRunning}
	handler := NewRouter(f.app, Options{StatusLimiter: ratelimit.NewLimiter(nil, ratelimit.Limits{PerMinute: 1})})

	codes := []int{}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/req-1", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 429]", codes)
	}
}

func TestGenerationEventsStream(t *testing.T) {
	f := newFixture(t)
	f.gen.snapshots["req-ws"] = domain.BatchSnapshot{RequestID: "req-ws", Status: domain.BatchRunning, Total: 2, Completed: 1}
	f.gen.live["req-ws"] = true

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/generations/req-ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot frame: %v", err)
	}
	if first["kind"] != "snapshot" || first["completed"] != float64(1) {
		t.Fatalf("first frame = %v, want snapshot with completed 1", first)
	}

	for f.gen.hub.Subscribers("req-ws") == 0 {
		time.Sleep(time.Millisecond)
	}
	f.gen.hub.Publish(domain.ProgressEvent{RequestID: "req-ws", Seq: 5, Kind: domain.EventAttemptDone, Completed: 2, Total: 2})
	f.gen.hub.Publish(domain.ProgressEvent{RequestID: "req-ws", Seq: 6, Kind: domain.EventBatchDone, Completed: 2, Total: 2, Status: domain.BatchCompleted})

	var kinds []string
	for {
		var ev domain.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("stream ended with %v, want normal closure", err)
			}
			break
		}
		kinds = append(kinds, string(ev.Kind))
	}
	if strings.Join(kinds, ",") != "attempt-done,batch-done" {
		t.Fatalf("frames = %v, want attempt-done then batch-done", kinds)
	}
}

func TestGenerationEventsFinishedBatch(t *testing.T) {
	f := newFixture(t)
	f.gen.snapshots["req-done"] = domain.BatchSnapshot{RequestID: "req-done", Status: domain.BatchCompleted, Total: 1, Completed: 1}

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/generations/req-done/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot frame: %v", err)
	}
	if first["status"] != "completed" {
		t.Fatalf("snapshot status = %v, want completed", first["status"])
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("second read = %v, want normal closure", err)
	}
}
