package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/starford/excelwiz/internal/engine"
	"github.com/starford/excelwiz/internal/models"
	"github.com/starford/excelwiz/internal/session"
	"github.com/starford/excelwiz/internal/templates"
	"github.com/starford/excelwiz/internal/testutil"
)

type env struct {
	engine *testutil.Engine
	store  *templates.Store
	sess   *session.Session
	router http.Handler
}

// testEnv wires a scripted engine, a temporary template store, a session
// and the router. An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) *env {
	t.Helper()
	return testEnvWithSSE(t, authToken, nil)
}

func testEnvWithSSE(t *testing.T, authToken string, sseHandler http.Handler) *env {
	t.Helper()
	eng := testutil.EngineServer(t)
	store := testutil.TemplateStore(t)
	sess := session.New(eng.Client(), store, session.WithLogger(testutil.QuietLogger()))
	router := NewRouter(sess, store, authToken != "", authToken, sseHandler)
	return &env{engine: eng, store: store, sess: sess, router: router}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) upload(t *testing.T, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, bytes.NewReader(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/workbook", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body %s)", v, err, w.Body.String())
	}
	return v
}

func TestUploadThenState(t *testing.T) {
	e := testEnv(t, "")

	w := e.upload(t, "sales.xlsx", []byte("xlsx"))
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[UploadResult](t, w)
	if !res.OK || len(res.SheetNames) != 1 || res.SheetNames[0] != "Sales" {
		t.Errorf("upload result = %+v", res)
	}
	if res.RegionCount == nil || *res.RegionCount != 1 {
		t.Errorf("region count = %v, want 1", res.RegionCount)
	}
	if got := e.engine.Uploads(); len(got) != 1 || got[0] != "sales.xlsx" {
		t.Errorf("engine uploads = %v", got)
	}

	w = e.do(t, http.MethodGet, "/state", nil)
	st := decode[session.View](t, w)
	if st.Workbook.SheetCount() != 1 || st.Uploading {
		t.Errorf("state = %+v", st)
	}
}

func TestUploadFailureReportsEngineMessage(t *testing.T) {
	e := testEnv(t, "")
	e.engine.SetUpload(http.StatusInternalServerError, "boom")

	w := e.upload(t, "bad.xlsx", []byte("x"))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	res := decode[UploadResult](t, w)
	if res.OK || res.Error != "Upload failed (500): boom" {
		t.Errorf("result = %+v", res)
	}
	st := decode[session.View](t, e.do(t, http.MethodGet, "/state", nil))
	if st.Workbook != nil || st.UploadError != "Upload failed (500): boom" {
		t.Errorf("state after failure = %+v", st)
	}
}

func TestUploadMissingFileField(t *testing.T) {
	e := testEnv(t, "")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/workbook", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file = %d, want 400", w.Code)
	}
}

func TestRunSendsEffectiveQuery(t *testing.T) {
	e := testEnv(t, "")
	e.upload(t, "sales.xlsx", []byte("x"))

	w := e.do(t, http.MethodPut, "/query", QueryRequest{Query: "Total sales", Refine: "only north"})
	if w.Code != http.StatusOK {
		t.Fatalf("put query = %d", w.Code)
	}
	st := decode[session.View](t, w)
	if !st.CanRun || st.EffectiveQuery != "Total sales\n\nRefine / adjust as follows:\nonly north" {
		t.Errorf("state = %+v", st)
	}

	w = e.do(t, http.MethodPost, "/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[RunResult](t, w)
	if !res.OK || string(res.Result) != `{"total":120}` || string(res.Context) != `{"unit":"EUR"}` {
		t.Errorf("run result = %+v", res)
	}

	runs := e.engine.Runs()
	if len(runs) != 1 || runs[0].Query != st.EffectiveQuery {
		t.Fatalf("engine runs = %+v", runs)
	}
	wb, err := models.DecodeWorkbook(runs[0].Workbook)
	if err != nil || wb.SheetCount() != 1 {
		t.Errorf("run workbook = %s (%v)", runs[0].Workbook, err)
	}
}

func TestRunWithoutWorkbookSendsNull(t *testing.T) {
	e := testEnv(t, "")
	e.do(t, http.MethodPut, "/query", QueryRequest{Query: "hello"})
	if w := e.do(t, http.MethodPost, "/run", nil); w.Code != http.StatusOK {
		t.Fatalf("run = %d", w.Code)
	}
	runs := e.engine.Runs()
	if len(runs) != 1 || string(runs[0].Workbook) != "null" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunEmptyQuery(t *testing.T) {
	e := testEnv(t, "")
	e.do(t, http.MethodPut, "/query", QueryRequest{Query: "   ", Refine: "  "})
	w := e.do(t, http.MethodPost, "/run", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty run = %d, want 400", w.Code)
	}
	if len(e.engine.Runs()) != 0 {
		t.Error("engine must not be called for an empty query")
	}
}

func TestRunEngineFailure(t *testing.T) {
	e := testEnv(t, "")
	e.engine.SetRun(http.StatusOK, `{"ok":false,"error":"unknown column"}`)
	e.do(t, http.MethodPut, "/query", QueryRequest{Query: "q"})

	w := e.do(t, http.MethodPost, "/run", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if res := decode[RunResult](t, w); res.Error != "unknown column" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunWithoutBackendIsConfigurationError(t *testing.T) {
	store := testutil.TemplateStore(t)
	sess := session.New(engine.NewClient("", time.Second), store, session.WithLogger(testutil.QuietLogger()))
	router := NewRouter(sess, store, false, "", nil)
	sess.SetQuery("q", "")

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestExportWorkbook(t *testing.T) {
	e := testEnv(t, "")
	if w := e.do(t, http.MethodGet, "/workbook/export", nil); w.Code != http.StatusNotFound {
		t.Fatalf("export without workbook = %d, want 404", w.Code)
	}

	e.upload(t, "sales.xlsx", []byte("x"))
	w := e.do(t, http.MethodGet, "/workbook/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Sales")
	if err != nil || len(rows) != 2 || rows[1][1] != "120" {
		t.Errorf("rows = %v (%v)", rows, err)
	}
}

func TestTemplatesCRUD(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodPost, "/templates", SaveTemplateRequest{Name: " Monthly ", Query: " sum sales "})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d, body = %s", w.Code, w.Body.String())
	}
	first := decode[models.Template](t, w)
	if first.Name != "Monthly" || first.Query != "sum sales" || first.AutoRun {
		t.Errorf("created = %+v", first)
	}

	on := true
	w = e.do(t, http.MethodPost, "/templates", SaveTemplateRequest{Name: "Weekly", Query: "count", AutoRun: &on})
	second := decode[models.Template](t, w)
	if !second.AutoRun {
		t.Errorf("auto_run not honored: %+v", second)
	}

	list := decode[TemplateListResponse](t, e.do(t, http.MethodGet, "/templates", nil)).Templates
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("list = %+v, want newest first", list)
	}

	w = e.do(t, http.MethodPut, "/templates/"+first.ID+"/auto-run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("set auto-run = %d", w.Code)
	}
	for _, tpl := range decode[TemplateListResponse](t, w).Templates {
		if tpl.AutoRun != (tpl.ID == first.ID) {
			t.Errorf("auto-run not exclusive: %+v", tpl)
		}
	}

	if w := e.do(t, http.MethodDelete, "/templates/auto-run", nil); w.Code != http.StatusNoContent {
		t.Fatalf("clear auto-run = %d", w.Code)
	}
	if _, ok := e.store.AutoRunTemplate(); ok {
		t.Error("auto-run flags not cleared")
	}

	for i := 0; i < 2; i++ {
		if w := e.do(t, http.MethodDelete, "/templates/"+first.ID, nil); w.Code != http.StatusNoContent {
			t.Fatalf("delete #%d = %d", i, w.Code)
		}
	}
	if got := e.store.List(); len(got) != 1 || got[0].ID != second.ID {
		t.Errorf("after delete = %+v", got)
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	e := testEnv(t, "")
	tests := []struct {
		name string
		body any
	}{
		{"blank name", SaveTemplateRequest{Name: "  ", Query: "q"}},
		{"blank query", SaveTemplateRequest{Name: "n", Query: "\t"}},
		{"not json", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, http.MethodPost, "/templates", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
	if len(e.store.List()) != 0 {
		t.Error("invalid requests must not create templates")
	}
}

func TestMalformedJSONBody(t *testing.T) {
	e := testEnv(t, "")
	for _, path := range []string{"/query", "/templates"} {
		method := http.MethodPost
		if path == "/query" {
			method = http.MethodPut
		}
		// A JSON string cannot decode into the request structs.
		w := e.do(t, method, path, "not an object")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %s: status = %d, want 400", method, path, w.Code)
		}
		if got := decode[errResponse](t, w).Error; got != "invalid JSON body" {
			t.Errorf("%s %s: error = %q", method, path, got)
		}
	}
}

func TestSetAutoRunUnknownID(t *testing.T) {
	e := testEnv(t, "")
	if w := e.do(t, http.MethodPut, "/templates/ghost/auto-run", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestApplyTemplate(t *testing.T) {
	e := testEnv(t, "")
	tpl, _ := e.store.Save(context.Background(), "Monthly", "sum sales")
	e.do(t, http.MethodPut, "/query", QueryRequest{Query: "old", Refine: "old refine"})

	w := e.do(t, http.MethodPost, "/templates/"+tpl.ID+"/apply", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("apply = %d", w.Code)
	}
	res := decode[ApplyResponse](t, w)
	if res.State.Query != "sum sales" || res.State.Refine != "" {
		t.Errorf("state after apply = %+v", res.State)
	}

	if w := e.do(t, http.MethodPost, "/templates/ghost/apply", nil); w.Code != http.StatusNotFound {
		t.Errorf("apply unknown = %d, want 404", w.Code)
	}
}

func TestUploadAppliesAutoRunTemplate(t *testing.T) {
	e := testEnv(t, "")
	e.store.SaveWithAutoRun(context.Background(), "Daily", "daily totals", true)

	e.upload(t, "sales.xlsx", []byte("x"))
	st := decode[session.View](t, e.do(t, http.MethodGet, "/state", nil))
	if st.Query != "daily totals" {
		t.Errorf("query after upload = %q, want auto-run template", st.Query)
	}
}

func TestAuthMiddleware(t *testing.T) {
	e := testEnv(t, "secret123")
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer secret123", http.StatusOK},
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret123", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/state", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			e.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 should carry a WWW-Authenticate challenge")
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	e := testEnv(t, "")
	if w := e.do(t, http.MethodGet, "/state", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// blockingSSE writes headers and blocks until the request context is done.
var blockingSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := testEnvWithSSE(t, "secret", blockingSSE)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := testEnvWithSSE(t, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}
