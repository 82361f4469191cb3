package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/excelwiz/internal/apperr"
	"github.com/starford/excelwiz/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 5*time.Second, WithLogger(quietLogger()))
}

func TestUploadSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "sales.xlsx" || string(data) != "xlsx-bytes" {
			t.Errorf("got file %q with %q", header.Filename, data)
		}
		_, _ = w.Write([]byte(`{"ok":true,"workbook":{"sheets":[{"name":"Sheet1","rows":[["A","B"],[1,2]]}]},"schemas":[{"region":"A1:B2"}]}`))
	})

	resp := c.Upload(context.Background(), "sales.xlsx", strings.NewReader("xlsx-bytes"))
	if !resp.OK {
		t.Fatalf("upload failed: %s", resp.Error)
	}
	if resp.Workbook.SheetCount() != 1 || resp.Workbook.Sheets[0].Name != "Sheet1" {
		t.Fatalf("workbook = %+v", resp.Workbook)
	}
	rows := resp.Workbook.Sheets[0].Rows
	if len(rows) != 2 || rows[0][0] != "A" || rows[0][1] != "B" {
		t.Errorf("rows = %v", rows)
	}
	if rows[1][0] != json.Number("1") || rows[1][1] != json.Number("2") {
		t.Errorf("numeric row = %#v", rows[1])
	}
	if n, ok := models.SchemaRegionCount(resp.Schemas); !ok || n != 1 {
		t.Errorf("schemas = %s", resp.Schemas)
	}
}

func TestUploadNon2xx(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad file", http.StatusInternalServerError)
	})
	resp := c.Upload(context.Background(), "x.xlsx", strings.NewReader("x"))
	if resp.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(resp.Error, "bad file") || !strings.Contains(resp.Error, "500") {
		t.Errorf("error = %q", resp.Error)
	}
	if !errors.Is(resp.Cause, apperr.ErrUpload) {
		t.Errorf("cause = %v, want upload kind", resp.Cause)
	}
	if resp.Workbook != nil {
		t.Error("failed upload must not carry a workbook")
	}
}

func TestUploadNon2xxEmptyBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	resp := c.Upload(context.Background(), "x.xlsx", strings.NewReader("x"))
	if resp.Error != "Upload failed (502)" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestUploadDeclaredFailure(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"not a spreadsheet"}`))
	})
	resp := c.Upload(context.Background(), "x.txt", strings.NewReader("x"))
	if resp.OK || resp.Error != "not a spreadsheet" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUploadTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second, WithLogger(quietLogger()))
	resp := c.Upload(context.Background(), "x.xlsx", strings.NewReader("x"))
	if resp.OK || resp.Error == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if !errors.Is(resp.Cause, apperr.ErrUpload) {
		t.Errorf("cause kind = %q", apperr.KindOf(resp.Cause))
	}
}

func TestRunSendsQueryAndWorkbook(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %q", r.URL.Path, r.Header.Get("Content-Type"))
		}
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		var q string
		_ = json.Unmarshal(body["query"], &q)
		if q != "Show revenue" {
			t.Errorf("query = %q", q)
		}
		if !strings.Contains(string(body["workbook"]), `"Sheet1"`) {
			t.Errorf("workbook = %s", body["workbook"])
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"tables":[]},"context":{"intent":"compare"}}`))
	})

	wb := &models.Workbook{Sheets: []models.Sheet{{Name: "Sheet1", Rows: [][]any{{"A"}}}}}
	resp := c.Run(context.Background(), "Show revenue", wb)
	if !resp.OK {
		t.Fatalf("run failed: %s", resp.Error)
	}
	if string(resp.Result) != `{"tables":[]}` || string(resp.Context) != `{"intent":"compare"}` {
		t.Errorf("result = %s context = %s", resp.Result, resp.Context)
	}
}

func TestRunWithoutWorkbookSendsNull(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		if string(body["workbook"]) != "null" {
			t.Errorf("workbook = %s, want null", body["workbook"])
		}
		_, _ = w.Write([]byte(`{"ok":true,"context":{"intent":"kpi"}}`))
	})
	resp := c.Run(context.Background(), "q", nil)
	if !resp.OK || resp.Result != nil || string(resp.Context) != `{"intent":"kpi"}` {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRunFailures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"non-2xx", http.StatusServiceUnavailable, "engine down", "Engine call failed (503): engine down"},
		{"declared", http.StatusOK, `{"ok":false,"error":"unknown measure"}`, "unknown measure"},
		{"declared without message", http.StatusOK, `{"ok":false}`, "Engine error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			resp := c.Run(context.Background(), "q", nil)
			if resp.OK || resp.Error != tc.wantErr {
				t.Errorf("resp = %+v, want error %q", resp, tc.wantErr)
			}
			if resp.Result != nil || resp.Context != nil {
				t.Error("failed run must not carry result or context")
			}
			if !errors.Is(resp.Cause, apperr.ErrRun) {
				t.Errorf("cause kind = %q", apperr.KindOf(resp.Cause))
			}
		})
	}
}

func TestConfigurationErrorIsLazy(t *testing.T) {
	for _, base := range []string{"", "   ", "/relative", "ftp://host"} {
		c := NewClient(base, time.Second, WithLogger(quietLogger()))
		resp := c.Run(context.Background(), "q", nil)
		if resp.OK {
			t.Fatalf("base %q: expected failure", base)
		}
		if !errors.Is(resp.Cause, apperr.ErrConfiguration) {
			t.Errorf("base %q: cause kind = %q", base, apperr.KindOf(resp.Cause))
		}
		up := c.Upload(context.Background(), "x", strings.NewReader(""))
		if !errors.Is(up.Cause, apperr.ErrConfiguration) {
			t.Errorf("base %q: upload cause kind = %q", base, apperr.KindOf(up.Cause))
		}
	}
}

func TestBaseURLTrimsTrailingSlashes(t *testing.T) {
	c := NewClient("https://engine.example.com///", time.Second, WithLogger(quietLogger()))
	got, err := c.BaseURL()
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://engine.example.com" {
		t.Errorf("base = %q", got)
	}
}
