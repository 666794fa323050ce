package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/jdeng/avifcheck"
	"github.com/jdeng/avifcheck/heif/bmff"
	"github.com/jdeng/avifcheck/internal/avifbuild"
	"github.com/jdeng/avifcheck/internal/logger"
	"github.com/jdeng/avifcheck/store"
)

func cleanFile() []byte {
	sh := avifbuild.StillImage(64, 48, 8)
	f := &avifbuild.File{
		Primary: 1,
		Items: []*avifbuild.Item{{ID: 1, Data: avifbuild.CodedImage(sh), Assoc: []avifbuild.Assoc{
			{Index: 1, Essential: true}, {Index: 2}, {Index: 3}, {Index: 4},
		}}},
		Properties: []*bmff.Box{
			avifbuild.AV1C(sh, nil),
			avifbuild.ISPE(64, 48),
			avifbuild.PIXI(8, 8, 8),
			avifbuild.NCLX(1, 13, 6, false),
		},
	}
	return f.Bytes()
}

func newTestServer(t *testing.T, withStore bool) (http.Handler, *store.Store) {
	t.Helper()
	cfg := avifcheck.DefaultConfig()
	cfg.Server.MaxUpload = 1 << 16
	var st *store.Store
	if withStore {
		var err error
		st, err = store.Open(filepath.Join(t.TempDir(), "reports.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}
	log, _ := test.NewNullLogger()
	return New(cfg, st, logrus.NewEntry(log)), st
}

type testResponse struct {
	Digest string          `json:"digest"`
	Cached bool            `json:"cached"`
	Fatal  bool            `json:"fatal"`
	Report json.RawMessage `json:"report"`
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp testResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, true)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeHealth(t, w)
	require.Equal(t, "ok", health["status"])
	require.EqualValues(t, 0, health["reports"])
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var h map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h), w.Body.String())
	return h
}

func TestHealth_RAM(t *testing.T) {
	s := &server{
		cfg: avifcheck.DefaultConfig(),
		log: logger.Discard(),
		ram: func() (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{UsedPercent: 42.7}, nil
		},
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/healthz", s.health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeHealth(t, w)
	require.EqualValues(t, 42, health["ram_usage"])
	require.NotContains(t, health, "reports")

	s.ram = func() (*mem.VirtualMemoryStat, error) { return nil, errors.New("no /proc") }
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, decodeHealth(t, w), "ram_usage")
}

func TestValidate_Raw(t *testing.T) {
	h, st := newTestServer(t, true)
	data := cleanFile()

	req := httptest.NewRequest(http.MethodPost, "/v1/validate?name=clean.avif", bytes.NewReader(data))
	req.Header.Set("Content-Type", "image/avif")
	w, resp := do(t, h, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, store.Digest(data), resp.Digest)
	require.False(t, resp.Cached)
	require.False(t, resp.Fatal)

	var r avifcheck.Report
	require.NoError(t, json.Unmarshal(resp.Report, &r))
	require.Equal(t, "clean.avif", r.Name)
	require.Equal(t, int64(len(data)), r.Size)
	require.Empty(t, r.Findings)
	require.Len(t, r.Images, 1)

	stored, err := st.Get(resp.Digest)
	require.NoError(t, err)
	require.Equal(t, "clean.avif", stored.Name)

	// Same bytes under another name come from the cache.
	req = httptest.NewRequest(http.MethodPost, "/v1/validate?name=again.avif", bytes.NewReader(data))
	w, resp = do(t, h, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Cached)
	require.NoError(t, json.Unmarshal(resp.Report, &r))
	require.Equal(t, "again.avif", r.Name)
}

func TestValidate_Multipart(t *testing.T) {
	h, _ := newTestServer(t, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "broken.avif")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not an avif file"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w, resp := do(t, h, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.True(t, resp.Fatal)
	require.False(t, resp.Cached)

	var r avifcheck.Report
	require.NoError(t, json.Unmarshal(resp.Report, &r))
	require.Equal(t, "broken.avif", r.Name)
	require.True(t, r.Fatal())
}

func TestValidate_Condensed(t *testing.T) {
	h, _ := newTestServer(t, false)

	data := append(cleanFile(), 0, 0, 0)
	req := httptest.NewRequest(http.MethodPost, "/v1/validate?format=condensed", bytes.NewReader(data))
	w, resp := do(t, h, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var r avifcheck.CondensedReport
	require.NoError(t, json.Unmarshal(resp.Report, &r))
	require.Len(t, r.Findings, 1)
	require.Equal(t, avifcheck.TrailingData, r.Findings[0].Code)
}

func TestValidate_Errors(t *testing.T) {
	h, _ := newTestServer(t, false)

	tests := []struct {
		name string
		req  *http.Request
		code int
	}{
		{"empty", httptest.NewRequest(http.MethodPost, "/v1/validate", nil), http.StatusBadRequest},
		{"too_large", httptest.NewRequest(http.MethodPost, "/v1/validate", bytes.NewReader(make([]byte, 1<<16+1))), http.StatusRequestEntityTooLarge},
		{"bad_format", httptest.NewRequest(http.MethodPost, "/v1/validate?format=xml", bytes.NewReader(cleanFile())), http.StatusBadRequest},
		{"no_file_field", func() *http.Request {
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			require.NoError(t, mw.WriteField("other", "x"))
			require.NoError(t, mw.Close())
			r := httptest.NewRequest(http.MethodPost, "/v1/validate", &body)
			r.Header.Set("Content-Type", mw.FormDataContentType())
			return r
		}(), http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, tc.req)
			require.Equal(t, tc.code, w.Code, w.Body.String())
			require.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestReports(t *testing.T) {
	h, _ := newTestServer(t, true)
	data := cleanFile()
	digest := store.Digest(data)

	w, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/reports/"+digest, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, httptest.NewRequest(http.MethodPost, "/v1/validate?name=a.avif", bytes.NewReader(data)))
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/reports/"+digest, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Cached)
	require.Equal(t, digest, resp.Digest)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.EqualValues(t, 1, decodeHealth(t, w)["reports"])
}

func TestPprof(t *testing.T) {
	h, _ := newTestServer(t, false)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	cfg := avifcheck.DefaultConfig()
	cfg.Server.Pprof = true
	log, _ := test.NewNullLogger()
	h = New(cfg, nil, logrus.NewEntry(log))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReports_NoStore(t *testing.T) {
	h, _ := newTestServer(t, false)
	w, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/reports/"+store.Digest(nil), nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
