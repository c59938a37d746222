package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/transfer"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// newShareRig builds a server that offers one file over the reverse
// flow. The returned share carries the session id and file ids the
// endpoints expect.
func newShareRig(t *testing.T, pin, name, content string) (http.Handler, *transfer.Share) {
	t.Helper()
	logger := quietLogger()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write shared file: %v", err)
	}
	offer, err := transfer.NewShare([]string{path}, pin)
	if err != nil {
		t.Fatalf("NewShare: %v", err)
	}

	manager := session.NewManager(session.Config{UploadDir: t.TempDir()}, logger, nil, nil, nil)
	self := types.NewDevice("sharer", "fp-sharer", 53317, "http")
	server := NewServer(Config{}, Deps{
		Self:    func() types.Device { return self },
		Manager: manager,
		Share:   offer,
		Logger:  logger,
	})
	return server.Handler(), offer
}

func shareDo(handler http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestPrepareDownloadAnswersManifest(t *testing.T) {
	handler, offer := newShareRig(t, "", "offered.txt", "come and get it")

	recorder := shareDo(handler, http.MethodPost, "/api/localsend/v2/prepare-download", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("prepare-download: status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	var manifest types.PrepareDownloadResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest.SessionId != offer.SessionID() || manifest.Info.Fingerprint != "fp-sharer" {
		t.Fatalf("manifest = %+v", manifest)
	}
	if len(manifest.Files) != 1 {
		t.Fatalf("files = %+v", manifest.Files)
	}
	for _, info := range manifest.Files {
		if info.FileName != "offered.txt" || info.Size != int64(len("come and get it")) {
			t.Fatalf("offered file = %+v", info)
		}
	}
}

func TestPrepareDownloadPinGate(t *testing.T) {
	handler, _ := newShareRig(t, "9", "guarded.txt", "secret")

	recorder := shareDo(handler, http.MethodPost, "/api/localsend/v2/prepare-download", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("pinless: status = %d, want 401", recorder.Code)
	}
	recorder = shareDo(handler, http.MethodPost, "/api/localsend/v2/prepare-download?pin=1", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("wrong pin: status = %d, want 401", recorder.Code)
	}
	recorder = shareDo(handler, http.MethodPost, "/api/localsend/v2/prepare-download?pin=9", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("right pin: status = %d, want 200", recorder.Code)
	}
}

func TestDownloadEndpointsWithoutShare(t *testing.T) {
	rig := newRig(t, nil, nil)
	if code := rig.do(http.MethodPost, "/api/localsend/v2/prepare-download", nil, nil).Code; code != http.StatusNotFound {
		t.Fatalf("prepare-download: status = %d, want 404", code)
	}
	if code := rig.do(http.MethodGet, "/api/localsend/v2/download?sessionId=x&fileId=y", nil, nil).Code; code != http.StatusNotFound {
		t.Fatalf("download: status = %d, want 404", code)
	}
}

func TestDownloadServesOfferedFile(t *testing.T) {
	content := "0123456789"
	handler, offer := newShareRig(t, "", "served.bin", content)
	fileID := offer.Files()[0].ID
	target := "/api/localsend/v2/download?sessionId=" + offer.SessionID() + "&fileId=" + fileID

	recorder := shareDo(handler, http.MethodGet, target, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("download: status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	if recorder.Body.String() != content {
		t.Fatalf("body = %q", recorder.Body.String())
	}

	// Pullers fetch policy-sized slices with Range headers.
	recorder = shareDo(handler, http.MethodGet, target, map[string]string{"Range": "bytes=3-6"})
	if recorder.Code != http.StatusPartialContent {
		t.Fatalf("ranged download: status = %d, want 206", recorder.Code)
	}
	if recorder.Body.String() != "3456" {
		t.Fatalf("ranged body = %q", recorder.Body.String())
	}
}

func TestDownloadStatusMapping(t *testing.T) {
	handler, offer := newShareRig(t, "", "mapped.txt", "abc")
	fileID := offer.Files()[0].ID

	cases := []struct {
		name   string
		target string
		want   int
	}{
		{"wrong session", "/api/localsend/v2/download?sessionId=forged&fileId=" + fileID, http.StatusForbidden},
		{"unknown file", "/api/localsend/v2/download?sessionId=" + offer.SessionID() + "&fileId=ghost", http.StatusNotFound},
		{"missing params", "/api/localsend/v2/download?sessionId=" + offer.SessionID(), http.StatusBadRequest},
	}
	for _, tc := range cases {
		recorder := shareDo(handler, http.MethodGet, tc.target, nil)
		if recorder.Code != tc.want {
			t.Errorf("%s: status = %d, want %d (body %s)", tc.name, recorder.Code, tc.want, recorder.Body.String())
		}
	}
}
