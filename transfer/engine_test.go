package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

func quietLogger() *log.Logger {
	logger := log.Default()
	logger.SetLevel(log.FatalLevel)
	return logger
}

type fakeFile struct {
	size     int64
	data     []byte
	uploads  int
	sawRange bool
}

// fakeReceiver speaks just enough of the receiving side to exercise the
// engine: negotiation, ranged and whole-body uploads, cancel.
type fakeReceiver struct {
	mu        sync.Mutex
	pin       string
	decline   map[string]bool
	failFirst int
	delay     time.Duration

	sessionID string
	files     map[string]*fakeFile
	cancelled bool
}

func (fr *fakeReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/localsend/v2/prepare-upload":
		fr.handlePrepare(w, r)
	case "/api/localsend/v2/upload":
		fr.handleUpload(w, r)
	case "/api/localsend/v2/cancel":
		fr.mu.Lock()
		fr.cancelled = true
		fr.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fr *fakeReceiver) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if fr.pin != "" && r.URL.Query().Get("pin") != fr.pin {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var request types.PrepareUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fr.mu.Lock()
	fr.sessionID = "fake-session"
	fr.files = make(map[string]*fakeFile)
	response := types.PrepareUploadResponse{SessionId: fr.sessionID, Files: map[string]string{}}
	for id, info := range request.Files {
		if fr.decline[info.FileName] {
			continue
		}
		fr.files[id] = &fakeFile{size: info.Size, data: make([]byte, info.Size)}
		response.Files[id] = "tok-" + id
	}
	fr.mu.Unlock()

	if len(response.Files) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&response)
}

func (fr *fakeReceiver) handleUpload(w http.ResponseWriter, r *http.Request) {
	if fr.delay > 0 {
		time.Sleep(fr.delay)
	}
	query := r.URL.Query()
	fileID := query.Get("fileId")

	fr.mu.Lock()
	defer fr.mu.Unlock()

	if query.Get("sessionId") != fr.sessionID {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	file, ok := fr.files[fileID]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if query.Get("token") != "tok-"+fileID {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if fr.failFirst > 0 {
		fr.failFirst--
		file.uploads++
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var reader io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer zr.Close()
		reader = zr
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var start int64
	if header := r.Header.Get("Content-Range"); header != "" {
		var end, total int64
		if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file.sawRange = true
	}
	if start+int64(len(body)) > file.size {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	copy(file.data[start:], body)
	file.uploads++
	w.WriteHeader(http.StatusOK)
}

func (fr *fakeReceiver) file(t *testing.T, id string) fakeFile {
	t.Helper()
	fr.mu.Lock()
	defer fr.mu.Unlock()
	file, ok := fr.files[id]
	if !ok {
		t.Fatalf("receiver never saw file %s", id)
	}
	return *file
}

func newFakeReceiver(t *testing.T, fr *fakeReceiver) Target {
	t.Helper()
	srv := httptest.NewServer(fr)
	t.Cleanup(srv.Close)

	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return Target{
		Device:  types.NewDevice("receiver", "fp-receiver", port, "http"),
		Address: host,
	}
}

func testEngine(t *testing.T, mutate func(*Config)) (*Engine, *faults.Reporter) {
	t.Helper()
	cfg := Config{
		Self:         types.NewDevice("sender", "fp-sender", 53317, "http"),
		ChunkTimeout: 2 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reporter := faults.NewReporter(quietLogger())
	return NewEngine(cfg, quietLogger(), nil, nil, reporter, nil, nil), reporter
}

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func waitForBatch(t *testing.T, engine *Engine, sessionID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Wait(ctx, sessionID); err != nil {
		t.Fatalf("batch %s did not finish: %v", sessionID, err)
	}
}

func drainEvents(engine *Engine) []session.Event {
	var events []session.Event
	for {
		select {
		case event := <-engine.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func eventCount(events []session.Event, kind session.EventType) int {
	n := 0
	for _, event := range events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func TestStartUploadWholeBody(t *testing.T) {
	fr := &fakeReceiver{}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	content := []byte("small enough for one request")
	path := writeTempFile(t, "note.txt", content)

	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	if batch.SessionID != "fake-session" || len(batch.Files) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	waitForBatch(t, engine, batch.SessionID)

	got := fr.file(t, batch.Files[0].FileID)
	if !bytes.Equal(got.data, content) {
		t.Fatalf("receiver got %q", got.data)
	}
	if got.sawRange {
		t.Fatal("single-chunk file should ship without a range header")
	}

	events := drainEvents(engine)
	if eventCount(events, session.EventCompleted) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if len(engine.Sessions()) != 0 {
		t.Fatal("finished batch still tracked")
	}
}

func TestStartUploadChunksLargeFile(t *testing.T) {
	fr := &fakeReceiver{}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	// Three chunks under the unknown-condition 64KB floor policy.
	content := bytes.Repeat([]byte("abcdefgh"), 19200)
	path := writeTempFile(t, "big.bin", content)

	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	got := fr.file(t, batch.Files[0].FileID)
	if !bytes.Equal(got.data, content) {
		t.Fatal("reassembled bytes differ from the source")
	}
	if !got.sawRange {
		t.Fatal("multi-chunk file never sent a range header")
	}
	if got.uploads != 3 {
		t.Fatalf("uploads = %d, want 3", got.uploads)
	}

	events := drainEvents(engine)
	if eventCount(events, session.EventProgress) < 2 {
		t.Fatalf("too few progress events: %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != session.EventCompleted || last.Info.TransferredBytes != int64(len(content)) {
		t.Fatalf("final event = %+v", last)
	}
}

func TestRetryRecoversFromReceiverErrors(t *testing.T) {
	fr := &fakeReceiver{failFirst: 2}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	content := []byte("worth retrying for")
	path := writeTempFile(t, "retry.txt", content)

	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	got := fr.file(t, batch.Files[0].FileID)
	if !bytes.Equal(got.data, content) {
		t.Fatalf("receiver got %q", got.data)
	}
	if got.uploads != 3 {
		t.Fatalf("uploads = %d, want 2 failures + 1 success", got.uploads)
	}
	if eventCount(drainEvents(engine), session.EventCompleted) != 1 {
		t.Fatal("retry path never completed the session")
	}
}

func TestChunkFailsAfterRetryBudget(t *testing.T) {
	fr := &fakeReceiver{failFirst: 100}
	target := newFakeReceiver(t, fr)
	engine, reporter := testEngine(t, func(cfg *Config) { cfg.MaxRetries = 1 })

	path := writeTempFile(t, "doomed.txt", []byte("never arrives"))

	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	events := drainEvents(engine)
	if eventCount(events, session.EventFailed) != 1 {
		t.Fatalf("events = %+v", events)
	}
	var failure session.Info
	for _, event := range events {
		if event.Type == session.EventFailed {
			failure = event.Info
		}
	}
	if failure.Failure == "" || failure.Status != session.StatusFailed {
		t.Fatalf("failed info = %+v", failure)
	}
	if len(reporter.Recent(5)) == 0 {
		t.Fatal("failure left no report")
	}
}

func TestDeclinedFilesAreSkipped(t *testing.T) {
	fr := &fakeReceiver{decline: map[string]bool{"skipped.txt": true}}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	wanted := []byte("the receiver wants this one")
	pathA := writeTempFile(t, "kept.txt", wanted)
	pathB := writeTempFile(t, "skipped.txt", []byte("not this one"))

	batch, err := engine.StartUpload(context.Background(), target, []string{pathA, pathB})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	if len(batch.Files) != 1 || batch.Files[0].FileName != "kept.txt" {
		t.Fatalf("batch = %+v", batch.Files)
	}
	waitForBatch(t, engine, batch.SessionID)

	got := fr.file(t, batch.Files[0].FileID)
	if !bytes.Equal(got.data, wanted) {
		t.Fatalf("receiver got %q", got.data)
	}
}

func TestAllFilesDeclined(t *testing.T) {
	fr := &fakeReceiver{decline: map[string]bool{"a.txt": true}}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	path := writeTempFile(t, "a.txt", []byte("x"))
	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	// 204 from the receiver means nothing to transfer.
	if batch.SessionID != "" || len(batch.Files) != 0 {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestPinGatesNegotiation(t *testing.T) {
	fr := &fakeReceiver{pin: "7"}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	path := writeTempFile(t, "guarded.txt", []byte("secret"))

	_, err := engine.StartUpload(context.Background(), target, []string{path})
	if err == nil || faults.KindOf(err) != faults.KindSecurity {
		t.Fatalf("pinless upload err = %v", err)
	}

	target.PIN = "7"
	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload with pin: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)
	if eventCount(drainEvents(engine), session.EventCompleted) != 1 {
		t.Fatal("upload with pin never completed")
	}
}

func TestCancelTransferStopsBatch(t *testing.T) {
	fr := &fakeReceiver{delay: 100 * time.Millisecond}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	content := bytes.Repeat([]byte("z"), 128<<10)
	path := writeTempFile(t, "slow.bin", content)

	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	if err := engine.CancelTransfer(batch.SessionID); err != nil {
		t.Fatalf("CancelTransfer: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	events := drainEvents(engine)
	if eventCount(events, session.EventCancelled) != 1 {
		t.Fatalf("events = %+v", events)
	}
	fr.mu.Lock()
	told := fr.cancelled
	fr.mu.Unlock()
	if !told {
		t.Fatal("receiver was never told about the cancel")
	}

	if err := engine.CancelTransfer("ghost"); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("cancel unknown = %v", err)
	}
}

func TestZeroByteFile(t *testing.T) {
	fr := &fakeReceiver{}
	target := newFakeReceiver(t, fr)
	engine, _ := testEngine(t, nil)

	path := writeTempFile(t, "empty.txt", nil)

	batch, err := engine.StartUpload(context.Background(), target, []string{path})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	got := fr.file(t, batch.Files[0].FileID)
	if got.uploads != 1 || len(got.data) != 0 {
		t.Fatalf("zero-byte upload = %+v", got)
	}
	if eventCount(drainEvents(engine), session.EventCompleted) != 1 {
		t.Fatal("zero-byte file never completed")
	}
}

func TestDescribeFile(t *testing.T) {
	content := []byte("describe me")
	path := writeTempFile(t, "described.txt", content)

	file, err := DescribeFile(path)
	if err != nil {
		t.Fatalf("DescribeFile: %v", err)
	}
	if file.Info.FileName != "described.txt" || file.Info.Size != int64(len(content)) {
		t.Fatalf("info = %+v", file.Info)
	}
	if file.Info.ID == "" || file.Info.SHA256 == "" {
		t.Fatalf("missing id or checksum: %+v", file.Info)
	}
	if !strings.HasPrefix(file.Info.FileType, "text/plain") {
		t.Fatalf("fileType = %q", file.Info.FileType)
	}

	unknown := writeTempFile(t, "blob.weirdext", []byte{1, 2, 3})
	file, err = DescribeFile(unknown)
	if err != nil {
		t.Fatalf("DescribeFile unknown ext: %v", err)
	}
	if file.Info.FileType != "application/octet-stream" {
		t.Fatalf("fileType = %q", file.Info.FileType)
	}

	if _, err := DescribeFile(t.TempDir()); err == nil {
		t.Fatal("directories must not be sendable")
	}
	if _, err := DescribeFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("missing file must error")
	}
}
