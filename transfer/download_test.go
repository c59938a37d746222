package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

type sharedFile struct {
	info types.FileInfo
	data []byte
}

// fakeSource speaks just enough of the sharing side to exercise the
// pull engine: the offer, ranged downloads, and their failure modes.
type fakeSource struct {
	mu          sync.Mutex
	pin         string
	sessionID   string
	files       map[string]sharedFile
	ignoreRange bool
	failFirst   int
	delay       time.Duration

	ranges []string
}

func (fs *fakeSource) addFile(id, name string, data []byte) {
	if fs.files == nil {
		fs.files = make(map[string]sharedFile)
	}
	fs.files[id] = sharedFile{
		info: types.FileInfo{ID: id, FileName: name, Size: int64(len(data)), FileType: "application/octet-stream"},
		data: data,
	}
}

func (fs *fakeSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/localsend/v2/prepare-download":
		fs.handlePrepare(w, r)
	case "/api/localsend/v2/download":
		fs.handleDownload(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fs *fakeSource) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if fs.pin != "" && r.URL.Query().Get("pin") != fs.pin {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	fs.mu.Lock()
	offer := types.PrepareDownloadResponse{
		Info:      types.NewDevice("source", "fp-source", 53317, "http"),
		SessionId: fs.sessionID,
		Files:     make(map[string]types.FileInfo, len(fs.files)),
	}
	for id, file := range fs.files {
		offer.Files[id] = file.info
	}
	fs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&offer)
}

func (fs *fakeSource) handleDownload(w http.ResponseWriter, r *http.Request) {
	if fs.delay > 0 {
		time.Sleep(fs.delay)
	}
	query := r.URL.Query()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if query.Get("sessionId") != fs.sessionID {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	file, ok := fs.files[query.Get("fileId")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if fs.failFirst > 0 {
		fs.failFirst--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	header := r.Header.Get("Range")
	if header != "" {
		fs.ranges = append(fs.ranges, header)
	}
	if header == "" || fs.ignoreRange {
		w.WriteHeader(http.StatusOK)
		w.Write(file.data)
		return
	}

	var start, end int64
	if _, err := fmt.Sscanf(header, "bytes=%d-%d", &start, &end); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if start < 0 || end >= file.info.Size || start > end {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, file.info.Size))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(file.data[start : end+1])
}

func (fs *fakeSource) observedRanges() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.ranges...)
}

func newFakeSource(t *testing.T, fs *fakeSource) Target {
	t.Helper()
	if fs.sessionID == "" {
		fs.sessionID = "pull-session"
	}
	srv := httptest.NewServer(fs)
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
		Device:  types.NewDevice("source", "fp-source", port, "http"),
		Address: host,
	}
}

// pullStore is the minimal persistence a resume needs.
type pullStore struct {
	mu          sync.Mutex
	checkpoints map[string]int64
	deleted     []string
}

func newPullStore() *pullStore {
	return &pullStore{checkpoints: make(map[string]int64)}
}

func (s *pullStore) SaveCheckpoint(sessionID, fileID string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[sessionID+"/"+fileID] = offset
	return nil
}

func (s *pullStore) Checkpoint(sessionID, fileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, ok := s.checkpoints[sessionID+"/"+fileID]
	if !ok {
		return 0, errors.New("not found")
	}
	return offset, nil
}

func (s *pullStore) DeleteCheckpoints(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, sessionID)
	return nil
}

func (s *pullStore) PruneCheckpoints(before time.Time) (int64, error) {
	return 0, nil
}

func (s *pullStore) RecordTransfer(rec session.TransferRecord) error {
	return nil
}

func testPullEngine(t *testing.T, store session.Store) (*Engine, *session.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	manager := session.NewManager(session.Config{UploadDir: dir}, quietLogger(), nil, nil, store)
	cfg := Config{
		Self:         types.NewDevice("puller", "fp-puller", 53317, "http"),
		ChunkTimeout: 2 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 10 * time.Millisecond,
	}
	reporter := faults.NewReporter(quietLogger())
	engine := NewEngine(cfg, quietLogger(), nil, nil, reporter, store, manager)
	return engine, manager, dir
}

func drainManagerEvents(m *session.Manager) []session.Event {
	var events []session.Event
	for {
		select {
		case event := <-m.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func managerEventCount(events []session.Event, kind session.EventType) int {
	n := 0
	for _, event := range events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func TestStartDownloadPullsOfferedFiles(t *testing.T) {
	fs := &fakeSource{}
	fs.addFile("f1", "one.txt", []byte("first offered file"))
	fs.addFile("f2", "two.txt", []byte("second offered file"))
	source := newFakeSource(t, fs)
	engine, manager, dir := testPullEngine(t, nil)

	batch, err := engine.StartDownload(context.Background(), source, nil)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	if batch.SessionID != "pull-session" || len(batch.Files) != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	waitForBatch(t, engine, batch.SessionID)

	for name, want := range map[string]string{"one.txt": "first offered file", "two.txt": "second offered file"} {
		saved, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(saved) != want {
			t.Fatalf("%s = %q, want %q", name, saved, want)
		}
	}
	events := drainManagerEvents(manager)
	if managerEventCount(events, session.EventCompleted) != 2 {
		t.Fatalf("events = %+v", events)
	}
}

func TestStartDownloadChunksLargeFile(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 20480) // 160 KiB, three floor-policy chunks
	fs := &fakeSource{}
	fs.addFile("f1", "big.bin", content)
	source := newFakeSource(t, fs)
	engine, _, dir := testPullEngine(t, nil)

	batch, err := engine.StartDownload(context.Background(), source, nil)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	saved, err := os.ReadFile(filepath.Join(dir, "big.bin"))
	if err != nil {
		t.Fatalf("read pulled file: %v", err)
	}
	if !bytes.Equal(saved, content) {
		t.Fatal("reassembled bytes differ from the source")
	}
	ranges := fs.observedRanges()
	if len(ranges) != 3 {
		t.Fatalf("ranges = %v, want 3 chunked fetches", ranges)
	}
	if ranges[0] != "bytes=0-65535" {
		t.Fatalf("first range = %q", ranges[0])
	}
}

func TestStartDownloadSelectsRequestedIDs(t *testing.T) {
	fs := &fakeSource{}
	fs.addFile("f1", "wanted.txt", []byte("take this"))
	fs.addFile("f2", "ignored.txt", []byte("leave this"))
	source := newFakeSource(t, fs)
	engine, _, dir := testPullEngine(t, nil)

	batch, err := engine.StartDownload(context.Background(), source, []string{"f1"})
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	if len(batch.Files) != 1 || batch.Files[0].FileName != "wanted.txt" {
		t.Fatalf("batch = %+v", batch.Files)
	}
	waitForBatch(t, engine, batch.SessionID)

	if _, err := os.Stat(filepath.Join(dir, "ignored.txt")); !os.IsNotExist(err) {
		t.Fatal("unselected file was pulled anyway")
	}

	if _, err := engine.StartDownload(context.Background(), source, []string{"ghost"}); err == nil {
		t.Fatal("unknown file id must fail the negotiation")
	}
}

func TestStartDownloadPinGate(t *testing.T) {
	fs := &fakeSource{pin: "7"}
	fs.addFile("f1", "guarded.txt", []byte("secret"))
	source := newFakeSource(t, fs)
	engine, _, dir := testPullEngine(t, nil)

	_, err := engine.StartDownload(context.Background(), source, nil)
	if err == nil || faults.KindOf(err) != faults.KindSecurity {
		t.Fatalf("pinless pull err = %v", err)
	}

	source.PIN = "7"
	batch, err := engine.StartDownload(context.Background(), source, nil)
	if err != nil {
		t.Fatalf("StartDownload with pin: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)
	if _, err := os.Stat(filepath.Join(dir, "guarded.txt")); err != nil {
		t.Fatalf("guarded file missing: %v", err)
	}
}

func TestStartDownloadWholeBodyFallback(t *testing.T) {
	content := []byte("served in one go, range or not")
	fs := &fakeSource{ignoreRange: true}
	fs.addFile("f1", "whole.txt", content)
	source := newFakeSource(t, fs)
	engine, manager, dir := testPullEngine(t, nil)

	batch, err := engine.StartDownload(context.Background(), source, nil)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	saved, err := os.ReadFile(filepath.Join(dir, "whole.txt"))
	if err != nil {
		t.Fatalf("read pulled file: %v", err)
	}
	if !bytes.Equal(saved, content) {
		t.Fatalf("pulled %q", saved)
	}
	if managerEventCount(drainManagerEvents(manager), session.EventCompleted) != 1 {
		t.Fatal("whole-body fallback never completed")
	}
}

func TestStartDownloadRetriesSourceErrors(t *testing.T) {
	fs := &fakeSource{failFirst: 2}
	fs.addFile("f1", "flaky.txt", []byte("worth retrying for"))
	source := newFakeSource(t, fs)
	engine, manager, dir := testPullEngine(t, nil)

	batch, err := engine.StartDownload(context.Background(), source, nil)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	if _, err := os.Stat(filepath.Join(dir, "flaky.txt")); err != nil {
		t.Fatalf("file missing after retries: %v", err)
	}
	if managerEventCount(drainManagerEvents(manager), session.EventCompleted) != 1 {
		t.Fatal("retry path never completed the pull")
	}
}

func TestStartDownloadResumesFromCheckpoint(t *testing.T) {
	content := []byte("abcdefghij")
	fs := &fakeSource{}
	fs.addFile("f1", "resume.bin", content)
	source := newFakeSource(t, fs)

	store := newPullStore()
	engine, _, dir := testPullEngine(t, store)

	// A crashed run left half the file plus its checkpoint behind. The
	// part file name embeds the source's session id.
	partPath := filepath.Join(dir, "resume.bin.pull-ses.part")
	if err := os.WriteFile(partPath, content[:5], 0o644); err != nil {
		t.Fatalf("seed part file: %v", err)
	}
	store.checkpoints["pull-session/f1"] = 5

	batch, err := engine.StartDownload(context.Background(), source, nil)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	ranges := fs.observedRanges()
	if len(ranges) != 1 || ranges[0] != "bytes=5-9" {
		t.Fatalf("ranges = %v, want a single fetch from the watermark", ranges)
	}
	saved, err := os.ReadFile(filepath.Join(dir, "resume.bin"))
	if err != nil {
		t.Fatalf("read resumed file: %v", err)
	}
	if !bytes.Equal(saved, content) {
		t.Fatalf("resumed file = %q, want %q", saved, content)
	}
}

func TestCancelDownloadStopsPull(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 256<<10)
	fs := &fakeSource{delay: 100 * time.Millisecond}
	fs.addFile("f1", "slow.bin", content)
	source := newFakeSource(t, fs)

	store := newPullStore()
	engine, manager, _ := testPullEngine(t, store)

	batch, err := engine.StartDownload(context.Background(), source, nil)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	if err := engine.CancelTransfer(batch.SessionID); err != nil {
		t.Fatalf("CancelTransfer: %v", err)
	}
	waitForBatch(t, engine, batch.SessionID)

	if managerEventCount(drainManagerEvents(manager), session.EventCancelled) != 1 {
		t.Fatal("cancel never reached the session")
	}
	store.mu.Lock()
	deleted := append([]string(nil), store.deleted...)
	store.mu.Unlock()
	if len(deleted) == 0 || deleted[0] != batch.SessionID {
		t.Fatalf("cancel left resume state behind: %v", deleted)
	}
}

func TestStartDownloadNeedsManager(t *testing.T) {
	engine, _ := testEngine(t, nil)
	_, err := engine.StartDownload(context.Background(), Target{Address: "10.0.0.9"}, nil)
	if err == nil {
		t.Fatal("pull without a receive manager must fail")
	}
}
