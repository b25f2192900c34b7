//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tallysync "github.com/hyperengineering/tally/internal/sync"
	"github.com/hyperengineering/tally/pkg/tally"
)

const e2eAPIKey = "e2e-test-api-key"

// tallyServer manages a running `tally serve` process.
type tallyServer struct {
	cmd     *exec.Cmd
	dataDir string
	port    int
	logFile *os.File
}

// startTally launches the backend and waits for it to become healthy. The
// server is configured entirely through environment variables.
func startTally(t *testing.T) *tallyServer {
	t.Helper()
	requireTally(t)

	s := &tallyServer{dataDir: t.TempDir(), port: freePort(t)}
	s.start(t)
	t.Cleanup(s.stop)
	return s
}

func (s *tallyServer) start(t *testing.T) {
	t.Helper()
	lf, err := os.OpenFile(filepath.Join(s.dataDir, "tally.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	s.logFile = lf

	s.cmd = exec.Command(tallyBin, "serve")
	s.cmd.Env = append(os.Environ(),
		fmt.Sprintf("TALLY_PORT=%d", s.port),
		"TALLY_DB_PATH="+filepath.Join(s.dataDir, "tally.db"),
		"TALLY_API_KEY="+e2eAPIKey,
		"TALLY_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
	)
	s.cmd.Stdout = lf
	s.cmd.Stderr = lf
	if err := s.cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start tally: %v", err)
	}
	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("tally not healthy: %v", err)
	}
}

func (s *tallyServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

func (s *tallyServer) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

func (s *tallyServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.baseURL() + "/api/v1/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("tally not healthy after %s", timeout)
}

// api returns a Go client for verifying and seeding server state.
func (s *tallyServer) api(t *testing.T) *tally.Client {
	t.Helper()
	c, err := tally.New(s.baseURL(), e2eAPIKey, tally.WithSourceID("e2e"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// seed pushes documents keyed by cache key.
func (s *tallyServer) seed(t *testing.T, docs map[string]string) {
	t.Helper()
	req := tallysync.PushRequest{PushID: fmt.Sprintf("seed-%d", time.Now().UnixNano())}
	seq := int64(0)
	for key, payload := range docs {
		seq++
		req.Entries = append(req.Entries, tallysync.ChangeLogEntry{
			Sequence: seq, Key: key, Operation: tallysync.OperationUpsert, Payload: json.RawMessage(payload),
		})
	}
	if _, err := s.api(t).Push(context.Background(), req); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// document reads one document from the backend's change log.
func (s *tallyServer) document(t *testing.T, key string) map[string]any {
	t.Helper()
	var doc map[string]any
	after := int64(0)
	for {
		page, err := s.api(t).Delta(context.Background(), after, tallysync.MaxDeltaLimit)
		if err != nil {
			t.Fatalf("delta: %v", err)
		}
		for _, e := range page.Entries {
			if e.Key != key {
				continue
			}
			doc = nil
			if e.Operation == tallysync.OperationUpsert {
				if err := json.Unmarshal(e.Payload, &doc); err != nil {
					t.Fatalf("decode %s: %v", key, err)
				}
			}
		}
		if !page.HasMore {
			return doc
		}
		after = page.LastSequence
	}
}

// tallyClient runs CLI client commands against a server with its own local
// database.
type tallyClient struct {
	server   *tallyServer
	dbPath   string
	sourceID string
}

func newTallyClient(t *testing.T, s *tallyServer, sourceID string) *tallyClient {
	t.Helper()
	return &tallyClient{
		server:   s,
		dbPath:   filepath.Join(t.TempDir(), "client.db"),
		sourceID: sourceID,
	}
}

// run executes a client command and returns stdout and the error, if any.
func (c *tallyClient) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(tallyBin, args...)
	cmd.Env = append(os.Environ(),
		"TALLY_SERVER_URL="+c.server.baseURL(),
		"TALLY_API_KEY="+e2eAPIKey,
		"TALLY_CLIENT_DB_PATH="+c.dbPath,
		"TALLY_SOURCE_ID="+c.sourceID,
		"TALLY_CONFIG_PATH="+c.dbPath+".nonexistent.yaml",
		"TALLY_LOG_LEVEL=error",
		"TALLY_REQUEST_TIMEOUT=2s",
	)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), err
}

// mustRun is run that fails the test on error.
func (c *tallyClient) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.run(t, args...)
	if err != nil {
		t.Fatalf("tally %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// cached returns the client's cached document under key, or nil.
func (c *tallyClient) cached(t *testing.T, key string) map[string]any {
	t.Helper()
	out, err := c.run(t, "cache", "get", key)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode cached %s: %v\n%s", key, err, out)
	}
	return doc
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
