// vmguestd is the in-guest agent: the server side of the wire protocol
// internal/guestclient speaks to over AF_VSOCK (spec.md §6). It serves a
// small in-memory clipboard, an outgoing file queue, a URL-open queue,
// and a bounded log ring, grounded on the teacher's guest-facing
// internal/harness HTTP API (net/http.ServeMux method patterns, a single
// writeError JSON helper, plain log.Printf).
//
// Intended to run inside the guest; listens on AF_VSOCK port 5000
// (guestclient.DefaultPort) by default, reachable from the host via
// internal/guestclient.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/mdlayher/vsock"

	"github.com/ghostvm/ghostvm/internal/guestclient"
)

// maxLogLines bounds the in-memory log ring, per spec.md §6.
const maxLogLines = 500

func main() {
	port := flag.Uint("port", uint(guestclient.DefaultPort), "vsock port to listen on")
	downloadsDir := flag.String("downloads-dir", "/root/Downloads", "directory received files are written to")
	flag.Parse()

	ln, err := vsock.Listen(uint32(*port))
	if err != nil {
		log.Fatalf("vmguestd: vsock listen on port %d: %v", *port, err)
	}
	log.Printf("vmguestd: listening on vsock port %d", *port)

	svc := newAgentService(*downloadsDir)
	mux := newMux(svc)
	if err := http.Serve(ln, mux); err != nil {
		log.Printf("vmguestd: serve: %v", err)
	}
}

func newMux(svc *agentService) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /clipboard", svc.handleGetClipboard)
	mux.HandleFunc("POST /clipboard", svc.handleSetClipboard)
	mux.HandleFunc("POST /files/receive", svc.handleReceiveFile)
	mux.HandleFunc("GET /files", svc.handleListFiles)
	mux.HandleFunc("GET /urls", svc.handleListURLs)
	mux.HandleFunc("GET /logs", svc.handleLogs)

	return mux
}

// agentService holds the guest-side state the wire protocol exposes: a
// clipboard slot, an outgoing-file queue populated by whatever receives
// files into downloadsDir, a pending-URL queue, and a bounded log ring.
// A single mutex is enough — none of these endpoints is on a hot path.
type agentService struct {
	downloadsDir string

	mu          sync.Mutex
	clipboard   guestclient.ClipboardContent
	changeCount int
	files       []string
	urls        []string
	logs        []guestclient.LogLine
}

func newAgentService(downloadsDir string) *agentService {
	if err := os.MkdirAll(downloadsDir, 0o755); err != nil {
		log.Printf("vmguestd: mkdir %s: %v", downloadsDir, err)
	}
	s := &agentService{downloadsDir: downloadsDir}
	s.logLine("vmguestd started")
	return s
}

func (s *agentService) logLine(format string, args ...interface{}) {
	line := guestclient.LogLine{Timestamp: time.Now(), Line: fmt.Sprintf(format, args...)}
	s.mu.Lock()
	s.logs = append(s.logs, line)
	if len(s.logs) > maxLogLines {
		s.logs = s.logs[len(s.logs)-maxLogLines:]
	}
	s.mu.Unlock()
	log.Print(line.Line)
}

func (s *agentService) handleGetClipboard(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cb := s.clipboard
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, cb)
}

func (s *agentService) handleSetClipboard(w http.ResponseWriter, r *http.Request) {
	var cb guestclient.ClipboardContent
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.changeCount++
	cb.ChangeCount = s.changeCount
	s.clipboard = cb
	s.mu.Unlock()
	s.logLine("clipboard set (%d bytes)", len(cb.Content))
	w.WriteHeader(http.StatusNoContent)
}

// handleReceiveFile writes the request body to downloadsDir under the
// X-Ghostvm-Filename header, sanitized against path traversal and
// deduplicated against an existing name by appending " (n)" before the
// extension, mirroring how a desktop downloads folder avoids clobbering.
func (s *agentService) handleReceiveFile(w http.ResponseWriter, r *http.Request) {
	name := sanitizeFilename(r.Header.Get("X-Ghostvm-Filename"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Ghostvm-Filename")
		return
	}

	path := s.dedupedPath(name)
	f, err := os.Create(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, r.Body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logLine("received file %s", path)
	writeJSON(w, http.StatusOK, guestclient.ReceiveFileResult{Path: path})
}

// sanitizeFilename rejects any filename header containing a path
// separator or equal to "." or "..", refusing the whole request rather
// than guessing at a safe basename — the guest side owns this sanitation,
// per internal/guestclient.SendFile's doc comment.
func sanitizeFilename(name string) string {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ""
	}
	return name
}

// joinDownload resolves name under downloadsDir via securejoin, which
// re-validates the result stays inside the base even across symlinks —
// belt-and-suspenders alongside sanitizeFilename's header-level check.
func joinDownload(downloadsDir, name string) string {
	path, err := securejoin.SecureJoin(downloadsDir, name)
	if err != nil {
		return filepath.Join(downloadsDir, name)
	}
	return path
}

func (s *agentService) dedupedPath(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	path := joinDownload(s.downloadsDir, name)
	for i := 1; fileExists(path); i++ {
		path = joinDownload(s.downloadsDir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
	s.mu.Lock()
	s.files = append(s.files, path)
	s.mu.Unlock()
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *agentService) handleListFiles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	files := append([]string(nil), s.files...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, files)
}

func (s *agentService) handleListURLs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var urls []string
	for _, u := range s.urls {
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			urls = append(urls, u)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, urls)
}

func (s *agentService) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	lines := append([]guestclient.LogLine(nil), s.logs...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, lines)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
