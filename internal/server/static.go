package server

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// indexFiles are tried in order when a directory is requested.
var indexFiles = []string{"index.html", "index.htm"}

// staticHandler serves the pages that open websocket connections to the
// routes, such as a browser test client.
type staticHandler struct {
	root   string
	logger *slog.Logger
}

func newStaticHandler(directory string, logger *slog.Logger) http.Handler {
	absDir, err := filepath.Abs(directory)
	if err != nil {
		logger.Warn("failed to resolve static directory", "dir", directory, "error", err)
		absDir = directory
	}
	if _, err := os.Stat(absDir); os.IsNotExist(err) {
		logger.Warn("static directory does not exist", "dir", absDir)
	}
	return &staticHandler{root: absDir, logger: logger}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	// Clean before joining to prevent directory traversal
	rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
	fullPath := filepath.Join(h.root, rel)
	if fullPath != h.root && !strings.HasPrefix(fullPath, h.root+string(filepath.Separator)) {
		h.logger.Debug("static path outside root", "path", r.URL.Path)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		h.logger.Error("static stat failed", "path", fullPath, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if info.IsDir() {
		found := false
		for _, name := range indexFiles {
			p := filepath.Join(fullPath, name)
			if _, err := os.Stat(p); err == nil {
				fullPath = p
				found = true
				break
			}
		}
		if !found {
			// Directory listing disabled
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	http.ServeFile(w, r, fullPath)

	h.logger.Debug("static file served", "path", r.URL.Path, "duration", time.Since(start))
}
