package fsops_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/restfs/restfs/internal/remote"
)

// newTestMux serves a minimal, mutable in-memory filesystem over the same
// REST surface internal/remote.Client speaks, so the dispatcher can be
// exercised end-to-end through a real mount without a real backend server.
func newTestMux(files map[string][]byte, dirs map[string]bool) http.Handler {
	var mu sync.Mutex

	childName := func(parent, full string) (string, bool) {
		if parent == "" {
			if strings.Contains(full, "/") {
				return "", false
			}
			return full, full != ""
		}
		prefix := parent + "/"
		if !strings.HasPrefix(full, prefix) {
			return "", false
		}
		rest := full[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			return "", false
		}
		return rest, true
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/list/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		parent := strings.TrimPrefix(r.URL.Path, "/list/")
		parent = strings.TrimSuffix(parent, "/")

		if parent != "" && !dirs[parent] {
			http.NotFound(w, r)
			return
		}

		var entries []remote.Entry
		seen := map[string]bool{}
		for p := range dirs {
			if p == "" {
				continue
			}
			if name, ok := childName(parent, p); ok && !seen[name] {
				seen[name] = true
				entries = append(entries, remote.Entry{Name: name, IsDir: true})
			}
		}
		for p, data := range files {
			if name, ok := childName(parent, p); ok && !seen[name] {
				seen[name] = true
				entries = append(entries, remote.Entry{Name: name, IsDir: false, Size: uint64(len(data))})
			}
		}

		json.NewEncoder(w).Encode(entries)
	})

	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/files/")

		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			data, ok := files[name]
			mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			if rng := r.Header.Get("Range"); rng != "" {
				var start, end int
				fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
				if end >= len(data) {
					end = len(data) - 1
				}
				if start > end {
					w.Write(nil)
					return
				}
				w.Write(data[start : end+1])
				return
			}
			w.Write(data)

		case http.MethodPut:
			buf, _ := io.ReadAll(r.Body)
			mu.Lock()
			files[name] = buf
			mu.Unlock()
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			mu.Lock()
			if _, ok := files[name]; ok {
				delete(files, name)
			} else if dirs[name] {
				delete(dirs, name)
			} else {
				mu.Unlock()
				http.NotFound(w, r)
				return
			}
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}
	})

	mux.HandleFunc("/mkdir/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/mkdir/")
		mu.Lock()
		dirs[name] = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
