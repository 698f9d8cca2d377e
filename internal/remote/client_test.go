package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()

	var listCalls int32
	files := map[string][]byte{"b.txt": []byte("hi\n")}

	mux := http.NewServeMux()
	mux.HandleFunc("/list/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listCalls, 1)
		entries := []Entry{
			{Name: "a", IsDir: true},
			{Name: "b.txt", IsDir: false, Size: uint64(len(files["b.txt"]))},
		}
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/files/"):]
		switch r.Method {
		case http.MethodGet:
			data, ok := files[name]
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
				w.Write(data[start : end+1])
				return
			}
			w.Write(data)
		case http.MethodPut:
			buf, _ := io.ReadAll(r.Body)
			files[name] = buf
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(files, name)
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/mkdir/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return httptest.NewServer(mux), &listCalls
}

func TestListDirAndCache(t *testing.T) {
	srv, calls := newTestServer(t)
	defer srv.Close()

	c := New(srv.URL, nil, timeutil.RealClock(), Config{DirTTL: time.Minute})

	entries, err := c.ListDir(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = c.ListDir(context.Background(), "")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(calls), "expected a single server hit (cached second call)")
}

func TestReadFullAndRange(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	c := New(srv.URL, nil, timeutil.RealClock(), Config{})

	data, err := c.ReadFull(context.Background(), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	partial, err := c.ReadRange(context.Background(), "b.txt", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(partial))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	c := New(srv.URL, nil, timeutil.RealClock(), Config{})

	require.NoError(t, c.Write(context.Background(), "c.txt", []byte("hello world")))

	data, err := c.ReadFull(context.Background(), "c.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	c := New(srv.URL, nil, timeutil.RealClock(), Config{})

	_, err := c.ReadFull(context.Background(), "missing.txt")
	require.Error(t, err)
	assert.True(t, NotFound(err), "expected a NotFound error, got %v", err)
}

// TestListDirEntryShape is table-driven: it asserts the exact shape of the
// decoded Entry slice against the server's canned listing, using
// pretty.Compare so a field-level regression (e.g. a flipped IsDir or a
// dropped Size) shows up as a readable diff instead of a bare boolean.
func TestListDirEntryShape(t *testing.T) {
	cases := []struct {
		name string
		want []Entry
	}{
		{
			name: "root listing",
			want: []Entry{
				{Name: "a", IsDir: true},
				{Name: "b.txt", IsDir: false, Size: 3},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			defer srv.Close()

			c := New(srv.URL, nil, timeutil.RealClock(), Config{})

			got, err := c.ListDir(context.Background(), "")
			require.NoError(t, err)

			if diff := pretty.Compare(tc.want, got); diff != "" {
				t.Fatalf("listing diverged from expected shape (-want +got):\n%s", diff)
			}
		})
	}
}
