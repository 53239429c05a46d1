package hub

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	createStatus int
	commitStatus int
	creates      atomic.Int32
	commits      atomic.Int32
	createBody   map[string]any
	lines        []map[string]any
	auth         string
	commitPath   string
}

func (f *fakeHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/repos/create", func(w http.ResponseWriter, r *http.Request) {
		f.creates.Add(1)
		f.auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.createBody))
		w.WriteHeader(f.createStatus)
		w.Write([]byte(`{"url":"https://hub.test/acme/bds"}`))
	})
	mux.HandleFunc("/api/models/", func(w http.ResponseWriter, r *http.Request) {
		f.commits.Add(1)
		f.commitPath = r.URL.Path
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for sc.Scan() {
			var line map[string]any
			assert.NoError(t, json.Unmarshal(sc.Bytes(), &line))
			f.lines = append(f.lines, line)
		}
		w.WriteHeader(f.commitStatus)
		if f.commitStatus == http.StatusOK {
			w.Write([]byte(`{"commitUrl":"https://hub.test/acme/bds/commit/abc","commitOid":"abc"}`))
		} else {
			w.Write([]byte(`{"error":"denied"}`))
		}
	})
	return mux
}

func writeModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"config.json":         `{"num_labels":3}`,
		"model.safetensors":   "weights",
		"vocab.txt":           "[PAD]\n[UNK]\n",
		"logs/progress.jsonl": "{}\n",
		"notes/secret.txt":    "s3cr3t",
		IgnoreFile:            "*.jsonl\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestCollectFiles(t *testing.T) {
	dir := writeModelDir(t)
	files, err := CollectFiles(dir, []string{"secret.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"config.json", "model.safetensors", "vocab.txt"}, files)

	files, err = CollectFiles(dir, nil)
	require.NoError(t, err)
	assert.Contains(t, files, "notes/secret.txt")
	assert.NotContains(t, files, IgnoreFile)
}

func TestPublishCreatesRepoAndCommits(t *testing.T) {
	fh := &fakeHub{createStatus: http.StatusOK, commitStatus: http.StatusOK}
	srv := httptest.NewServer(fh.handler(t))
	defer srv.Close()

	dir := writeModelDir(t)
	c := New(srv.URL+"/", "hf_token", WithPrivate(true), WithIgnorePatterns("secret.txt"))
	commit, err := c.Publish(context.Background(), dir, "acme", "bds", "Upload model")
	require.NoError(t, err)

	assert.Equal(t, "acme/bds", commit.RepoID)
	assert.Equal(t, "abc", commit.OID)
	assert.Equal(t, "Bearer hf_token", fh.auth)
	assert.Equal(t, map[string]any{"name": "bds", "organization": "acme", "type": "model", "private": true}, fh.createBody)
	assert.Equal(t, "/api/models/acme/bds/commit/main", fh.commitPath)

	require.Len(t, fh.lines, 4)
	assert.Equal(t, "header", fh.lines[0]["key"])
	assert.Equal(t, "Upload model", fh.lines[0]["value"].(map[string]any)["summary"])
	var paths []string
	for _, line := range fh.lines[1:] {
		assert.Equal(t, "file", line["key"])
		v := line["value"].(map[string]any)
		paths = append(paths, v["path"].(string))
		if v["path"] == "config.json" {
			raw, err := base64.StdEncoding.DecodeString(v["content"].(string))
			require.NoError(t, err)
			assert.Equal(t, `{"num_labels":3}`, string(raw))
		}
	}
	assert.Equal(t, []string{"config.json", "model.safetensors", "vocab.txt"}, paths)
}

func TestPublishExistingRepo(t *testing.T) {
	fh := &fakeHub{createStatus: http.StatusConflict, commitStatus: http.StatusOK}
	srv := httptest.NewServer(fh.handler(t))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Publish(context.Background(), writeModelDir(t), "acme", "bds", "again")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fh.commits.Load())
}

func TestPublishFailureIsNotRetried(t *testing.T) {
	fh := &fakeHub{createStatus: http.StatusOK, commitStatus: http.StatusUnauthorized}
	srv := httptest.NewServer(fh.handler(t))
	defer srv.Close()

	_, err := New(srv.URL, "bad").Publish(context.Background(), writeModelDir(t), "acme", "bds", "msg")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "commit", apiErr.Op)
	assert.EqualValues(t, 1, fh.commits.Load())

	fh = &fakeHub{createStatus: http.StatusForbidden}
	srv2 := httptest.NewServer(fh.handler(t))
	defer srv2.Close()
	_, err = New(srv2.URL, "bad").Publish(context.Background(), writeModelDir(t), "acme", "bds", "msg")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "create repo", apiErr.Op)
	assert.EqualValues(t, 0, fh.commits.Load())
}

func TestPublishEmptyDir(t *testing.T) {
	_, err := New("http://127.0.0.1:0", "").Publish(context.Background(), t.TempDir(), "acme", "bds", "msg")
	assert.ErrorIs(t, err, ErrNoFiles)
}
