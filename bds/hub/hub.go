// Package hub uploads a model directory to a Hugging Face compatible model hub.
package hub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile lists gitignore-style patterns for files that are never uploaded.
const IgnoreFile = ".hubignore"

// ErrNoFiles is returned when there is nothing to upload.
var ErrNoFiles = errors.New("no files to upload")

// APIError represents a non-2xx response from the hub.
type APIError struct {
	Op         string
	StatusCode int
	Body       string // first 512 bytes
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the hub with Bearer auth. It never retries.
type Client struct {
	endpoint   string
	token      string
	private    bool
	ignore     []string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithPrivate creates new repositories as private.
func WithPrivate(private bool) Option {
	return func(c *Client) { c.private = private }
}

// WithIgnorePatterns adds gitignore-style patterns on top of IgnoreFile.
func WithIgnorePatterns(patterns ...string) Option {
	return func(c *Client) { c.ignore = append(c.ignore, patterns...) }
}

// New creates a Client for endpoint, e.g. https://huggingface.co.
func New(endpoint, token string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit describes an uploaded revision.
type Commit struct {
	RepoID string   `json:"-"`
	URL    string   `json:"commitUrl"`
	OID    string   `json:"commitOid"`
	Files  []string `json:"-"`
}

// RepoID joins account and repo the way the hub names repositories.
func RepoID(account, repo string) string {
	if account == "" {
		return repo
	}
	return account + "/" + repo
}

// Publish uploads every file in dir to <account>/<repo> as one commit,
// creating the repository first if it does not exist.
func (c *Client) Publish(ctx context.Context, dir, account, repo, message string) (*Commit, error) {
	if repo == "" {
		return nil, fmt.Errorf("repository name is required")
	}
	files, err := CollectFiles(dir, c.ignore)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFiles, dir)
	}
	if err := c.CreateRepo(ctx, account, repo); err != nil {
		return nil, err
	}
	commit, err := c.commit(ctx, dir, RepoID(account, repo), message, files)
	if err != nil {
		return nil, err
	}
	slog.Info("Published model", "repo", commit.RepoID, "files", len(files), "commit", commit.OID)
	return commit, nil
}

// CreateRepo creates a model repository. An existing repository is not an error.
func (c *Client) CreateRepo(ctx context.Context, account, repo string) error {
	payload := map[string]any{"name": repo, "type": "model", "private": c.private}
	if account != "" {
		payload["organization"] = account
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	status, respBody, err := c.post(ctx, "/api/repos/create", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict:
		slog.Debug("Repository already exists", "repo", RepoID(account, repo))
		return nil
	case status < 200 || status >= 300:
		return newAPIError("create repo", status, respBody)
	}
	return nil
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitFile struct {
	Content  string `json:"content"`
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

func (c *Client) commit(ctx context.Context, dir, repoID, message string, files []string) (*Commit, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(commitLine{Key: "header", Value: commitHeader{Summary: message}}); err != nil {
		return nil, err
	}
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		line := commitLine{Key: "file", Value: commitFile{
			Content:  base64.StdEncoding.EncodeToString(data),
			Path:     name,
			Encoding: "base64",
		}}
		if err := enc.Encode(line); err != nil {
			return nil, err
		}
	}

	status, respBody, err := c.post(ctx, "/api/models/"+repoID+"/commit/main", "application/x-ndjson", &buf)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, newAPIError("commit", status, respBody)
	}
	commit := &Commit{RepoID: repoID, Files: files}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, commit); err != nil {
			return nil, fmt.Errorf("decode commit response: %w", err)
		}
	}
	return commit, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func newAPIError(op string, status int, body []byte) *APIError {
	s := string(body)
	if len(s) > 512 {
		s = s[:512]
	}
	return &APIError{Op: op, StatusCode: status, Body: s}
}

// CollectFiles lists regular files under dir as sorted slash-separated
// relative paths, skipping those matched by dir/.hubignore or patterns.
// The ignore file itself is never listed.
func CollectFiles(dir string, patterns []string) ([]string, error) {
	lines, err := readIgnoreFile(filepath.Join(dir, IgnoreFile))
	if err != nil {
		return nil, err
	}
	matcher := ignore.CompileIgnoreLines(append(lines, patterns...)...)

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if matcher.MatchesPath(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || rel == IgnoreFile || matcher.MatchesPath(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", IgnoreFile, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
