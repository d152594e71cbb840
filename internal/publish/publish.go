// Package publish uploads wheels to a package index over the legacy upload
// API and guards nightly uploads behind the rename batch outcome.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/wheelwright/internal/nightly"
	"github.com/animus-labs/wheelwright/internal/wheel"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	ErrNoArtifacts = errors.New("no artifacts to upload")
	ErrBatchFailed = errors.New("nightly rename batch failed; refusing to publish")
)

const maxErrorBody = 2048

type Config struct {
	IndexURL     string
	Username     string
	Password     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.IndexURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("index url must be an absolute http(s) URL: %q", c.IndexURL)
	}
	if c.TokenURL != "" {
		if strings.TrimSpace(c.ClientID) == "" || c.ClientSecret == "" {
			return errors.New("client id and secret are required with a token url")
		}
		return nil
	}
	if c.Password == "" {
		return errors.New("index password is required")
	}
	return nil
}

// UploadError is a non-2xx answer from the index.
type UploadError struct {
	Filename   string
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload %s: index returned %d", e.Filename, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Uploaded describes one wheel the index accepted.
type Uploaded struct {
	Path     string
	Filename string
	Name     string
	Version  string
	SHA256   string
	Size     int64
}

type Uploader struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewUploader(cfg Config, logger *zap.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Username) == "" {
		cfg.Username = "__token__"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := &http.Client{Transport: newTransport(), Timeout: cfg.Timeout}
	client := base
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
		client.Timeout = cfg.Timeout
	}
	return &Uploader{cfg: cfg, client: client, logger: logger}, nil
}

// Gate refuses to publish anything from a batch with a failed rename.
func Gate(b nightly.Batch) error {
	if b.OK {
		return nil
	}
	if err := b.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}
	return ErrBatchFailed
}

// UploadAll uploads the wheels in order and stops at the first failure.
// Wheels uploaded before the failure are returned with the error.
func (u *Uploader) UploadAll(ctx context.Context, paths []string) ([]Uploaded, error) {
	if len(paths) == 0 {
		return nil, ErrNoArtifacts
	}
	var total int64
	out := make([]Uploaded, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		up, err := u.Upload(ctx, p)
		if err != nil {
			return out, err
		}
		total += up.Size
		out = append(out, up)
	}
	u.logger.Info("upload complete",
		zap.Int("wheels", len(out)),
		zap.String("bytes", humanize.IBytes(uint64(total))),
		zap.String("index_url", u.cfg.IndexURL))
	return out, nil
}

func (u *Uploader) Upload(ctx context.Context, path string) (Uploaded, error) {
	info, err := wheel.ReadInfo(path)
	if err != nil {
		return Uploaded{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	sum, size, err := fileDigest(path)
	if err != nil {
		return Uploaded{}, err
	}

	fields := []field{
		{":action", "file_upload"},
		{"protocol_version", "1"},
		{"name", info.Name},
		{"version", info.Version},
		{"filetype", "bdist_wheel"},
		{"pyversion", info.Filename.PythonTag},
		{"metadata_version", info.MetadataVersion},
		{"summary", info.Summary},
		{"sha256_digest", sum},
	}
	for _, key := range []string{"Requires-Python", "License", "Home-page", "Author", "Author-email"} {
		if v, ok := info.Metadata.Get(key); ok && v != "" {
			fields = append(fields, field{strings.ToLower(strings.ReplaceAll(key, "-", "_")), v})
		}
	}
	for _, v := range info.Metadata.All("Requires-Dist") {
		fields = append(fields, field{"requires_dist", v})
	}

	body, contentType := multipartBody(fields, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.IndexURL, body)
	if err != nil {
		_ = body.Close()
		return Uploaded{}, err
	}
	req.Header.Set("Content-Type", contentType)
	if u.cfg.TokenURL == "" {
		req.SetBasicAuth(u.cfg.Username, u.cfg.Password)
	}

	started := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return Uploaded{}, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Uploaded{}, &UploadError{
			Filename:   filepath.Base(path),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	u.logger.Info("wheel uploaded",
		zap.String("file", filepath.Base(path)),
		zap.String("size", humanize.IBytes(uint64(size))),
		zap.Duration("took", time.Since(started)))
	return Uploaded{
		Path:     path,
		Filename: filepath.Base(path),
		Name:     info.Name,
		Version:  info.Version,
		SHA256:   sum,
		Size:     size,
	}, nil
}

type field struct {
	name, value string
}

// multipartBody streams the form so large wheels are never held in memory.
func multipartBody(fields []field, path string) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, fields, path))
	}()
	return pr, mw.FormDataContentType()
}

func writeForm(mw *multipart.Writer, fields []field, path string) error {
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("content", filepath.Base(path))
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return mw.Close()
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	sum, size, err := wheel.HexDigest(f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return sum, size, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
