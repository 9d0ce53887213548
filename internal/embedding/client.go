package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultURL          = "http://localhost:8000"
	defaultModel        = "dinov2"
	defaultConcurrency  = 4
	defaultMaxImageSize = 512
	defaultTimeout      = 60 * time.Second
)

// Compile-time check that Client implements Provider.
var _ Provider = (*Client)(nil)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	URL          string
	Model        string
	Dim          int
	Concurrency  int
	MaxImageSize int
	Timeout      time.Duration
}

// Client computes image embeddings by posting each image to an embedding
// server's /embed/image endpoint.
type Client struct {
	baseURL     string
	model       string
	dim         int
	concurrency int
	maxSize     int
	http        *http.Client
	logger      *slog.Logger
}

// NewClient creates a Client for the embedding server at opts.URL.
func NewClient(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = defaultURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = defaultMaxImageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:     strings.TrimSuffix(opts.URL, "/"),
		model:       opts.Model,
		dim:         opts.Dim,
		concurrency: opts.Concurrency,
		maxSize:     opts.MaxImageSize,
		http:        &http.Client{Timeout: opts.Timeout},
		logger:      slog.Default(),
	}
}

// Model returns the model name reported to the server.
func (c *Client) Model() string {
	return c.model
}

// embeddingResponse is the embedding server's reply.
type embeddingResponse struct {
	Dim        int       `json:"dim"`
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Pretrained string    `json:"pretrained"`
}

// errTransport marks failures talking to the server, as opposed to
// failures specific to one image.
var errTransport = errors.New("embedding server unreachable")

// Ping checks that the embedding server answers on /health.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", errTransport, c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding server health check returned %d", resp.StatusCode)
	}
	return nil
}

// Embed embeds every path concurrently. Per-image failures are logged and
// left out of the result. If every image failed because the server could
// not be reached, the batch fails as a whole.
func (c *Client) Embed(ctx context.Context, paths []string) (Result, error) {
	if len(paths) == 0 {
		return Result{}, nil
	}

	vectors := make([][]float32, len(paths))
	errs := make([]error, len(paths))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, p := range paths {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			vec, err := c.embedPath(gCtx, p)
			if err != nil {
				errs[i] = err
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	transportFailures := 0
	for i := range paths {
		if errs[i] != nil {
			if errors.Is(errs[i], errTransport) {
				transportFailures++
			}
			c.logger.Warn("embedding failed", "path", paths[i], "error", errs[i])
			continue
		}
		res.Vectors = append(res.Vectors, vectors[i])
		res.Valid = append(res.Valid, i)
	}
	if transportFailures == len(paths) {
		return Result{}, fmt.Errorf("embedding batch of %d: %w", len(paths), errs[0])
	}
	return res, nil
}

func (c *Client) embedPath(ctx context.Context, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	prepared, err := prepareImage(data, c.maxSize)
	if err != nil {
		return nil, err
	}

	body, err := c.postImage(ctx, prepared)
	if err != nil {
		return nil, err
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("parsing embedding response: %w", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if c.dim > 0 && len(embResp.Embedding) != c.dim {
		return nil, fmt.Errorf("server returned %d dimensions, want %d", len(embResp.Embedding), c.dim)
	}
	if err := Normalize(embResp.Embedding); err != nil {
		return nil, err
	}
	return embResp.Embedding, nil
}

func (c *Client) postImage(ctx context.Context, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("writing image data: %w", err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return nil, fmt.Errorf("writing model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/image", &buf)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d: %s", errTransport, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
