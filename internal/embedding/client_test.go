package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing %s: %v", p, err)
	}
	return p
}

func newEmbedServer(t *testing.T, embedding []float32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed/image":
			if calls != nil {
				calls.Add(1)
			}
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.Close()
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(embeddingResponse{
				Dim:       len(embedding),
				Embedding: embedding,
				Model:     "test",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed_IsolatesPerImageFailures(t *testing.T) {
	dir := t.TempDir()
	good1 := writePNG(t, dir, "a.png", 8, 8)
	bad := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(bad, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.png")
	good2 := writePNG(t, dir, "b.png", 16, 4)

	var calls atomic.Int32
	srv := newEmbedServer(t, []float32{3, 4}, &calls)
	c := NewClient(Options{URL: srv.URL, Dim: 2, Concurrency: 2})

	res, err := c.Embed(context.Background(), []string{good1, bad, missing, good2})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(res.Valid) != 2 || res.Valid[0] != 0 || res.Valid[1] != 3 {
		t.Fatalf("Valid = %v, want [0 3]", res.Valid)
	}
	if res.Len() != 2 {
		t.Fatalf("Len = %d, want 2", res.Len())
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2 (bad files never uploaded)", got)
	}
	v := res.Vectors[0]
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("vector = %v, want normalized [0.6 0.8]", v)
	}
}

func TestEmbed_DimensionMismatchIsPerImage(t *testing.T) {
	dir := t.TempDir()
	p := writePNG(t, dir, "a.png", 4, 4)
	srv := newEmbedServer(t, []float32{1, 0, 0}, nil)
	c := NewClient(Options{URL: srv.URL, Dim: 2})

	res, err := c.Embed(context.Background(), []string{p})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if res.Len() != 0 {
		t.Errorf("Len = %d, want 0", res.Len())
	}
}

func TestEmbed_ServerDownFailsBatch(t *testing.T) {
	dir := t.TempDir()
	p := writePNG(t, dir, "a.png", 4, 4)
	srv := newEmbedServer(t, []float32{1}, nil)
	url := srv.URL
	srv.Close()

	c := NewClient(Options{URL: url})
	if _, err := c.Embed(context.Background(), []string{p}); err == nil {
		t.Fatal("expected batch error when server is unreachable")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected Ping error when server is unreachable")
	}
}

func TestEmbedOne(t *testing.T) {
	dir := t.TempDir()
	p := writePNG(t, dir, "a.png", 4, 4)
	srv := newEmbedServer(t, []float32{0, 2}, nil)
	c := NewClient(Options{URL: srv.URL, Dim: 2, Model: "dinov2"})
	if c.Model() != "dinov2" {
		t.Errorf("Model = %q, want dinov2", c.Model())
	}

	v, err := EmbedOne(context.Background(), c, p)
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(v) != 2 || v[1] != 1 {
		t.Errorf("vector = %v, want [0 1]", v)
	}

	if _, err := EmbedOne(context.Background(), c, filepath.Join(dir, "missing.png")); err == nil {
		t.Error("expected error for an image the provider left out")
	}
}

func TestEmbed_EmptyInput(t *testing.T) {
	c := NewClient(Options{})
	res, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil): %v", err)
	}
	if res.Len() != 0 {
		t.Errorf("Len = %d, want 0", res.Len())
	}
}

func TestPing(t *testing.T) {
	srv := newEmbedServer(t, []float32{1}, nil)
	if err := NewClient(Options{URL: srv.URL + "/"}).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestPrepareImage_Downscales(t *testing.T) {
	dir := t.TempDir()
	p := writePNG(t, dir, "wide.png", 200, 50)
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}

	out, err := prepareImage(data, 100)
	if err != nil {
		t.Fatalf("prepareImage: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not JPEG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 100 || b.Dy() != 25 {
		t.Errorf("size = %dx%d, want 100x25", b.Dx(), b.Dy())
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{0, 0}
	if err := Normalize(v); err == nil {
		t.Error("expected error for zero vector")
	}
	v = []float32{2, 0, 0}
	if err := Normalize(v); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if v[0] != 1 {
		t.Errorf("v = %v, want [1 0 0]", v)
	}
}
