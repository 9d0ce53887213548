// Package embedding defines the contract the engine uses to turn image files
// into unit-length feature vectors, plus an HTTP client for an external
// embedding server.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Provider embeds a batch of images. Inputs that could not be read or
// embedded are simply absent from Result.Valid; an error means the whole
// batch failed.
type Provider interface {
	Embed(ctx context.Context, paths []string) (Result, error)
}

// Result holds one vector per successful input. Valid[i] is the position in
// the submitted batch that Vectors[i] belongs to, ascending.
type Result struct {
	Vectors [][]float32
	Valid   []int
}

// Len returns the number of successfully embedded inputs.
func (r Result) Len() int {
	return len(r.Vectors)
}

// EmbedOne embeds a single image through p. It fails when p left the image
// out of the result.
func EmbedOne(ctx context.Context, p Provider, path string) ([]float32, error) {
	res, err := p.Embed(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	if len(res.Vectors) == 0 {
		return nil, fmt.Errorf("embedding %s failed", path)
	}
	return res.Vectors[0], nil
}

// Normalize scales v to unit L2 length in place.
func Normalize(v []float32) error {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return fmt.Errorf("cannot normalize zero vector")
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return nil
}
