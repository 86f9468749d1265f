package internal

import (
	"context"
	"fmt"
)

// Layer is one loaded source snapshot.
type Layer struct {
	Source string
	Values map[string]string
}

// LoadLayers loads every source in order. Later layers take precedence
// when merged with Merge.
func LoadLayers(ctx context.Context, sources []Source) ([]Layer, error) {
	layers := make([]Layer, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values, err := src.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		layers = append(layers, Layer{Source: src.Name(), Values: values})
	}
	return layers, nil
}

// Merge flattens layers into one snapshot with last-wins semantics and
// records which layer supplied each key.
func Merge(layers []Layer) (values map[string]string, origin map[string]string) {
	values = make(map[string]string)
	origin = make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer.Values {
			values[k] = v
			origin[k] = layer.Source
		}
	}
	return values, origin
}
