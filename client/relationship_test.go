package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLoadRelationshipsChunks(t *testing.T) {
	ctx := context.Background()
	entities := NewEntityTableWithDefaults()

	chunkSizes := []int{}
	fetch := func(ctx context.Context, ids []string) ([]map[string]any, error) {
		chunkSizes = append(chunkSizes, len(ids))
		items := []map[string]any{}
		for _, id := range ids {
			items = append(items, map[string]any{
				"id":        id,
				"following": true,
			})
		}
		return items, nil
	}

	loader := NewRelationshipLoaderWithDefaults(entities, fetch, nil)

	ids := []string{}
	for i := 0; i < 45; i += 1 {
		ids = append(ids, fmt.Sprintf("%d", i))
	}

	records, err := loader.LoadRelationships(ctx, ids)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 45)
	assert.Equal(t, chunkSizes, []int{20, 20, 5})

	// side-loading guarantee: every id is now a cache hit
	for _, id := range ids {
		record, ok := entities.Get(EntityRelationship, id)
		assert.Equal(t, ok, true)
		assert.Equal(t, record.Bool("following"), true)
	}
}

func TestLoadRelationshipsDedupes(t *testing.T) {
	ctx := context.Background()
	entities := NewEntityTableWithDefaults()

	requested := []string{}
	fetch := func(ctx context.Context, ids []string) ([]map[string]any, error) {
		requested = append(requested, ids...)
		items := []map[string]any{}
		for _, id := range ids {
			items = append(items, map[string]any{"id": id})
		}
		return items, nil
	}

	loader := NewRelationshipLoaderWithDefaults(entities, fetch, nil)

	_, err := loader.LoadRelationships(ctx, []string{"1", "2", "1", "", "2", "3"})
	assert.Equal(t, err, nil)
	assert.Equal(t, requested, []string{"1", "2", "3"})
}

func TestLoadRelationshipsPartialFailure(t *testing.T) {
	ctx := context.Background()
	entities := NewEntityTableWithDefaults()

	calls := 0
	fetch := func(ctx context.Context, ids []string) ([]map[string]any, error) {
		calls += 1
		if 1 < calls {
			return nil, errors.New("chunk failed")
		}
		items := []map[string]any{}
		for _, id := range ids {
			items = append(items, map[string]any{"id": id})
		}
		return items, nil
	}

	loader := NewRelationshipLoaderWithDefaults(entities, fetch, nil)

	ids := []string{}
	for i := 0; i < 45; i += 1 {
		ids = append(ids, fmt.Sprintf("%d", i))
	}

	// the first chunk's results accumulate even though a later chunk
	// failed
	records, err := loader.LoadRelationships(ctx, ids)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(records), 20)
	_, ok := entities.Get(EntityRelationship, "0")
	assert.Equal(t, ok, true)
	_, ok = entities.Get(EntityRelationship, "40")
	assert.Equal(t, ok, false)
}

func TestLoadGroupRelationships(t *testing.T) {
	ctx := context.Background()
	entities := NewEntityTableWithDefaults()

	fetch := func(ctx context.Context, ids []string) ([]map[string]any, error) {
		items := []map[string]any{}
		for _, id := range ids {
			items = append(items, map[string]any{
				"id":     id,
				"member": true,
			})
		}
		return items, nil
	}

	loader := NewRelationshipLoaderWithDefaults(entities, nil, fetch)

	records, err := loader.LoadGroupRelationships(ctx, []string{"g1", "g2"})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)
	record, ok := entities.Get(EntityGroupRelationship, "g1")
	assert.Equal(t, ok, true)
	assert.Equal(t, record.Bool("member"), true)
}
