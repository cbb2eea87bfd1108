package client

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// the collaborator api caps batched relationship lookups at this many
// ids per request
const RelationshipChunkSize = 20

type RelationshipFetchFunction func(ctx context.Context, ids []string) ([]map[string]any, error)

type RelationshipLoaderSettings struct {
	ChunkSize int
}

func DefaultRelationshipLoaderSettings() *RelationshipLoaderSettings {
	return &RelationshipLoaderSettings{
		ChunkSize: RelationshipChunkSize,
	}
}

// RelationshipLoader chunks large identifier sets into bounded
// requests and side-loads every result into the entity table, so a
// subsequent single-id Get is a cache hit with no further network trip.
type RelationshipLoader struct {
	entities *EntityTable

	fetchAccountRelationships RelationshipFetchFunction
	fetchGroupRelationships   RelationshipFetchFunction

	settings *RelationshipLoaderSettings
}

func NewRelationshipLoaderWithDefaults(
	entities *EntityTable,
	fetchAccountRelationships RelationshipFetchFunction,
	fetchGroupRelationships RelationshipFetchFunction,
) *RelationshipLoader {
	return NewRelationshipLoader(
		entities,
		fetchAccountRelationships,
		fetchGroupRelationships,
		DefaultRelationshipLoaderSettings(),
	)
}

func NewRelationshipLoader(
	entities *EntityTable,
	fetchAccountRelationships RelationshipFetchFunction,
	fetchGroupRelationships RelationshipFetchFunction,
	settings *RelationshipLoaderSettings,
) *RelationshipLoader {
	return &RelationshipLoader{
		entities:                  entities,
		fetchAccountRelationships: fetchAccountRelationships,
		fetchGroupRelationships:   fetchGroupRelationships,
		settings:                  settings,
	}
}

func (self *RelationshipLoader) LoadRelationships(ctx context.Context, ids []string) ([]Record, error) {
	return self.load(ctx, EntityRelationship, self.fetchAccountRelationships, ids)
}

func (self *RelationshipLoader) LoadGroupRelationships(ctx context.Context, ids []string) ([]Record, error) {
	return self.load(ctx, EntityGroupRelationship, self.fetchGroupRelationships, ids)
}

// chunks are requested sequentially to bound concurrent load on the
// api. partial failure of one chunk does not discard results already
// obtained from prior chunks.
func (self *RelationshipLoader) load(
	ctx context.Context,
	kind EntityKind,
	fetch RelationshipFetchFunction,
	ids []string,
) ([]Record, error) {
	uniqueIds := dedupeIds(ids)

	records := []Record{}
	for start := 0; start < len(uniqueIds); start += self.settings.ChunkSize {
		end := start + self.settings.ChunkSize
		if len(uniqueIds) < end {
			end = len(uniqueIds)
		}
		chunk := uniqueIds[start:end]

		items, err := fetch(ctx, chunk)
		if err != nil {
			return records, fmt.Errorf("relationship chunk at %d: %w", start, err)
		}
		for _, raw := range items {
			record, err := self.entities.Ingest(kind, raw)
			if err != nil {
				glog.Infof("[rel]drop invalid %s = %s\n", kind, err)
				continue
			}
			records = append(records, record)
		}
	}
	return records, nil
}

func dedupeIds(ids []string) []string {
	seen := map[string]bool{}
	uniqueIds := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		uniqueIds = append(uniqueIds, id)
	}
	return uniqueIds
}
