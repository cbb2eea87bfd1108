package client

import (
	"strconv"
	"sync"
)

type EntityKind string

const (
	EntityAccount           EntityKind = "account"
	EntityStatus            EntityKind = "status"
	EntityRelationship      EntityKind = "relationship"
	EntityNotification      EntityKind = "notification"
	EntityGroup             EntityKind = "group"
	EntityGroupRelationship EntityKind = "group_relationship"
	EntityChat              EntityKind = "chat"
	EntityPoll              EntityKind = "poll"
	EntityList              EntityKind = "list"
)

// canonical record fields that reference another entity by id
const (
	FieldId         = "id"
	FieldAccountId  = "account_id"
	FieldStatusId   = "status_id"
	FieldReblogOfId = "reblog_of_id"
)

// Record is the canonical flat representation of one entity.
// records returned from the table are copy-on-read snapshots and must
// not be mutated in place.
type Record map[string]any

func (self Record) Clone() Record {
	if self == nil {
		return nil
	}
	out := make(Record, len(self))
	for key, value := range self {
		out[key] = value
	}
	return out
}

func (self Record) Id() string {
	return self.String(FieldId)
}

func (self Record) String(key string) string {
	switch value := self[key].(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(value, 10)
	case int:
		return strconv.Itoa(value)
	}
	return ""
}

func (self Record) Bool(key string) bool {
	value, _ := self[key].(bool)
	return value
}

func (self Record) Int(key string) int64 {
	switch value := self[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	}
	return 0
}

type entityKey struct {
	kind EntityKind
	id   string
}

type EntityChangeFunction func(kind EntityKind, id string, record Record)

// the record passed to a delete callback is the snapshot that was
// stored immediately before removal
type EntityDeleteFunction func(kind EntityKind, id string, record Record)

type EntityTableSettings struct {
	// bound on recursive cascade over reference chains.
	// protects against malformed cyclic reblog data.
	CascadeMaxDepth int
}

func DefaultEntityTableSettings() *EntityTableSettings {
	return &EntityTableSettings{
		CascadeMaxDepth: 8,
	}
}

// EntityTable is the single source of truth for all entity data.
// sequencers and the mutation coordinator hold a reference to it,
// never a copy.
type EntityTable struct {
	settings *EntityTableSettings

	stateLock sync.Mutex
	records   map[entityKey]Record

	changeCallbacks *CallbackList[EntityChangeFunction]
	deleteCallbacks *CallbackList[EntityDeleteFunction]
}

func NewEntityTableWithDefaults() *EntityTable {
	return NewEntityTable(DefaultEntityTableSettings())
}

func NewEntityTable(settings *EntityTableSettings) *EntityTable {
	return &EntityTable{
		settings:        settings,
		records:         map[entityKey]Record{},
		changeCallbacks: NewCallbackList[EntityChangeFunction](),
		deleteCallbacks: NewCallbackList[EntityDeleteFunction](),
	}
}

func (self *EntityTable) AddChangeCallback(callback EntityChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *EntityTable) AddDeleteCallback(callback EntityDeleteFunction) func() {
	return self.deleteCallbacks.Add(callback)
}

// Watch subscribes to changes of a single (kind, id) and returns the
// remove function
func (self *EntityTable) Watch(kind EntityKind, id string, callback func(record Record)) func() {
	return self.changeCallbacks.Add(func(changedKind EntityKind, changedId string, record Record) {
		if changedKind == kind && changedId == id {
			callback(record)
		}
	})
}

func (self *EntityTable) Get(kind EntityKind, id string) (Record, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.records[entityKey{kind: kind, id: id}]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (self *EntityTable) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.records)
}

// Merge performs a field-level shallow merge. fields present in
// `partial` overwrite; absent fields are preserved. if no prior record
// exists, `partial` becomes the full record.
func (self *EntityTable) Merge(kind EntityKind, id string, partial Record) Record {
	self.stateLock.Lock()
	key := entityKey{kind: kind, id: id}
	record, ok := self.records[key]
	if !ok {
		record = Record{FieldId: id}
	}
	next := record.Clone()
	for field, value := range partial {
		next[field] = value
	}
	self.records[key] = next
	snapshot := next.Clone()
	self.stateLock.Unlock()

	self.publishChange(kind, id, snapshot)
	return snapshot
}

// Replace stores the record wholesale, discarding any existing fields.
// used for records that must never retain stale optimistic data, e.g.
// a confirmed relationship.
func (self *EntityTable) Replace(kind EntityKind, id string, record Record) Record {
	self.stateLock.Lock()
	next := record.Clone()
	next[FieldId] = id
	self.records[entityKey{kind: kind, id: id}] = next
	snapshot := next.Clone()
	self.stateLock.Unlock()

	self.publishChange(kind, id, snapshot)
	return snapshot
}

// Restore puts back an exact pre-mutation snapshot. a nil record means
// there was no record before the mutation, so the entry is removed.
func (self *EntityTable) Restore(kind EntityKind, id string, record Record) {
	if record == nil {
		self.Delete(kind, id, false)
		return
	}
	self.Replace(kind, id, record)
}

// Ingest normalizes a raw server payload, stores any embedded entities
// (account, reblog, poll, group) first, then merges the flattened root
// record. every stored record publishes a change notification.
func (self *EntityTable) Ingest(kind EntityKind, raw map[string]any) (Record, error) {
	flattened, err := flattenRecord(kind, raw, 0)
	if err != nil {
		return nil, err
	}
	var root Record
	for _, entry := range flattened {
		root = self.Merge(entry.kind, entry.record.Id(), entry.record)
	}
	return root, nil
}

// Delete removes a record. with cascade, any record whose reference
// field points at the deleted id is removed too, recursing through
// reference chains up to the configured depth. the referencing set is
// computed up front, not discovered during a live walk.
func (self *EntityTable) Delete(kind EntityKind, id string, cascade bool) {
	type deletion struct {
		kind   EntityKind
		id     string
		record Record
	}

	self.stateLock.Lock()
	deletions := []deletion{}
	seen := map[entityKey]bool{}

	frontier := []entityKey{{kind: kind, id: id}}
	for depth := 0; 0 < len(frontier) && depth <= self.settings.CascadeMaxDepth; depth += 1 {
		nextFrontier := []entityKey{}
		for _, key := range frontier {
			if seen[key] {
				continue
			}
			seen[key] = true
			record := self.records[key]
			deletions = append(deletions, deletion{kind: key.kind, id: key.id, record: record})
			if !cascade {
				continue
			}
			// referencing set for this id, computed before recursing
			for otherKey, otherRecord := range self.records {
				if seen[otherKey] {
					continue
				}
				if otherKey.kind == EntityStatus && otherRecord.String(FieldReblogOfId) == key.id {
					nextFrontier = append(nextFrontier, otherKey)
				}
			}
		}
		frontier = nextFrontier
	}
	for _, d := range deletions {
		delete(self.records, entityKey{kind: d.kind, id: d.id})
	}
	self.stateLock.Unlock()

	for _, d := range deletions {
		self.publishDelete(d.kind, d.id, d.record)
	}
}

func (self *EntityTable) publishChange(kind EntityKind, id string, record Record) {
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		safeCallback("entity", func() {
			callback(kind, id, record.Clone())
		})
	}
}

func (self *EntityTable) publishDelete(kind EntityKind, id string, record Record) {
	for _, callback := range self.deleteCallbacks.Get() {
		callback := callback
		safeCallback("entity", func() {
			callback(kind, id, record.Clone())
		})
	}
}
