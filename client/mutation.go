package client

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

type MutationState int

const (
	MutationPending MutationState = iota
	MutationConfirmed
	MutationRolledBack
)

func (self MutationState) String() string {
	switch self {
	case MutationPending:
		return "pending"
	case MutationConfirmed:
		return "confirmed"
	case MutationRolledBack:
		return "rolled back"
	}
	return "unknown"
}

// the network operation for a mutation. the returned payload is the
// authoritative server entity, or nil for endpoints with no body.
type MutationOperation func(ctx context.Context) (map[string]any, error)

// MutationHandle tracks one in-flight optimistic mutation. it is
// destroyed (resolved) on confirmation or rollback, never persisted.
type MutationHandle struct {
	// correlation key
	Key      string
	Kind     EntityKind
	EntityId string

	stateLock sync.Mutex
	state     MutationState
	err       error

	done chan struct{}
}

func (self *MutationHandle) State() MutationState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *MutationHandle) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *MutationHandle) Done() <-chan struct{} {
	return self.done
}

func (self *MutationHandle) resolve(state MutationState, err error) {
	self.stateLock.Lock()
	self.state = state
	self.err = err
	self.stateLock.Unlock()
	close(self.done)
}

type MutationCoordinatorSettings struct {
	// a timed-out operation is treated identically to failure (rollback)
	OperationTimeout time.Duration
}

func DefaultMutationCoordinatorSettings() *MutationCoordinatorSettings {
	return &MutationCoordinatorSettings{
		OperationTimeout: 15 * time.Second,
	}
}

// MutationCoordinator applies a local state transition immediately,
// issues the network operation, and on completion either confirms
// (merging authoritative server data) or reverts to the pre-mutation
// snapshot.
type MutationCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	entities *EntityTable

	settings *MutationCoordinatorSettings
}

func NewMutationCoordinatorWithDefaults(ctx context.Context, entities *EntityTable) *MutationCoordinator {
	return NewMutationCoordinator(ctx, entities, DefaultMutationCoordinatorSettings())
}

func NewMutationCoordinator(ctx context.Context, entities *EntityTable, settings *MutationCoordinatorSettings) *MutationCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MutationCoordinator{
		ctx:      cancelCtx,
		cancel:   cancel,
		entities: entities,
		settings: settings,
	}
}

// Mutate captures the pre-mutation record, applies the optimistic
// patch, and returns before the network operation resolves. the
// mutation is visible in the entity table immediately.
//
// if every patched field already equals the current record's value the
// call is a no-op and no network operation is issued (toggle
// idempotence), returning nil.
//
// concurrent mutations on the same (kind, id) are not coalesced: each
// call captures its own snapshot at call time. rollback restores the
// full snapshot, which may discard unrelated merges that landed in
// between. that is the accepted optimistic-UI approximation.
func (self *MutationCoordinator) Mutate(
	kind EntityKind,
	id string,
	optimisticPatch Record,
	operation MutationOperation,
) *MutationHandle {
	original, hadOriginal := self.entities.Get(kind, id)
	if hadOriginal && patchIsNoop(original, optimisticPatch) {
		return nil
	}
	if !hadOriginal {
		original = nil
	}

	self.entities.Merge(kind, id, optimisticPatch)

	handle := &MutationHandle{
		Key:      ulid.Make().String(),
		Kind:     kind,
		EntityId: id,
		state:    MutationPending,
		done:     make(chan struct{}),
	}
	go self.run(handle, original, operation)
	return handle
}

func (self *MutationCoordinator) Close() {
	self.cancel()
}

func (self *MutationCoordinator) run(handle *MutationHandle, original Record, operation MutationOperation) {
	opCtx, opCancel := context.WithTimeout(self.ctx, self.settings.OperationTimeout)
	defer opCancel()

	result, err := operation(opCtx)
	if err != nil {
		glog.Infof("[mut]%s rollback %s/%s = %s\n", handle.Key, handle.Kind, handle.EntityId, err)
		self.entities.Restore(handle.Kind, handle.EntityId, original)
		handle.resolve(MutationRolledBack, err)
		return
	}

	if result != nil && 0 < len(result) {
		switch handle.Kind {
		case EntityRelationship, EntityGroupRelationship:
			// a confirmed relationship is never partial-merged with
			// stale optimistic data. last writer wins, wholesale.
			record, normErr := Normalize(handle.Kind, result)
			if normErr != nil {
				glog.Infof("[mut]%s rollback %s/%s = %s\n", handle.Key, handle.Kind, handle.EntityId, normErr)
				self.entities.Restore(handle.Kind, handle.EntityId, original)
				handle.resolve(MutationRolledBack, normErr)
				return
			}
			self.entities.Replace(handle.Kind, handle.EntityId, record)
		default:
			// server wins on conflicting fields
			if _, ingestErr := self.entities.Ingest(handle.Kind, result); ingestErr != nil {
				glog.Infof("[mut]%s confirm without merge %s/%s = %s\n", handle.Key, handle.Kind, handle.EntityId, ingestErr)
			}
		}
	}
	glog.V(2).Infof("[mut]%s confirmed %s/%s\n", handle.Key, handle.Kind, handle.EntityId)
	handle.resolve(MutationConfirmed, nil)
}

func patchIsNoop(current Record, patch Record) bool {
	for field, value := range patch {
		if !reflect.DeepEqual(current[field], value) {
			return false
		}
	}
	return true
}
