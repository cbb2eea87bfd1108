package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a named view over one ordered list of status ids
type ViewKey string

const (
	ViewHome        ViewKey = "home"
	ViewPublic      ViewKey = "public"
	ViewPublicLocal ViewKey = "public:local"
)

func HashtagView(tag string) ViewKey {
	return ViewKey(fmt.Sprintf("hashtag:%s", tag))
}

func AccountView(accountId string) ViewKey {
	return ViewKey(fmt.Sprintf("account:%s", accountId))
}

func GroupView(groupId string) ViewKey {
	return ViewKey(fmt.Sprintf("group:%s", groupId))
}

func ListView(listId string) ViewKey {
	return ViewKey(fmt.Sprintf("list:%s", listId))
}

type TimelineFetchFunction func(ctx context.Context, viewKey ViewKey, pageUrl string) (*ListResult, error)

type TimelineChangeFunction func(viewKey ViewKey)

type TimelineSettings struct {
	// items is shrunk only after it exceeds the ceiling, down to the
	// target, to avoid thrashing at the boundary
	TruncateCeiling int
	TruncateTarget  int
	// above this many queued arrivals, dequeue refreshes wholesale
	// instead of splicing, because the gap is assumed too large
	DequeueHardCeiling int
}

func DefaultTimelineSettings() *TimelineSettings {
	return &TimelineSettings{
		TruncateCeiling:    40,
		TruncateTarget:     20,
		DequeueHardCeiling: 40,
	}
}

// TimelineView is a copy-on-read snapshot of one view's state
type TimelineView struct {
	Items         []string
	QueuedItems   []string
	NextUrl       string
	PrevUrl       string
	HasMore       bool
	Unread        int
	Top           bool
	LoadingFailed bool
	Pinned        bool
}

type timelineView struct {
	items       []string
	queuedItems []string
	// older-page and newer-page cursor urls
	nextUrl string
	prevUrl string
	hasMore bool
	// count of realtime arrivals since the last dequeue
	unread        int
	top           bool
	loadingFailed bool
	// pinned views replace items wholesale on expand
	pinned bool
}

// Timelines maintains, per view, an ordered sequence of status ids,
// pagination cursors, and a queued staging sequence for realtime
// arrivals while the user is not at the top. it holds identifiers into
// the entity table, never copies.
type Timelines struct {
	entities *EntityTable
	fetch    TimelineFetchFunction

	settings *TimelineSettings

	stateLock sync.Mutex
	views     map[ViewKey]*timelineView

	changeCallbacks *CallbackList[TimelineChangeFunction]

	removeDeleteCallback func()
}

func NewTimelinesWithDefaults(entities *EntityTable, fetch TimelineFetchFunction) *Timelines {
	return NewTimelines(entities, fetch, DefaultTimelineSettings())
}

func NewTimelines(entities *EntityTable, fetch TimelineFetchFunction, settings *TimelineSettings) *Timelines {
	timelines := &Timelines{
		entities:        entities,
		fetch:           fetch,
		settings:        settings,
		views:           map[ViewKey]*timelineView{},
		changeCallbacks: NewCallbackList[TimelineChangeFunction](),
	}
	// deletion propagation: a deleted status (and its cascade) is
	// removed from every view except the deleting account's own
	// profile view, which shows tombstoned content intentionally
	timelines.removeDeleteCallback = entities.AddDeleteCallback(func(kind EntityKind, id string, record Record) {
		if kind != EntityStatus {
			return
		}
		exclude := ViewKey("")
		if accountId := record.String(FieldAccountId); accountId != "" {
			exclude = AccountView(accountId)
		}
		timelines.removeReferences(id, exclude)
	})
	return timelines
}

func (self *Timelines) Close() {
	if self.removeDeleteCallback != nil {
		self.removeDeleteCallback()
	}
}

func (self *Timelines) AddChangeCallback(callback TimelineChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

// view must be called with stateLock held
func (self *Timelines) view(viewKey ViewKey) *timelineView {
	view, ok := self.views[viewKey]
	if !ok {
		view = &timelineView{
			items:       []string{},
			queuedItems: []string{},
			hasMore:     true,
			top:         true,
		}
		self.views[viewKey] = view
	}
	return view
}

// View returns a snapshot of the view state, creating the view on
// first reference
func (self *Timelines) View(viewKey ViewKey) *TimelineView {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	view := self.view(viewKey)
	return &TimelineView{
		Items:         slices.Clone(view.items),
		QueuedItems:   slices.Clone(view.queuedItems),
		NextUrl:       view.nextUrl,
		PrevUrl:       view.prevUrl,
		HasMore:       view.hasMore,
		Unread:        view.unread,
		Top:           view.top,
		LoadingFailed: view.loadingFailed,
		Pinned:        view.pinned,
	}
}

func (self *Timelines) ViewKeys() []ViewKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	viewKeys := maps.Keys(self.views)
	slices.Sort(viewKeys)
	return viewKeys
}

func (self *Timelines) SetPinned(viewKey ViewKey, pinned bool) {
	self.stateLock.Lock()
	self.view(viewKey).pinned = pinned
	self.stateLock.Unlock()
}

func (self *Timelines) SetTop(viewKey ViewKey, atTop bool) {
	self.stateLock.Lock()
	self.view(viewKey).top = atTop
	self.stateLock.Unlock()
	self.notify(viewKey)
}

func (self *Timelines) Reset(viewKey ViewKey) {
	self.stateLock.Lock()
	delete(self.views, viewKey)
	self.stateLock.Unlock()
	self.notify(viewKey)
}

// Expand fetches one page into the view. with no cursor and a
// non-empty view it performs a "since" fetch of only newer items; with
// a cursor it fetches the older page at that cursor url. failures set
// loadingFailed and preserve whatever is already cached.
func (self *Timelines) Expand(ctx context.Context, viewKey ViewKey, cursor string) error {
	self.stateLock.Lock()
	view := self.view(viewKey)
	pageUrl := cursor
	sinceMode := false
	if pageUrl == "" && !view.pinned && 0 < len(view.items) && view.prevUrl != "" {
		pageUrl = view.prevUrl
		sinceMode = true
	}
	initialMode := pageUrl == ""
	self.stateLock.Unlock()

	page, err := self.fetch(ctx, viewKey, pageUrl)
	if err != nil {
		self.stateLock.Lock()
		self.view(viewKey).loadingFailed = true
		self.stateLock.Unlock()
		self.notify(viewKey)
		return err
	}

	ids := self.ingestStatuses(page.Items)

	self.stateLock.Lock()
	view = self.view(viewKey)
	if view.pinned {
		view.items = ids
	} else if sinceMode {
		view.items = unionIds(ids, view.items)
	} else {
		view.items = unionIds(view.items, ids)
	}
	if page.PrevUrl != "" && (sinceMode || initialMode) {
		view.prevUrl = page.PrevUrl
	}
	if !sinceMode {
		// a "since" refresh must never clear hasMore
		if page.NextUrl != "" {
			view.nextUrl = page.NextUrl
			view.hasMore = true
		} else {
			view.hasMore = false
		}
	}
	view.loadingFailed = false
	self.stateLock.Unlock()

	self.notify(viewKey)
	return nil
}

// IngestRealtime routes one streamed status id into the view. at the
// top it is unshifted directly into items; otherwise it is queued and
// unread increments. both paths are idempotent.
func (self *Timelines) IngestRealtime(viewKey ViewKey, entityId string) {
	self.stateLock.Lock()
	view := self.view(viewKey)
	if slices.Contains(view.items, entityId) || slices.Contains(view.queuedItems, entityId) {
		self.stateLock.Unlock()
		return
	}
	if view.top {
		view.items = append([]string{entityId}, view.items...)
		self.truncate(view)
	} else {
		view.queuedItems = append([]string{entityId}, view.queuedItems...)
		if self.settings.TruncateCeiling < len(view.queuedItems) {
			view.queuedItems = view.queuedItems[:self.settings.TruncateCeiling]
		}
		view.unread += 1
	}
	self.stateLock.Unlock()
	self.notify(viewKey)
}

// Dequeue merges the queued items into the head of the view. if more
// arrivals queued up than the hard ceiling, the gap is too large for a
// clean splice and the view is refreshed wholesale instead.
func (self *Timelines) Dequeue(ctx context.Context, viewKey ViewKey) error {
	self.stateLock.Lock()
	view := self.view(viewKey)
	if self.settings.DequeueHardCeiling < view.unread {
		view.queuedItems = []string{}
		view.unread = 0
		self.stateLock.Unlock()
		return self.refresh(ctx, viewKey)
	}
	// queued items are newer, so they are prepended
	view.items = unionIds(view.queuedItems, view.items)
	view.queuedItems = []string{}
	view.unread = 0
	self.truncate(view)
	self.stateLock.Unlock()
	self.notify(viewKey)
	return nil
}

// refresh refetches the first page and replaces items wholesale
func (self *Timelines) refresh(ctx context.Context, viewKey ViewKey) error {
	page, err := self.fetch(ctx, viewKey, "")
	if err != nil {
		self.stateLock.Lock()
		self.view(viewKey).loadingFailed = true
		self.stateLock.Unlock()
		self.notify(viewKey)
		return err
	}
	ids := self.ingestStatuses(page.Items)

	self.stateLock.Lock()
	view := self.view(viewKey)
	view.items = ids
	if page.PrevUrl != "" {
		view.prevUrl = page.PrevUrl
	}
	if page.NextUrl != "" {
		view.nextUrl = page.NextUrl
		view.hasMore = true
	} else {
		view.hasMore = false
	}
	view.loadingFailed = false
	self.stateLock.Unlock()
	self.notify(viewKey)
	return nil
}

func (self *Timelines) Truncate(viewKey ViewKey) {
	self.stateLock.Lock()
	self.truncate(self.view(viewKey))
	self.stateLock.Unlock()
	self.notify(viewKey)
}

// truncate must be called with stateLock held. hysteresis: shrink only
// past the ceiling, down to the smaller target.
func (self *Timelines) truncate(view *timelineView) {
	if self.settings.TruncateCeiling < len(view.items) {
		view.items = view.items[:self.settings.TruncateTarget]
	}
}

// GapFill runs a "since" expand on every known view. the streaming
// adapter calls this after a reconnect to close any gap created while
// disconnected.
func (self *Timelines) GapFill(ctx context.Context) {
	for _, viewKey := range self.ViewKeys() {
		if err := self.Expand(ctx, viewKey, ""); err != nil {
			glog.Infof("[tl]gap fill %s = %s\n", viewKey, err)
		}
	}
}

func (self *Timelines) ingestStatuses(items []map[string]any) []string {
	ids := []string{}
	for _, raw := range items {
		record, err := self.entities.Ingest(EntityStatus, raw)
		if err != nil {
			glog.Infof("[tl]drop invalid status = %s\n", err)
			continue
		}
		if id := record.Id(); !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (self *Timelines) removeReferences(entityId string, exclude ViewKey) {
	changedViewKeys := []ViewKey{}
	self.stateLock.Lock()
	for viewKey, view := range self.views {
		if viewKey == exclude && exclude != "" {
			continue
		}
		changed := false
		if i := slices.Index(view.items, entityId); 0 <= i {
			view.items = slices.Delete(slices.Clone(view.items), i, i+1)
			changed = true
		}
		if i := slices.Index(view.queuedItems, entityId); 0 <= i {
			view.queuedItems = slices.Delete(slices.Clone(view.queuedItems), i, i+1)
			if 0 < view.unread {
				view.unread -= 1
			}
			changed = true
		}
		if changed {
			changedViewKeys = append(changedViewKeys, viewKey)
		}
	}
	self.stateLock.Unlock()
	for _, viewKey := range changedViewKeys {
		self.notify(viewKey)
	}
}

func (self *Timelines) notify(viewKey ViewKey) {
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		safeCallback("tl", func() {
			callback(viewKey)
		})
	}
}

// set union preserving order, first sequence wins position
func unionIds(first []string, second []string) []string {
	out := slices.Clone(first)
	for _, id := range second {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
