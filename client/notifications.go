package client

import (
	"context"
	"strings"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type NotificationFetchFunction func(ctx context.Context, pageUrl string) (*ListResult, error)

type NotificationAlertFunction func(record Record)

// returns true when the host app's content filters filter the
// notification out, suppressing alert side effects
type NotificationFilterFunction func(record Record) bool

// notification types the feed accepts. anything else is silently
// dropped, never stored.
var knownNotificationTypes = []string{
	"follow",
	"follow_request",
	"mention",
	"reblog",
	"favourite",
	"poll",
	"status",
	"update",
	"move",
	"group_invite",
	"pleroma:chat_mention",
}

// content-bearing types additionally require the referenced status
var statusNotificationTypes = []string{
	"mention",
	"reblog",
	"favourite",
	"poll",
	"status",
	"update",
	"pleroma:chat_mention",
}

type NotificationFeedSettings struct {
	QueueCeiling int
	KnownTypes   []string
}

func DefaultNotificationFeedSettings() *NotificationFeedSettings {
	return &NotificationFeedSettings{
		QueueCeiling: 40,
		KnownTypes:   knownNotificationTypes,
	}
}

type NotificationFeedView struct {
	Items         []string
	QueuedItems   []string
	LastRead      string
	Unread        int
	HasMore       bool
	LoadingFailed bool
	Active        bool
}

// NotificationFeed is the process-wide notification sequencer, ordered
// by descending numeric identifier, with read-marker tracking and
// alert/sound side effects gated by filters.
type NotificationFeed struct {
	entities *EntityTable
	fetch    NotificationFetchFunction

	settings *NotificationFeedSettings

	stateLock     sync.Mutex
	items         []string
	queuedItems   []string
	nextUrl       string
	prevUrl       string
	hasMore       bool
	loadingFailed bool
	lastRead      string
	unread        int
	// whether the notification feed is the active view. queueing is
	// gated by this rather than scroll position: off-feed, arrivals go
	// straight into the main sequence because the feed is less
	// latency-sensitive than primary timelines.
	active bool

	alertTypes map[string]bool
	filter     NotificationFilterFunction

	alertCallbacks  *CallbackList[NotificationAlertFunction]
	changeCallbacks *CallbackList[func()]

	removeDeleteCallback func()
}

func NewNotificationFeedWithDefaults(entities *EntityTable, fetch NotificationFetchFunction) *NotificationFeed {
	return NewNotificationFeed(entities, fetch, DefaultNotificationFeedSettings())
}

func NewNotificationFeed(entities *EntityTable, fetch NotificationFetchFunction, settings *NotificationFeedSettings) *NotificationFeed {
	feed := &NotificationFeed{
		entities:        entities,
		fetch:           fetch,
		settings:        settings,
		items:           []string{},
		queuedItems:     []string{},
		hasMore:         true,
		alertTypes:      map[string]bool{},
		alertCallbacks:  NewCallbackList[NotificationAlertFunction](),
		changeCallbacks: NewCallbackList[func()](),
	}
	feed.removeDeleteCallback = entities.AddDeleteCallback(feed.handleEntityDelete)
	return feed
}

func (self *NotificationFeed) Close() {
	if self.removeDeleteCallback != nil {
		self.removeDeleteCallback()
	}
}

func (self *NotificationFeed) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

// AddAlertCallback subscribes a side-effect channel (desktop alert,
// sound). dispatch is fire-and-forget and never blocks ingestion.
func (self *NotificationFeed) AddAlertCallback(callback NotificationAlertFunction) func() {
	return self.alertCallbacks.Add(callback)
}

// SetAlertTypes configures the user's allow-list for alert side effects
func (self *NotificationFeed) SetAlertTypes(alertTypes []string) {
	self.stateLock.Lock()
	self.alertTypes = map[string]bool{}
	for _, alertType := range alertTypes {
		self.alertTypes[alertType] = true
	}
	self.stateLock.Unlock()
}

// SetFilter installs the host app's content filter gate
func (self *NotificationFeed) SetFilter(filter NotificationFilterFunction) {
	self.stateLock.Lock()
	self.filter = filter
	self.stateLock.Unlock()
}

// SetActive marks whether the feed is the view being looked at.
// leaving the feed merges anything still queued into the main sequence.
func (self *NotificationFeed) SetActive(active bool) {
	self.stateLock.Lock()
	self.active = active
	if !active && 0 < len(self.queuedItems) {
		self.mergeQueued()
	}
	self.stateLock.Unlock()
	self.notify()
}

func (self *NotificationFeed) Snapshot() *NotificationFeedView {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &NotificationFeedView{
		Items:         slices.Clone(self.items),
		QueuedItems:   slices.Clone(self.queuedItems),
		LastRead:      self.lastRead,
		Unread:        self.unread,
		HasMore:       self.hasMore,
		LoadingFailed: self.loadingFailed,
		Active:        self.active,
	}
}

// IngestRealtime accepts one streamed notification. invalid
// notifications (unknown type, missing actor, missing status for
// content-bearing types) are dropped, never stored.
func (self *NotificationFeed) IngestRealtime(raw map[string]any) {
	if !self.validate(raw) {
		glog.Infof("[nf]drop invalid notification\n")
		return
	}
	record, err := self.entities.Ingest(EntityNotification, raw)
	if err != nil {
		glog.Infof("[nf]drop notification = %s\n", err)
		return
	}
	id := record.Id()

	self.stateLock.Lock()
	if slices.Contains(self.items, id) || slices.Contains(self.queuedItems, id) {
		self.stateLock.Unlock()
		return
	}
	if self.active {
		self.queuedItems = append([]string{id}, self.queuedItems...)
		if self.settings.QueueCeiling < len(self.queuedItems) {
			self.queuedItems = self.queuedItems[:self.settings.QueueCeiling]
		}
	} else {
		self.insertSorted(id)
	}
	self.recomputeUnread()
	self.stateLock.Unlock()

	self.notify()
	self.dispatchAlerts(record)
}

// Dequeue merges queued notifications into the main sequence,
// re-sorting by descending numeric id
func (self *NotificationFeed) Dequeue() {
	self.stateLock.Lock()
	self.mergeQueued()
	self.stateLock.Unlock()
	self.notify()
}

// MarkRead advances the read marker. the marker only moves forward;
// unread is recomputed as the number of stored notifications with
// identifier greater than the marker.
func (self *NotificationFeed) MarkRead(uptoId string) {
	self.stateLock.Lock()
	if compareNumericIds(uptoId, self.lastRead) <= 0 {
		self.stateLock.Unlock()
		return
	}
	self.lastRead = uptoId
	self.recomputeUnread()
	self.stateLock.Unlock()
	self.notify()
}

func (self *NotificationFeed) LastRead() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastRead
}

// Expand fetches one page of notifications. no cursor with stored
// items performs a "since" fetch; a cursor fetches the older page.
func (self *NotificationFeed) Expand(ctx context.Context, cursor string) error {
	self.stateLock.Lock()
	pageUrl := cursor
	sinceMode := false
	if pageUrl == "" && 0 < len(self.items) && self.prevUrl != "" {
		pageUrl = self.prevUrl
		sinceMode = true
	}
	initialMode := pageUrl == ""
	self.stateLock.Unlock()

	page, err := self.fetch(ctx, pageUrl)
	if err != nil {
		self.stateLock.Lock()
		self.loadingFailed = true
		self.stateLock.Unlock()
		self.notify()
		return err
	}

	ids := []string{}
	for _, raw := range page.Items {
		if !self.validate(raw) {
			glog.V(2).Infof("[nf]drop invalid notification in page\n")
			continue
		}
		record, err := self.entities.Ingest(EntityNotification, raw)
		if err != nil {
			glog.Infof("[nf]drop notification = %s\n", err)
			continue
		}
		ids = append(ids, record.Id())
	}

	self.stateLock.Lock()
	for _, id := range ids {
		if !slices.Contains(self.items, id) && !slices.Contains(self.queuedItems, id) {
			self.insertSorted(id)
		}
	}
	if page.PrevUrl != "" && (sinceMode || initialMode) {
		self.prevUrl = page.PrevUrl
	}
	if !sinceMode {
		if page.NextUrl != "" {
			self.nextUrl = page.NextUrl
			self.hasMore = true
		} else {
			self.hasMore = false
		}
	}
	self.loadingFailed = false
	self.recomputeUnread()
	self.stateLock.Unlock()
	self.notify()
	return nil
}

// GapFill runs a "since" expand. the streaming adapter calls this
// after a reconnect.
func (self *NotificationFeed) GapFill(ctx context.Context) {
	if err := self.Expand(ctx, ""); err != nil {
		glog.Infof("[nf]gap fill = %s\n", err)
	}
}

func (self *NotificationFeed) validate(raw map[string]any) bool {
	notificationType, _ := raw["type"].(string)
	if !slices.Contains(self.settings.KnownTypes, notificationType) {
		return false
	}
	if !hasReference(raw, "account", FieldAccountId) {
		return false
	}
	if slices.Contains(statusNotificationTypes, notificationType) {
		if !hasReference(raw, "status", FieldStatusId) {
			return false
		}
	}
	return true
}

// mergeQueued must be called with stateLock held
func (self *NotificationFeed) mergeQueued() {
	for _, id := range self.queuedItems {
		if !slices.Contains(self.items, id) {
			self.insertSorted(id)
		}
	}
	self.queuedItems = []string{}
	self.recomputeUnread()
}

// insertSorted must be called with stateLock held. identifiers may not
// be zero-padded, so ordering is numeric, not lexical.
func (self *NotificationFeed) insertSorted(id string) {
	self.items = append(self.items, id)
	slices.SortFunc(self.items, func(a string, b string) int {
		return compareNumericIds(b, a)
	})
}

// recomputeUnread must be called with stateLock held
func (self *NotificationFeed) recomputeUnread() {
	unread := 0
	for _, id := range self.items {
		if 0 < compareNumericIds(id, self.lastRead) {
			unread += 1
		}
	}
	for _, id := range self.queuedItems {
		if 0 < compareNumericIds(id, self.lastRead) {
			unread += 1
		}
	}
	self.unread = unread
}

func (self *NotificationFeed) handleEntityDelete(kind EntityKind, id string, record Record) {
	switch kind {
	case EntityNotification:
		self.stateLock.Lock()
		self.removeId(id)
		self.stateLock.Unlock()
		self.notify()
	case EntityStatus:
		// drop notifications that reference the deleted status
		staleIds := []string{}
		self.stateLock.Lock()
		for _, notificationId := range append(slices.Clone(self.items), self.queuedItems...) {
			notification, ok := self.entities.Get(EntityNotification, notificationId)
			if ok && notification.String(FieldStatusId) == id {
				staleIds = append(staleIds, notificationId)
			}
		}
		for _, staleId := range staleIds {
			self.removeId(staleId)
		}
		self.stateLock.Unlock()
		for _, staleId := range staleIds {
			self.entities.Delete(EntityNotification, staleId, false)
		}
		if 0 < len(staleIds) {
			self.notify()
		}
	}
}

// removeId must be called with stateLock held
func (self *NotificationFeed) removeId(id string) {
	if i := slices.Index(self.items, id); 0 <= i {
		self.items = slices.Delete(slices.Clone(self.items), i, i+1)
	}
	if i := slices.Index(self.queuedItems, id); 0 <= i {
		self.queuedItems = slices.Delete(slices.Clone(self.queuedItems), i, i+1)
	}
	self.recomputeUnread()
}

// alert side effects are a fire-and-forget side channel. a panicking
// subscriber is recovered and logged, never propagated into ingestion.
func (self *NotificationFeed) dispatchAlerts(record Record) {
	self.stateLock.Lock()
	allowed := self.alertTypes[record.String("type")]
	filter := self.filter
	self.stateLock.Unlock()

	if !allowed {
		return
	}
	if filter != nil {
		filtered := true
		safeCallback("nf", func() {
			filtered = filter(record)
		})
		if filtered {
			return
		}
	}
	for _, callback := range self.alertCallbacks.Get() {
		callback := callback
		go safeCallback("nf", func() {
			callback(record.Clone())
		})
	}
}

func (self *NotificationFeed) notify() {
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		safeCallback("nf", func() {
			callback()
		})
	}
}

func hasReference(raw map[string]any, embeddedField string, idField string) bool {
	if embedded, ok := raw[embeddedField].(map[string]any); ok {
		return stringifyId(embedded[FieldId]) != ""
	}
	return stringifyId(raw[idField]) != ""
}

// compareNumericIds orders non-zero-padded decimal identifiers
// numerically: a longer string is larger, equal lengths compare
// lexically. an empty id sorts before everything.
func compareNumericIds(a string, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
