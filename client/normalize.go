package client

import (
	"strconv"
)

// server dialects embed the same concepts under different field names.
// each variant list is checked in order and the first match is hoisted
// into the canonical field.
var statusReblogVariants = []string{"reblog", "repost"}
var accountHandleVariants = []string{"acct", "fqn"}
var chatLastMessageVariants = []string{"last_message", "lastMessage"}

// bound on nested entity flattening (status -> reblog -> account ...)
const maxFlattenDepth = 4

type flatEntry struct {
	kind   EntityKind
	record Record
}

// Normalize converts a heterogeneous server payload into one canonical
// flat record. missing optional fields get documented defaults (counts
// 0, flags false). it returns a *ValidationError only for structurally
// invalid payloads (missing mandatory identifier).
func Normalize(kind EntityKind, raw map[string]any) (Record, error) {
	flattened, err := flattenRecord(kind, raw, 0)
	if err != nil {
		return nil, err
	}
	// root record is flattened last, dependencies first
	return flattened[len(flattened)-1].record, nil
}

// flattenRecord returns the embedded entities dependency-first,
// with the root record last
func flattenRecord(kind EntityKind, raw map[string]any, depth int) ([]flatEntry, error) {
	if maxFlattenDepth < depth {
		return nil, NewValidationError(kind, "embedded entities nested too deep")
	}
	if raw == nil {
		return nil, NewValidationError(kind, "missing payload")
	}

	record := Record{}
	for field, value := range raw {
		record[field] = value
	}

	id := stringifyId(record[FieldId])
	if id == "" {
		return nil, NewValidationError(kind, "missing mandatory identifier")
	}
	record[FieldId] = id

	entries := []flatEntry{}
	hoist := func(field string, embeddedKind EntityKind, refField string) {
		embedded, ok := record[field].(map[string]any)
		delete(record, field)
		if !ok {
			return
		}
		embeddedEntries, err := flattenRecord(embeddedKind, embedded, depth+1)
		if err != nil {
			// a malformed embedded entity does not invalidate the root
			return
		}
		entries = append(entries, embeddedEntries...)
		record[refField] = embeddedEntries[len(embeddedEntries)-1].record.Id()
	}

	switch kind {
	case EntityAccount:
		for _, variant := range accountHandleVariants {
			if handle, ok := record[variant].(string); ok && handle != "" {
				record["acct"] = handle
				break
			}
		}
		if record.String("acct") == "" {
			record["acct"] = record.String("username")
		}
		if record.String("display_name") == "" {
			record["display_name"] = record.String("username")
		}
		delete(record, "fqn")
		defaultCount(record, "followers_count")
		defaultCount(record, "following_count")
		defaultCount(record, "statuses_count")
		defaultFlag(record, "bot")
		defaultFlag(record, "locked")
		defaultString(record, "note")
		defaultString(record, "avatar")
		defaultString(record, "header")

	case EntityStatus:
		hoist("account", EntityAccount, FieldAccountId)
		hoist("poll", EntityPoll, "poll_id")
		hoist("group", EntityGroup, "group_id")
		for _, variant := range statusReblogVariants {
			if _, ok := record[variant].(map[string]any); ok {
				hoist(variant, EntityStatus, FieldReblogOfId)
				break
			}
			delete(record, variant)
		}
		if extension, ok := record["pleroma"].(map[string]any); ok {
			if conversationId, ok := extension["conversation_id"]; ok {
				record["conversation_id"] = stringifyId(conversationId)
			}
			if local, ok := extension["local"].(bool); ok {
				record["local"] = local
			}
		}
		delete(record, "pleroma")
		defaultCount(record, "replies_count")
		defaultCount(record, "reblogs_count")
		defaultCount(record, "favourites_count")
		defaultFlag(record, "favourited")
		defaultFlag(record, "reblogged")
		defaultFlag(record, "bookmarked")
		defaultFlag(record, "muted")
		defaultFlag(record, "pinned")
		defaultFlag(record, "sensitive")
		defaultString(record, "content")
		defaultString(record, "spoiler_text")
		if record.String("visibility") == "" {
			record["visibility"] = "public"
		}

	case EntityNotification:
		hoist("account", EntityAccount, FieldAccountId)
		hoist("status", EntityStatus, FieldStatusId)
		defaultString(record, "type")
		defaultString(record, "created_at")

	case EntityRelationship:
		for _, flag := range []string{
			"following", "followed_by", "blocking", "blocked_by",
			"muting", "muting_notifications", "requested",
			"domain_blocking", "endorsed", "notifying",
		} {
			defaultFlag(record, flag)
		}
		defaultString(record, "note")

	case EntityGroupRelationship:
		// some dialects send role as an object, some as a plain string
		if role, ok := record["role"].(map[string]any); ok {
			record["role"] = Record(role).String("name")
		}
		defaultString(record, "role")
		defaultFlag(record, "member")
		defaultFlag(record, "requested")
		defaultFlag(record, "notifying")

	case EntityGroup:
		hoist("relationship", EntityGroupRelationship, "relationship_id")
		defaultCount(record, "members_count")
		defaultFlag(record, "locked")
		defaultString(record, "display_name")
		defaultString(record, "note")

	case EntityChat:
		hoist("account", EntityAccount, FieldAccountId)
		for _, variant := range chatLastMessageVariants {
			if _, ok := record[variant].(map[string]any); ok {
				hoist(variant, EntityStatus, "last_message_id")
				break
			}
			delete(record, variant)
		}
		defaultCount(record, "unread")

	case EntityPoll:
		defaultCount(record, "votes_count")
		defaultCount(record, "voters_count")
		defaultFlag(record, "expired")
		defaultFlag(record, "voted")
		defaultFlag(record, "multiple")

	case EntityList:
		defaultString(record, "title")
	}

	entries = append(entries, flatEntry{kind: kind, record: record})
	return entries, nil
}

func stringifyId(value any) string {
	switch id := value.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	}
	return ""
}

func defaultCount(record Record, field string) {
	if _, ok := record[field]; !ok {
		record[field] = int64(0)
	}
}

func defaultFlag(record Record, field string) {
	if _, ok := record[field]; !ok {
		record[field] = false
	}
}

func defaultString(record Record, field string) {
	if _, ok := record[field]; !ok {
		record[field] = ""
	}
}
