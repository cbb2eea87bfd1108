package client

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestNormalizeDefaults(t *testing.T) {
	record, err := Normalize(EntityStatus, map[string]any{
		"id":      "101",
		"content": "<p>hello</p>",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Id(), "101")
	assert.Equal(t, record.Bool("favourited"), false)
	assert.Equal(t, record.Bool("reblogged"), false)
	assert.Equal(t, record.Int("replies_count"), int64(0))
	assert.Equal(t, record.Int("favourites_count"), int64(0))
	assert.Equal(t, record.String("visibility"), "public")
	assert.Equal(t, record.String("content"), "<p>hello</p>")

	account, err := Normalize(EntityAccount, map[string]any{
		"id":       "7",
		"username": "ada",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, account.String("acct"), "ada")
	assert.Equal(t, account.String("display_name"), "ada")
	assert.Equal(t, account.Int("followers_count"), int64(0))
}

func TestNormalizeDialectVariants(t *testing.T) {
	// pleroma-style fqn instead of acct
	account, err := Normalize(EntityAccount, map[string]any{
		"id":       "7",
		"username": "ada",
		"fqn":      "ada@example.social",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, account.String("acct"), "ada@example.social")
	assert.Equal(t, account["fqn"], nil)

	// repost instead of reblog
	status, err := Normalize(EntityStatus, map[string]any{
		"id": "2",
		"repost": map[string]any{
			"id": "1",
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, status.String(FieldReblogOfId), "1")

	// role object flattened to a string
	groupRelationship, err := Normalize(EntityGroupRelationship, map[string]any{
		"id": "g1",
		"role": map[string]any{
			"name": "admin",
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, groupRelationship.String("role"), "admin")
}

func TestNormalizeMissingId(t *testing.T) {
	_, err := Normalize(EntityStatus, map[string]any{
		"content": "no id",
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, IsValidationError(err), true)

	// numeric ids are canonicalized to strings
	record, err := Normalize(EntityStatus, map[string]any{
		"id": float64(99),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Id(), "99")
}

func TestMergePreservesUnrelatedFields(t *testing.T) {
	entities := NewEntityTableWithDefaults()

	entities.Merge(EntityStatus, "1", Record{
		"content":    "hello",
		"favourited": false,
	})
	entities.Merge(EntityStatus, "1", Record{
		"favourited": true,
	})

	record, ok := entities.Get(EntityStatus, "1")
	assert.Equal(t, ok, true)
	assert.Equal(t, record.String("content"), "hello")
	assert.Equal(t, record.Bool("favourited"), true)
}

func TestIngestFlattensEmbedded(t *testing.T) {
	entities := NewEntityTableWithDefaults()

	record, err := entities.Ingest(EntityStatus, map[string]any{
		"id": "2",
		"account": map[string]any{
			"id":       "7",
			"username": "ada",
		},
		"reblog": map[string]any{
			"id": "1",
			"account": map[string]any{
				"id":       "8",
				"username": "grace",
			},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.String(FieldAccountId), "7")
	assert.Equal(t, record.String(FieldReblogOfId), "1")
	// embedded entities are stored as records of their own
	_, ok := entities.Get(EntityAccount, "7")
	assert.Equal(t, ok, true)
	_, ok = entities.Get(EntityAccount, "8")
	assert.Equal(t, ok, true)
	reblogged, ok := entities.Get(EntityStatus, "1")
	assert.Equal(t, ok, true)
	assert.Equal(t, reblogged.String(FieldAccountId), "8")
}

func TestGetReturnsSnapshot(t *testing.T) {
	entities := NewEntityTableWithDefaults()
	entities.Merge(EntityAccount, "7", Record{"username": "ada"})

	record, ok := entities.Get(EntityAccount, "7")
	assert.Equal(t, ok, true)
	record["username"] = "mutated"

	again, _ := entities.Get(EntityAccount, "7")
	assert.Equal(t, again.String("username"), "ada")
}

func TestChangeNotifications(t *testing.T) {
	entities := NewEntityTableWithDefaults()

	changed := []string{}
	remove := entities.AddChangeCallback(func(kind EntityKind, id string, record Record) {
		changed = append(changed, string(kind)+":"+id)
	})
	defer remove()

	entities.Merge(EntityStatus, "1", Record{"content": "x"})
	entities.Merge(EntityStatus, "1", Record{"favourited": true})
	assert.Equal(t, changed, []string{"status:1", "status:1"})
}

func TestCascadeDelete(t *testing.T) {
	entities := NewEntityTableWithDefaults()

	entities.Merge(EntityStatus, "a", Record{"content": "original"})
	entities.Merge(EntityStatus, "b", Record{FieldReblogOfId: "a"})
	entities.Merge(EntityStatus, "c", Record{FieldReblogOfId: "b"})
	entities.Merge(EntityStatus, "d", Record{"content": "unrelated"})

	deleted := []string{}
	remove := entities.AddDeleteCallback(func(kind EntityKind, id string, record Record) {
		deleted = append(deleted, id)
	})
	defer remove()

	entities.Delete(EntityStatus, "a", true)

	_, ok := entities.Get(EntityStatus, "a")
	assert.Equal(t, ok, false)
	_, ok = entities.Get(EntityStatus, "b")
	assert.Equal(t, ok, false)
	_, ok = entities.Get(EntityStatus, "c")
	assert.Equal(t, ok, false)
	_, ok = entities.Get(EntityStatus, "d")
	assert.Equal(t, ok, true)
	assert.Equal(t, len(deleted), 3)
}

func TestDeleteWithoutCascade(t *testing.T) {
	entities := NewEntityTableWithDefaults()

	entities.Merge(EntityStatus, "a", Record{"content": "original"})
	entities.Merge(EntityStatus, "b", Record{FieldReblogOfId: "a"})

	entities.Delete(EntityStatus, "a", false)

	_, ok := entities.Get(EntityStatus, "a")
	assert.Equal(t, ok, false)
	_, ok = entities.Get(EntityStatus, "b")
	assert.Equal(t, ok, true)
}
