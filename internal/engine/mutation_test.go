package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
)

func TestCreate_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")

	_, err := products.Create(ctx, map[string]any{"name": "Shoe", "price": "cheap", "status": "gone", "color": "red"}, engine.OpContext{})
	appErr := requireAppError(t, err, "VALIDATION_FAILED")
	assert.Equal(t, 422, appErr.Status)

	rules := map[string]string{}
	for _, d := range appErr.Details {
		rules[d.Field] = d.Rule
	}
	assert.Equal(t, "required", rules["sku"])
	assert.Equal(t, "type", rules["price"])
	assert.Equal(t, "enum", rules["status"])
	assert.Equal(t, "unknown", rules["color"])

	n, err := products.Count(ctx, engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreate_DefaultsTransformsAndTitle(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")

	row, err := products.Create(ctx, map[string]any{"sku": "  ab-1 ", "name": "Shoe"}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, "AB-1", row["sku"])
	assert.Equal(t, "draft", row["status"])
	assert.Equal(t, float64(0), row["price"])
	assert.Equal(t, "AB-1 - Shoe", row[metadata.TitleKey])
	assert.IsType(t, time.Time{}, row["created_at"])
	assert.Nil(t, row["deleted_at"])
}

func TestCreate_UniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")

	_, err := products.Create(ctx, map[string]any{"sku": "S1", "name": "Shoe"}, engine.OpContext{})
	require.NoError(t, err)
	_, err = products.Create(ctx, map[string]any{"sku": "s1", "name": "Other"}, engine.OpContext{})
	requireAppError(t, err, "CONFLICT")
}

func TestUpdate_BatchRefetchReflectsWrite(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")

	for _, sku := range []string{"A", "B", "C"} {
		_, err := products.Create(ctx, map[string]any{"sku": sku, "name": "Old " + sku}, engine.OpContext{})
		require.NoError(t, err)
	}

	rows, err := products.Update(ctx, map[string]any{"sku": map[string]any{"in": []any{"A", "B"}}},
		map[string]any{"name": "New", "price": 12.5}, engine.OpContext{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "New", row["name"])
		assert.Equal(t, 12.5, row["price"])
		assert.Equal(t, row["sku"].(string)+" - New", row[metadata.TitleKey])
	}

	untouched, err := products.FindOne(ctx, engine.FindOptions{Where: map[string]any{"sku": "C"}}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, "Old C", untouched["name"])

	none, err := products.Update(ctx, map[string]any{"sku": "Z"}, map[string]any{"price": 1}, engine.OpContext{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdate_FieldAccessDenialLeavesBatchUntouched(t *testing.T) {
	ctx := context.Background()
	entities := []*metadata.Entity{{
		Name: "notes",
		Fields: []metadata.Field{
			{Name: "owner"},
			{Name: "body", Access: &metadata.FieldAccess{
				Update: &metadata.AccessRule{Where: []metadata.Condition{{Field: "owner", Value: "$session.id"}}},
			}},
		},
	}}
	e := testEngine(t, entities, engine.Options{})
	notes := collection(t, e, "notes")

	for _, owner := range []string{"u1", "u1", "u2"} {
		_, err := notes.Create(ctx, map[string]any{"owner": owner, "body": "original"}, user(owner))
		require.NoError(t, err)
	}

	_, err := notes.Update(ctx, nil, map[string]any{"body": "changed"}, user("u1"))
	requireAppError(t, err, "FORBIDDEN")

	res, err := notes.Find(ctx, engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	require.Len(t, res.Docs, 3)
	for _, doc := range res.Docs {
		assert.Equal(t, "original", doc["body"])
	}

	rows, err := notes.Update(ctx, map[string]any{"owner": "u1"}, map[string]any{"body": "changed"}, user("u1"))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestAccess_ConditionalReadAndRowWrites(t *testing.T) {
	ctx := context.Background()
	owned := []metadata.Condition{{Field: "owner", Value: "$session.id"}}
	entities := []*metadata.Entity{{
		Name:   "notes",
		Fields: []metadata.Field{{Name: "owner"}, {Name: "body"}},
		Access: metadata.AccessRules{
			Read:   &metadata.AccessRule{Where: owned},
			Create: &metadata.AccessRule{Where: owned},
			Update: &metadata.AccessRule{Where: owned},
			Delete: &metadata.AccessRule{Roles: []string{"admin"}},
		},
	}}
	e := testEngine(t, entities, engine.Options{})
	notes := collection(t, e, "notes")

	mine, err := notes.Create(ctx, map[string]any{"owner": "u1", "body": "a"}, user("u1"))
	require.NoError(t, err)
	_, err = notes.Create(ctx, map[string]any{"owner": "u2", "body": "b"}, user("u2"))
	require.NoError(t, err)

	_, err = notes.Create(ctx, map[string]any{"owner": "u2", "body": "c"}, user("u1"))
	requireAppError(t, err, "FORBIDDEN")

	res, err := notes.Find(ctx, engine.FindOptions{}, user("u1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), res.TotalDocs)
	assert.Equal(t, mine["id"], res.Docs[0]["id"])

	_, err = notes.Find(ctx, engine.FindOptions{}, engine.OpContext{})
	requireAppError(t, err, "FORBIDDEN")

	_, err = notes.UpdateByID(ctx, mine["id"], map[string]any{"body": "x"}, user("u2"))
	requireAppError(t, err, "FORBIDDEN")

	_, err = notes.DeleteByID(ctx, mine["id"], user("u1"))
	requireAppError(t, err, "FORBIDDEN")
	_, err = notes.DeleteByID(ctx, mine["id"], user("u1", "admin"))
	require.NoError(t, err)
}

func TestFieldReadAccess_StripsField(t *testing.T) {
	ctx := context.Background()
	entities := []*metadata.Entity{{
		Name: "accounts",
		Fields: []metadata.Field{
			{Name: "email"},
			{Name: "secret", Access: &metadata.FieldAccess{Read: &metadata.AccessRule{Roles: []string{"admin"}}}},
		},
	}}
	e := testEngine(t, entities, engine.Options{})
	accounts := collection(t, e, "accounts")

	row, err := accounts.Create(ctx, map[string]any{"email": "a@example.com", "secret": "s3"}, user("u1"))
	require.NoError(t, err)
	assert.NotContains(t, row, "secret")

	adminRow, err := accounts.FindByID(ctx, row["id"], engine.FindOptions{}, user("u2", "admin"))
	require.NoError(t, err)
	assert.Equal(t, "s3", adminRow["secret"])
}

func TestHooks_AbortRollsBack(t *testing.T) {
	ctx := context.Background()
	entities := productEntities()
	var stages []string
	entities[0].Hooks = metadata.Hooks{
		BeforeChange: []metadata.Hook{func(_ context.Context, hc *metadata.HookContext) error {
			stages = append(stages, "before_change")
			hc.Data["price"] = 9.5
			return nil
		}},
		AfterChange: []metadata.Hook{func(_ context.Context, hc *metadata.HookContext) error {
			stages = append(stages, "after_change")
			if hc.Data["sku"] == "FAIL" {
				return errors.New("after change refused")
			}
			return nil
		}},
	}
	e := testEngine(t, entities, engine.Options{})
	products := collection(t, e, "products")

	row, err := products.Create(ctx, map[string]any{"sku": "OK", "name": "Shoe"}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, 9.5, row["price"])

	_, err = products.Create(ctx, map[string]any{"sku": "FAIL", "name": "Shoe"}, engine.OpContext{})
	require.Error(t, err)

	n, err := products.Count(ctx, engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"before_change", "after_change", "before_change", "after_change"}, stages)
}

func TestChangeEvents_EmittedAfterCommit(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := testEngine(t, productEntities(), engine.Options{Notifier: rec, Indexer: rec})
	products := collection(t, e, "products")

	row, err := products.Create(ctx, map[string]any{"sku": "S1", "name": "Shoe"}, engine.OpContext{})
	require.NoError(t, err)
	_, err = products.Create(ctx, map[string]any{"sku": "S1", "name": "Dup"}, engine.OpContext{})
	require.Error(t, err)
	_, err = products.UpdateByID(ctx, row["id"], map[string]any{"price": 3}, engine.OpContext{})
	require.NoError(t, err)
	_, err = products.Update(ctx, nil, map[string]any{"price": 4}, engine.OpContext{})
	require.NoError(t, err)
	_, err = products.DeleteByID(ctx, row["id"], engine.OpContext{})
	require.NoError(t, err)

	assert.Equal(t, []string{"create", "update", "update", "delete"}, rec.operations())
	assert.Equal(t, "products", rec.events[0].Collection)
	assert.Equal(t, row["id"], rec.events[0].RecordID)
	assert.Equal(t, true, rec.events[3].Payload["soft"])
	for i := 1; i < len(rec.events); i++ {
		assert.Greater(t, rec.events[i].ID, rec.events[i-1].ID)
	}

	require.Len(t, rec.docs, 3)
	assert.Equal(t, engine.IndexDocument{Collection: "products", ID: row["id"].(string), Locale: "en", Title: "S1 - Shoe", Body: "S1\nShoe\ndraft"}, rec.docs[0])
	assert.Equal(t, []string{"products/" + row["id"].(string)}, rec.removed)
}
