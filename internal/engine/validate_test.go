package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
)

func listingEntities() []*metadata.Entity {
	return []*metadata.Entity{{
		Name: "listings",
		Fields: []metadata.Field{
			{Name: "title"},
			{Name: "code"},
			{Name: "status", Default: "open"},
			{Name: "price", Type: "float"},
			{Name: "discount", Type: "float", Nullable: true},
			{Name: "qty", Type: "int", Default: float64(1)},
			{Name: "total", Type: "float", Nullable: true},
			{Name: "meta", Type: "json"},
		},
		Rules: []*metadata.Rule{
			{Type: "field", Priority: 2, Definition: metadata.RuleDefinition{Field: "title", Operator: "max_length", Value: 10}},
			{Type: "field", Priority: 3, Definition: metadata.RuleDefinition{Field: "code", Operator: "pattern", Value: "^[A-Z]+$", Message: "code must be upper case"}},
			{Type: "field", Priority: 4, Definition: metadata.RuleDefinition{Field: "meta.seo.title", Operator: "max_length", Value: 5}},
			{Type: "field", Priority: 5, Definition: metadata.RuleDefinition{Field: "price", Operator: "min", Value: 1}},
			{Type: "field", Inactive: true, Definition: metadata.RuleDefinition{Field: "price", Operator: "max", Value: 2}},
			{Type: "expression", Definition: metadata.RuleDefinition{
				Field:      "discount",
				Expression: "record.discount != nil && record.discount > record.price",
				Message:    "discount exceeds price",
			}},
			{Type: "expression", Definition: metadata.RuleDefinition{
				Expression: `action == "update" && old.status == "closed"`,
				Message:    "closed listings are read-only",
			}},
			{Type: "computed", Definition: metadata.RuleDefinition{Field: "total", Expression: "record.price * record.qty"}},
		},
	}}
}

func details(err *engine.AppError) map[string]string {
	out := map[string]string{}
	for _, d := range err.Details {
		out[d.Field] = d.Rule
	}
	return out
}

func TestRules_FieldChecksUseDottedPaths(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, listingEntities(), engine.Options{})
	listings := collection(t, e, "listings")

	_, err := listings.Create(ctx, map[string]any{
		"title": "far too long a title",
		"code":  "abc",
		"price": 0.5,
		"meta":  map[string]any{"seo": map[string]any{"title": "lengthy"}},
	}, engine.OpContext{})
	appErr := requireAppError(t, err, "VALIDATION_FAILED")
	assert.Equal(t, map[string]string{
		"title":          "max_length",
		"code":           "pattern",
		"meta.seo.title": "max_length",
		"price":          "min",
	}, details(appErr))
	for _, d := range appErr.Details {
		if d.Field == "code" {
			assert.Equal(t, "code must be upper case", d.Message)
		}
	}

	row, err := listings.Create(ctx, map[string]any{"title": "Lamp", "code": "LMP", "price": 5.0}, engine.OpContext{})
	require.NoError(t, err, "inactive rules are skipped")
	assert.EqualValues(t, 5, row["total"])
}

func TestRules_StopOnFailEndsEvaluation(t *testing.T) {
	ctx := context.Background()
	entities := listingEntities()
	entities[0].Rules = append(entities[0].Rules, &metadata.Rule{
		Type:       "field",
		Priority:   1,
		Definition: metadata.RuleDefinition{Field: "code", Operator: "min_length", Value: 3, StopOnFail: true},
	})
	e := testEngine(t, entities, engine.Options{})
	listings := collection(t, e, "listings")

	_, err := listings.Create(ctx, map[string]any{"code": "ab", "title": "far too long a title", "price": 5.0}, engine.OpContext{})
	appErr := requireAppError(t, err, "VALIDATION_FAILED")
	require.Len(t, appErr.Details, 1)
	assert.Equal(t, "min_length", appErr.Details[0].Rule)
}

func TestRules_UpdateSeesStoredRecord(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, listingEntities(), engine.Options{})
	listings := collection(t, e, "listings")

	row, err := listings.Create(ctx, map[string]any{"title": "Desk", "price": 10.0, "discount": 2.0}, engine.OpContext{})
	require.NoError(t, err)
	id := row["id"]

	_, err = listings.UpdateByID(ctx, id, map[string]any{"discount": 20.0}, engine.OpContext{})
	appErr := requireAppError(t, err, "VALIDATION_FAILED")
	assert.Equal(t, map[string]string{"discount": "expression"}, details(appErr))

	_, err = listings.UpdateByID(ctx, id, map[string]any{"status": "closed"}, engine.OpContext{})
	require.NoError(t, err)
	_, err = listings.UpdateByID(ctx, id, map[string]any{"title": "Table"}, engine.OpContext{})
	appErr = requireAppError(t, err, "VALIDATION_FAILED")
	require.Len(t, appErr.Details, 1)
	assert.Equal(t, "closed listings are read-only", appErr.Details[0].Message)

	got, err := listings.FindByID(ctx, id, engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, "Desk", got["title"])
	assert.EqualValues(t, 2, got["discount"])
}

func TestRules_ComputedPerRowOnBatchUpdate(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, listingEntities(), engine.Options{})
	listings := collection(t, e, "listings")

	a, err := listings.Create(ctx, map[string]any{"title": "A", "price": 2.0, "qty": 3}, engine.OpContext{})
	require.NoError(t, err)
	assert.EqualValues(t, 6, a["total"])
	b, err := listings.Create(ctx, map[string]any{"title": "B", "price": 5.0}, engine.OpContext{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, b["total"])

	rows, err := listings.Update(ctx, nil, map[string]any{"qty": 10}, engine.OpContext{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	totals := map[any]any{}
	for _, row := range rows {
		totals[row["title"]] = row["total"]
	}
	assert.EqualValues(t, 20, totals["A"])
	assert.EqualValues(t, 50, totals["B"])
}
