package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
)

func seedProducts(t *testing.T, c *engine.Collection, n int) []map[string]any {
	t.Helper()
	rows := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		row, err := c.Create(context.Background(), map[string]any{
			"sku":    fmt.Sprintf("P%02d", i),
			"name":   fmt.Sprintf("Product %d", i),
			"price":  float64(i * 10),
			"status": []string{"draft", "active"}[i%2],
		}, engine.OpContext{})
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func TestFind_Pagination(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{DefaultLimit: 10, MaxLimit: 20})
	products := collection(t, e, "products")
	seedProducts(t, products, 25)

	res, err := products.Find(ctx, engine.FindOptions{Limit: 10, Page: 2, Sort: []string{"sku"}}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.TotalDocs)
	assert.Equal(t, 3, res.TotalPages)
	assert.Equal(t, 2, res.Page)
	assert.Equal(t, 11, res.PagingCounter)
	assert.True(t, res.HasPrevPage)
	assert.True(t, res.HasNextPage)
	require.NotNil(t, res.PrevPage)
	assert.Equal(t, 1, *res.PrevPage)
	require.NotNil(t, res.NextPage)
	assert.Equal(t, 3, *res.NextPage)
	require.Len(t, res.Docs, 10)
	assert.Equal(t, "P11", res.Docs[0]["sku"])

	res, err = products.Find(ctx, engine.FindOptions{Limit: 500}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Limit)
	assert.Len(t, res.Docs, 20)

	res, err = products.Find(ctx, engine.FindOptions{Offset: 20, Limit: 10}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Page)
	assert.False(t, res.HasNextPage)
	assert.Nil(t, res.NextPage)
	assert.Len(t, res.Docs, 5)

	res, err = products.Find(ctx, engine.FindOptions{Where: map[string]any{"sku": "none"}}, engine.OpContext{})
	require.NoError(t, err)
	assert.NotNil(t, res.Docs)
	assert.Empty(t, res.Docs)
	assert.Equal(t, int64(0), res.TotalDocs)
}

func TestFind_Filters(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")
	seedProducts(t, products, 6)

	cases := []struct {
		name  string
		where map[string]any
		want  int64
	}{
		{"eq shorthand", map[string]any{"status": "active"}, 3},
		{"range", map[string]any{"price": map[string]any{"gt": 20, "lte": 50}}, 3},
		{"in", map[string]any{"sku": map[string]any{"in": []any{"P01", "P02", "nope"}}}, 2},
		{"not_in", map[string]any{"sku": map[string]any{"not_in": []any{"P01"}}}, 5},
		{"like", map[string]any{"name": map[string]any{"like": "Product 1%"}}, 1},
		{"contains", map[string]any{"sku": map[string]any{"contains": "0"}}, 6},
		{"exists", map[string]any{"category_id": map[string]any{"exists": false}}, 6},
		{"or", map[string]any{"or": []any{map[string]any{"sku": "P01"}, map[string]any{"price": 60}}}, 2},
		{"and", map[string]any{"and": []any{map[string]any{"status": "draft"}, map[string]any{"price": map[string]any{"gte": 40}}}}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := products.Count(ctx, engine.FindOptions{Where: tc.where}, engine.OpContext{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}

	_, err := products.Find(ctx, engine.FindOptions{Where: map[string]any{"colour": "red"}}, engine.OpContext{})
	requireAppError(t, err, "BAD_REQUEST")
	_, err = products.Find(ctx, engine.FindOptions{Where: map[string]any{"price": map[string]any{"between": 1}}}, engine.OpContext{})
	requireAppError(t, err, "BAD_REQUEST")
	_, err = products.Find(ctx, engine.FindOptions{Sort: []string{"-colour"}}, engine.OpContext{})
	requireAppError(t, err, "BAD_REQUEST")
}

func TestFind_SearchMatchesTitle(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")
	seedProducts(t, products, 3)

	res, err := products.Find(ctx, engine.FindOptions{Search: "p02 - product"}, engine.OpContext{})
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, "P02 - Product 2", res.Docs[0][metadata.TitleKey])
}

func TestRelations_WithAndCount(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")
	categories := collection(t, e, "categories")
	tags := collection(t, e, "tags")

	cat, err := categories.Create(ctx, map[string]any{"name": "Shoes"}, engine.OpContext{})
	require.NoError(t, err)
	sale, err := tags.Create(ctx, map[string]any{"label": "sale"}, engine.OpContext{})
	require.NoError(t, err)

	shoe, err := products.Create(ctx, map[string]any{
		"sku":      "S1",
		"name":     "Shoe",
		"category": map[string]any{"connect": cat["id"]},
		"tags": map[string]any{
			"connect":         []any{sale["id"]},
			"connectOrCreate": []any{map[string]any{"where": map[string]any{"label": "new"}, "create": map[string]any{"label": "new"}}},
		},
		"reviews": map[string]any{"create": []any{
			map[string]any{"body": "great", "rating": 5},
			map[string]any{"body": "fine", "rating": 3},
		}},
	}, engine.OpContext{})
	require.NoError(t, err)
	_, err = products.Create(ctx, map[string]any{"sku": "S2", "name": "Sock", "tags": []any{sale["id"]}}, engine.OpContext{})
	require.NoError(t, err)

	row, err := products.FindByID(ctx, shoe["id"], engine.FindOptions{
		With: map[string]*engine.WithSpec{
			"category": nil,
			"tags":     {Sort: []string{"label"}},
			"reviews":  {Where: map[string]any{"rating": map[string]any{"gte": 4}}},
		},
		Count: []string{"tags", "reviews"},
	}, engine.OpContext{})
	require.NoError(t, err)

	category, ok := row["category"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Shoes", category["name"])

	tagRows, ok := row["tags"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, tagRows, 2)
	assert.Equal(t, "new", tagRows[0]["label"])
	assert.Equal(t, "sale", tagRows[1]["label"])

	reviewRows, ok := row["reviews"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, reviewRows, 1)
	assert.Equal(t, "great", reviewRows[0]["body"])

	counts, ok := row[metadata.CountKey].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, counts["tags"])
	assert.EqualValues(t, 2, counts["reviews"])

	nested, err := categories.FindByID(ctx, cat["id"], engine.FindOptions{
		With: map[string]*engine.WithSpec{"products": {With: map[string]*engine.WithSpec{"tags": nil}}},
	}, engine.OpContext{})
	require.NoError(t, err)
	catProducts := nested["products"].([]map[string]any)
	require.Len(t, catProducts, 1)
	assert.Len(t, catProducts[0]["tags"], 2)

	saleRow, err := tags.FindByID(ctx, sale["id"], engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, "sale", saleRow["label"])
}

func TestNestedWrites_SetAndDisconnect(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, productEntities(), engine.Options{})
	products := collection(t, e, "products")
	tags := collection(t, e, "tags")
	categories := collection(t, e, "categories")

	a, err := tags.Create(ctx, map[string]any{"label": "a"}, engine.OpContext{})
	require.NoError(t, err)
	b, err := tags.Create(ctx, map[string]any{"label": "b"}, engine.OpContext{})
	require.NoError(t, err)

	row, err := products.Create(ctx, map[string]any{
		"sku":      "S1",
		"name":     "Shoe",
		"tags":     []any{a["id"]},
		"category": map[string]any{"create": map[string]any{"name": "Made inline"}},
	}, engine.OpContext{})
	require.NoError(t, err)
	require.NotNil(t, row["category_id"])

	_, err = products.UpdateByID(ctx, row["id"], map[string]any{"tags": map[string]any{"set": []any{b["id"]}}, "category": nil}, engine.OpContext{})
	require.NoError(t, err)

	got, err := products.FindByID(ctx, row["id"], engine.FindOptions{With: map[string]*engine.WithSpec{"tags": nil, "category": nil}}, engine.OpContext{})
	require.NoError(t, err)
	assert.Nil(t, got["category_id"])
	assert.Nil(t, got["category"])
	tagRows := got["tags"].([]map[string]any)
	require.Len(t, tagRows, 1)
	assert.Equal(t, "b", tagRows[0]["label"])

	n, err := categories.Count(ctx, engine.FindOptions{}, engine.OpContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = products.UpdateByID(ctx, row["id"], map[string]any{"tags": map[string]any{"link": []any{a["id"]}}}, engine.OpContext{})
	requireAppError(t, err, "BAD_REQUEST")
	_, err = products.UpdateByID(ctx, row["id"], map[string]any{"category": map[string]any{"connect": 999}}, engine.OpContext{})
	requireAppError(t, err, "NOT_FOUND")
}

func TestSchemaValidation_CUE(t *testing.T) {
	ctx := context.Background()
	entities := []*metadata.Entity{{
		Name:   "events",
		Fields: []metadata.Field{{Name: "name"}, {Name: "seats", Type: "int"}},
		Schema: `seats?: int & >=1 & <=500
name?: =~"^[A-Z]"`,
	}}
	e := testEngine(t, entities, engine.Options{})
	events := collection(t, e, "events")

	_, err := events.Create(ctx, map[string]any{"name": "Launch", "seats": 20}, engine.OpContext{})
	require.NoError(t, err)

	_, err = events.Create(ctx, map[string]any{"name": "launch", "seats": 1000}, engine.OpContext{})
	appErr := requireAppError(t, err, "VALIDATION_FAILED")
	fields := map[string]bool{}
	for _, d := range appErr.Details {
		fields[d.Field] = true
	}
	assert.True(t, fields["seats"])
	assert.True(t, fields["name"])
}
