package datapipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestSelectDottedAndIndex(t *testing.T) {
	data := decode(t, `{"items":[{"name":"a"},{"name":"b"}]}`)
	got, err := Select(data, "$.items[1].name")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0])
}

func TestSelectWildcard(t *testing.T) {
	data := decode(t, `{"items":[{"name":"a"},{"name":"b"}]}`)
	got, err := Select(data, "$.items[*].name")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, got)
}

func TestSelectRecursiveDescent(t *testing.T) {
	data := decode(t, `{"a":{"id":1},"b":[{"id":2},{"id":3}]}`)
	got, err := Select(data, "$..id")
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{float64(1), float64(2), float64(3)}, got)
}

func TestSelectFilterTerm(t *testing.T) {
	data := decode(t, `{"items":[{"n":1},{"n":5},{"n":9}]}`)
	got, err := Select(data, "$.items[?(@.n>3)]")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSelectMissingFieldEmpty(t *testing.T) {
	data := decode(t, `{"items":[{"n":1}]}`)
	got, err := Select(data, "$.items[0].missing.deeper")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFilterAndOrNot(t *testing.T) {
	f, err := ParseFilter(`status == 'open' && (priority > 2 || urgent == true)`)
	require.NoError(t, err)

	assert.True(t, f.Eval(map[string]interface{}{"status": "open", "priority": float64(3), "urgent": false}))
	assert.True(t, f.Eval(map[string]interface{}{"status": "open", "priority": float64(1), "urgent": true}))
	assert.False(t, f.Eval(map[string]interface{}{"status": "closed", "priority": float64(3)}))
}

func TestFilterFunctions(t *testing.T) {
	item := map[string]interface{}{"name": "hello world", "tags": []interface{}{"a", "b"}}

	f, err := ParseFilter(`contains(name, 'world')`)
	require.NoError(t, err)
	assert.True(t, f.Eval(item))

	f, err = ParseFilter(`starts_with(name, 'hello')`)
	require.NoError(t, err)
	assert.True(t, f.Eval(item))

	f, err = ParseFilter(`is_null(missing)`)
	require.NoError(t, err)
	assert.True(t, f.Eval(item))

	f, err = ParseFilter(`is_not_null(name)`)
	require.NoError(t, err)
	assert.True(t, f.Eval(item))

	f, err = ParseFilter(`matches(name, '^hello')`)
	require.NoError(t, err)
	assert.True(t, f.Eval(item))
}

func TestFilterInExpr(t *testing.T) {
	f, err := ParseFilter(`status in ['open', 'pending']`)
	require.NoError(t, err)
	assert.True(t, f.Eval(map[string]interface{}{"status": "pending"}))
	assert.False(t, f.Eval(map[string]interface{}{"status": "closed"}))
}

func TestFilterInvalidRegexReturnsFalse(t *testing.T) {
	f, err := ParseFilter(`matches(name, '[')`)
	require.NoError(t, err)
	assert.False(t, f.Eval(map[string]interface{}{"name": "x"}))
}

func TestFilterNullEqualityTreatsMissingAsNull(t *testing.T) {
	f, err := ParseFilter(`missing_field == null`)
	require.NoError(t, err)
	assert.True(t, f.Eval(map[string]interface{}{"other": 1}))
}

func TestRunFullPipeline(t *testing.T) {
	data := decode(t, `{"items":[
		{"name":"c","priority":1},
		{"name":"a","priority":3},
		{"name":"b","priority":3}
	]}`)

	items, err := Run(data, Config{
		JSONPath: "$.items[*]",
		Filter:   "priority >= 1",
		SortBy:   []SortClause{{Field: "priority", Desc: true}, {Field: "name", Desc: false}},
		Offset:   0,
		Limit:    2,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item_0", items[0].ItemID)
	m0 := items[0].Value.(map[string]interface{})
	assert.Equal(t, "a", m0["name"])
	m1 := items[1].Value.(map[string]interface{})
	assert.Equal(t, "b", m1["name"])
}

func TestRunSortNullsLast(t *testing.T) {
	data := decode(t, `{"items":[{"n":2},{"n":null},{"n":1}]}`)
	items, err := Run(data, Config{
		JSONPath: "$.items[*]",
		SortBy:   []SortClause{{Field: "n", Desc: false}},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	last := items[2].Value.(map[string]interface{})
	assert.Nil(t, last["n"])
}

func TestRunFieldMapping(t *testing.T) {
	data := decode(t, `{"items":[{"id":1,"meta":{"owner":"alice"}}]}`)
	items, err := Run(data, Config{
		JSONPath: "$.items[*]",
		FieldMap: map[string]string{"owner": "meta.owner"},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	v := items[0].Value.(map[string]interface{})
	assert.Equal(t, "alice", v["owner"])
}

func TestRunOffsetBeyondLength(t *testing.T) {
	data := decode(t, `{"items":[{"n":1}]}`)
	items, err := Run(data, Config{JSONPath: "$.items[*]", Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, items)
}
