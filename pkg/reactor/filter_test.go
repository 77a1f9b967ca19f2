package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFilter(t *testing.T) {
	tests := []struct {
		name  string
		where map[string]any
		class filterClass
	}{
		{"nil matches all", nil, filterMatchAll},
		{"empty matches all", map[string]any{}, filterMatchAll},
		{"id equality", map[string]any{"id": "t1"}, filterIDEquals},
		{"empty id is unsupported", map[string]any{"id": ""}, filterUnsupported},
		{"non-string id is unsupported", map[string]any{"id": 7}, filterUnsupported},
		{"other field is unsupported", map[string]any{"done": true}, filterUnsupported},
		{"id plus extra is unsupported", map[string]any{"id": "t1", "done": true}, filterUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, classifyFilter(tt.where).class)
		})
	}
}

func TestFilterAccepts(t *testing.T) {
	all := classifyFilter(nil)
	assert.True(t, all.accepts("anything"))

	byID := classifyFilter(map[string]any{"id": "T1"})
	assert.True(t, byID.accepts("t1"), "id comparison folds case")
	assert.True(t, byID.accepts("T1"))
	assert.False(t, byID.accepts("t2"))

	unsupported := classifyFilter(map[string]any{"done": true})
	assert.False(t, unsupported.accepts("t1"), "unsupported filters never accept locally")
}

func TestFilterClassString(t *testing.T) {
	assert.Equal(t, "matchAll", filterMatchAll.String())
	assert.Equal(t, "idEquals", filterIDEquals.String())
	assert.Equal(t, "unsupported", filterUnsupported.String())
}
