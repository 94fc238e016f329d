package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidAlias(t *testing.T) {
	tests := []struct {
		alias string
		want  bool
	}{
		{"create0", true},
		{"update12", true},
		{"delete3", true},
		{"field0", true},
		{"schema1", true},
		{"create", false},
		{"Create0", false},
		{"create0 ", false},
		{"create0;x", false},
		{"__proto__", false},
		{"constructor", false},
		{"fieldx1", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidAlias(tt.alias))
		})
	}
}

func TestBuildMutationGroupsByType(t *testing.T) {
	ops := []*Operation{
		{Type: OpUpdate, Input: map[string]interface{}{"draftIssueId": "D1"}},
		{Type: OpCreate, Input: map[string]interface{}{"title": "a"}},
		{Type: OpUpdate, Input: map[string]interface{}{"draftIssueId": "D2"}},
		{Type: OpDelete, Input: map[string]interface{}{"itemId": "I1"}},
		{Type: OpUpdateField, Input: map[string]interface{}{"itemId": "I2"}},
	}

	m, err := BuildMutation(ops)
	require.NoError(t, err)

	// Updates first (first seen), in enqueue order
	assert.Equal(t, []string{"update0", "create2", "update1", "delete3", "field4"}, m.Aliases)
	assert.Equal(t, ops[2].Input, m.Variables["update1"])
	assert.Len(t, m.Variables, 5)

	assert.Contains(t, m.Query, "mutation Batch($update0: UpdateProjectV2DraftIssueInput!, $update1: UpdateProjectV2DraftIssueInput!, $create2: AddProjectV2DraftIssueInput!")
	assert.Contains(t, m.Query, "update1: updateProjectV2DraftIssue(input: $update1) { draftIssue { id } }")
	assert.Contains(t, m.Query, "delete3: deleteProjectV2Item(input: $delete3) { deletedItemId }")
	assert.Contains(t, m.Query, "field4: updateProjectV2ItemFieldValue(input: $field4)")

	for _, alias := range m.Aliases {
		assert.True(t, ValidAlias(alias), alias)
	}
}

func TestBuildMutationRejectsBadInput(t *testing.T) {
	_, err := BuildMutation(nil)
	assert.Error(t, err)

	_, err = BuildMutation([]*Operation{{Type: "merge"}})
	assert.Error(t, err)
}
