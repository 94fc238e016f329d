package batch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/TheMichaelB/whsync/internal/models"
)

// OpType is a queued mutation kind.
type OpType string

const (
	OpCreate      OpType = "create"
	OpUpdate      OpType = "update"
	OpDelete      OpType = "delete"
	OpUpdateField OpType = "updateField"
	OpCreateField OpType = "createField"
)

// mutationSpec maps an OpType to its GraphQL mutation.
type mutationSpec struct {
	prefix    string
	field     string
	inputType string
	selection string
}

var specs = map[OpType]mutationSpec{
	OpCreate: {
		prefix:    "create",
		field:     "addProjectV2DraftIssue",
		inputType: "AddProjectV2DraftIssueInput!",
		selection: "{ projectItem { id content { ... on DraftIssue { id } } } }",
	},
	OpUpdate: {
		prefix:    "update",
		field:     "updateProjectV2DraftIssue",
		inputType: "UpdateProjectV2DraftIssueInput!",
		selection: "{ draftIssue { id } }",
	},
	OpDelete: {
		prefix:    "delete",
		field:     "deleteProjectV2Item",
		inputType: "DeleteProjectV2ItemInput!",
		selection: "{ deletedItemId }",
	},
	OpUpdateField: {
		prefix:    "field",
		field:     "updateProjectV2ItemFieldValue",
		inputType: "UpdateProjectV2ItemFieldValueInput!",
		selection: "{ projectV2Item { id } }",
	},
	OpCreateField: {
		prefix:    "schema",
		field:     "createProjectV2Field",
		inputType: "CreateProjectV2FieldInput!",
		selection: "{ projectV2Field { ... on ProjectV2Field { id name dataType } } }",
	},
}

// aliasPattern is the only shape of response key ever read.
var aliasPattern = regexp.MustCompile(`^(create|update|delete|field|schema)[0-9]+$`)

// ValidAlias reports whether alias may be used to index a response.
func ValidAlias(alias string) bool {
	return aliasPattern.MatchString(alias)
}

// IsValid returns true if the operation type is known.
func (t OpType) IsValid() bool {
	_, ok := specs[t]
	return ok
}

// Mutation is a composite GraphQL document with one variable per alias.
type Mutation struct {
	Query     string
	Variables map[string]interface{}
	// Aliases[i] belongs to the i-th operation passed to BuildMutation
	Aliases []string
}

// BuildMutation partitions ops by type, keeping enqueue order within a
// type, and emits one aliased sub-mutation per operation.
func BuildMutation(ops []*Operation) (*Mutation, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	var order []OpType
	groups := make(map[OpType][]int)
	for i, op := range ops {
		if !op.Type.IsValid() {
			return nil, fmt.Errorf("unknown operation type %q", op.Type)
		}
		if _, seen := groups[op.Type]; !seen {
			order = append(order, op.Type)
		}
		groups[op.Type] = append(groups[op.Type], i)
	}

	m := &Mutation{
		Variables: make(map[string]interface{}, len(ops)),
		Aliases:   make([]string, len(ops)),
	}

	var decls, body strings.Builder
	n := 0
	for _, t := range order {
		spec := specs[t]
		for _, idx := range groups[t] {
			alias := spec.prefix + strconv.Itoa(n)
			n++
			if !ValidAlias(alias) {
				return nil, fmt.Errorf("%w: %q", models.ErrInvalidAlias, alias)
			}

			if decls.Len() > 0 {
				decls.WriteString(", ")
			}
			fmt.Fprintf(&decls, "$%s: %s", alias, spec.inputType)
			fmt.Fprintf(&body, "  %s: %s(input: $%s) %s\n", alias, spec.field, alias, spec.selection)

			m.Variables[alias] = ops[idx].Input
			m.Aliases[idx] = alias
		}
	}

	m.Query = fmt.Sprintf("mutation Batch(%s) {\n%s}", decls.String(), body.String())
	return m, nil
}
