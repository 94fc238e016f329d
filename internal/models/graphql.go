package models

import (
	"encoding/json"
	"strings"
)

// GraphQLError is one entry of a GraphQL "errors" array.
type GraphQLError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Path    []any  `json:"path,omitempty"`
}

// GraphQLResponse is the envelope of every GraphQL answer. Data is kept
// raw per top-level field so aliased results are decoded individually.
type GraphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []GraphQLError             `json:"errors,omitempty"`
}

// ErrorFor returns the first error whose path starts at field.
func (r *GraphQLResponse) ErrorFor(field string) *GraphQLError {
	for i := range r.Errors {
		if len(r.Errors[i].Path) > 0 {
			if p, ok := r.Errors[i].Path[0].(string); ok && p == field {
				return &r.Errors[i]
			}
		}
	}
	return nil
}

// ErrorMessage joins all error messages.
func (r *GraphQLResponse) ErrorMessage() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// HasData reports whether any non-null field came back.
func (r *GraphQLResponse) HasData() bool {
	for _, v := range r.Data {
		if len(v) > 0 && string(v) != "null" {
			return true
		}
	}
	return false
}
