package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/whsync/internal/transport"
)

// FakeItem is one draft issue held by FakeProject.
type FakeItem struct {
	ID        string
	DraftID   string
	Title     string
	Body      string
	UpdatedAt string
	Values    map[string]string // field id -> text
}

// FakeField is a project field definition.
type FakeField struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DataType string `json:"dataType"`
}

// FakeProject answers the GraphQL documents sent by the github client
// from in-memory project state.
type FakeProject struct {
	mu sync.Mutex

	Owner     string
	Number    int
	ProjectID string
	OwnerType string // user or organization
	PageSize  int    // 0 honors the requested page size

	fields []FakeField
	items  []*FakeItem
	nextID int

	mutations    int
	subMutations int
	queries      int
}

// NewFakeProject creates an empty user-owned project.
func NewFakeProject(owner string, number int) *FakeProject {
	return &FakeProject{
		Owner:     owner,
		Number:    number,
		ProjectID: "PVT_fake",
		OwnerType: "user",
		fields: []FakeField{
			{ID: "F_title", Name: "Title", DataType: "TITLE"},
			{ID: "F_status", Name: "Status", DataType: "SINGLE_SELECT"},
		},
	}
}

// Handler answers requests for a transport.MockTransport.
func (p *FakeProject) Handler(r *transport.Request) (*transport.Response, error) {
	var req struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	}
	if err := json.Unmarshal(r.Body, &req); err != nil {
		return &transport.Response{StatusCode: http.StatusBadRequest, Body: []byte(`{"message":"bad json"}`)}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var data interface{}
	switch q := req.Query; {
	case strings.HasPrefix(q, "mutation"):
		p.mutations++
		data = p.mutate(req.Variables)
	case strings.Contains(q, "viewer {"):
		p.queries++
		data = map[string]interface{}{"viewer": map[string]string{"login": p.Owner}}
	case strings.Contains(q, "user(login:"):
		p.queries++
		return p.ownerLookup("user", req.Variables)
	case strings.Contains(q, "organization(login:"):
		p.queries++
		return p.ownerLookup("organization", req.Variables)
	case strings.Contains(q, "fields(first:"):
		p.queries++
		data = node(map[string]interface{}{"fields": map[string]interface{}{"nodes": p.fields}})
	case strings.Contains(q, "views(first:"):
		p.queries++
		data = node(map[string]interface{}{"views": map[string]interface{}{"nodes": []interface{}{
			map[string]interface{}{"id": "PVTV_1", "name": "Board", "number": 1, "layout": "BOARD_LAYOUT"},
		}}})
	case strings.Contains(q, "items(first:"):
		p.queries++
		data = node(map[string]interface{}{"items": p.page(req.Variables)})
	default:
		return graphQLErrors("unsupported document")
	}

	return transport.JSONResponse(map[string]interface{}{"data": data})
}

func node(v interface{}) map[string]interface{} {
	return map[string]interface{}{"node": v}
}

func graphQLErrors(msg string) (*transport.Response, error) {
	return transport.JSONResponse(map[string]interface{}{
		"data":   nil,
		"errors": []map[string]string{{"message": msg, "type": "NOT_FOUND"}},
	})
}

func (p *FakeProject) ownerLookup(kind string, vars map[string]interface{}) (*transport.Response, error) {
	owner, _ := vars["owner"].(string)
	number, _ := vars["number"].(float64)
	if kind != p.OwnerType || owner != p.Owner || int(number) != p.Number {
		return graphQLErrors(fmt.Sprintf("Could not resolve to a %s with the login of '%s'.", kind, owner))
	}
	return transport.JSONResponse(map[string]interface{}{"data": map[string]interface{}{
		kind: map[string]interface{}{"projectV2": map[string]interface{}{
			"id": p.ProjectID, "title": "Warehouse", "number": p.Number,
		}},
	}})
}

func (p *FakeProject) page(vars map[string]interface{}) map[string]interface{} {
	size := p.PageSize
	if size <= 0 {
		if first, ok := vars["first"].(float64); ok {
			size = int(first)
		}
	}
	if size <= 0 {
		size = 100
	}

	start := 0
	if cursor, ok := vars["cursor"].(string); ok && cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + size
	if end > len(p.items) {
		end = len(p.items)
	}

	nodes := make([]interface{}, 0, end-start)
	for _, it := range p.items[start:end] {
		values := make([]interface{}, 0, len(it.Values))
		for fieldID, text := range it.Values {
			values = append(values, map[string]interface{}{
				"text":  text,
				"field": map[string]string{"name": p.fieldName(fieldID)},
			})
		}
		nodes = append(nodes, map[string]interface{}{
			"id":        it.ID,
			"updatedAt": it.UpdatedAt,
			"content": map[string]interface{}{
				"id": it.DraftID, "title": it.Title, "body": it.Body, "updatedAt": it.UpdatedAt,
			},
			"fieldValues": map[string]interface{}{"nodes": values},
		})
	}

	return map[string]interface{}{
		"pageInfo": map[string]interface{}{
			"hasNextPage": end < len(p.items),
			"endCursor":   strconv.Itoa(end),
		},
		"nodes": nodes,
	}
}

func (p *FakeProject) fieldName(id string) string {
	for _, f := range p.fields {
		if f.ID == id {
			return f.Name
		}
	}
	return ""
}

func (p *FakeProject) mutate(vars map[string]interface{}) map[string]interface{} {
	aliases := make([]string, 0, len(vars))
	for alias := range vars {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	out := make(map[string]interface{}, len(vars))
	for _, alias := range aliases {
		p.subMutations++
		input, _ := vars[alias].(map[string]interface{})
		str := func(k string) string { s, _ := input[k].(string); return s }
		now := time.Now().UTC().Format(time.RFC3339)

		switch {
		case strings.HasPrefix(alias, "create"):
			p.nextID++
			it := &FakeItem{
				ID:        fmt.Sprintf("PVTI_%d", p.nextID),
				DraftID:   fmt.Sprintf("DI_%d", p.nextID),
				Title:     str("title"),
				Body:      str("body"),
				UpdatedAt: now,
			}
			p.items = append(p.items, it)
			out[alias] = map[string]interface{}{"projectItem": map[string]interface{}{
				"id": it.ID, "content": map[string]string{"id": it.DraftID},
			}}
		case strings.HasPrefix(alias, "update"):
			it := p.byDraft(str("draftIssueId"))
			if it == nil {
				out[alias] = nil
				continue
			}
			it.Title, it.Body, it.UpdatedAt = str("title"), str("body"), now
			out[alias] = map[string]interface{}{"draftIssue": map[string]string{"id": it.DraftID}}
		case strings.HasPrefix(alias, "delete"):
			id := str("itemId")
			for i, it := range p.items {
				if it.ID == id {
					p.items = append(p.items[:i], p.items[i+1:]...)
					break
				}
			}
			out[alias] = map[string]string{"deletedItemId": id}
		case strings.HasPrefix(alias, "field"):
			it := p.byID(str("itemId"))
			if it == nil {
				out[alias] = nil
				continue
			}
			if it.Values == nil {
				it.Values = make(map[string]string)
			}
			value, _ := input["value"].(map[string]interface{})
			text, _ := value["text"].(string)
			it.Values[str("fieldId")] = text
			out[alias] = map[string]interface{}{"projectV2Item": map[string]string{"id": it.ID}}
		case strings.HasPrefix(alias, "schema"):
			p.nextID++
			f := FakeField{ID: fmt.Sprintf("F_%d", p.nextID), Name: str("name"), DataType: str("dataType")}
			p.fields = append(p.fields, f)
			out[alias] = map[string]interface{}{"projectV2Field": f}
		}
	}
	return out
}

func (p *FakeProject) byDraft(id string) *FakeItem {
	for _, it := range p.items {
		if it.DraftID == id {
			return it
		}
	}
	return nil
}

func (p *FakeProject) byID(id string) *FakeItem {
	for _, it := range p.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Mutations counts composite mutation documents received.
func (p *FakeProject) Mutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mutations
}

// SubMutations counts aliased operations across all mutation documents.
func (p *FakeProject) SubMutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subMutations
}

// Items returns a copy of the stored items.
func (p *FakeProject) Items() []FakeItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FakeItem, 0, len(p.items))
	for _, it := range p.items {
		out = append(out, *it)
	}
	return out
}

// FieldNames lists the project field names.
func (p *FakeProject) FieldNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.fields))
	for _, f := range p.fields {
		names = append(names, f.Name)
	}
	return names
}

// EditBody rewrites the body of the item with title, simulating a write
// from another client. Reports whether the item exists.
func (p *FakeProject) EditBody(title string, edit func(body string) string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range p.items {
		if it.Title == title {
			it.Body = edit(it.Body)
			it.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			return true
		}
	}
	return false
}

// AddItem stores an item directly, bypassing mutations.
func (p *FakeProject) AddItem(title, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.items = append(p.items, &FakeItem{
		ID:        fmt.Sprintf("PVTI_%d", p.nextID),
		DraftID:   fmt.Sprintf("DI_%d", p.nextID),
		Title:     title,
		Body:      body,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// AddField adds a text field to the schema, bypassing mutations.
func (p *FakeProject) AddField(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.fields = append(p.fields, FakeField{ID: fmt.Sprintf("F_%d", p.nextID), Name: name, DataType: "TEXT"})
}

// Body returns the body of the item with title.
func (p *FakeProject) Body(title string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range p.items {
		if it.Title == title {
			return it.Body, true
		}
	}
	return "", false
}
