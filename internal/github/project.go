package github

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/whsync/internal/models"
)

const viewerQuery = `query { viewer { login } }`

const userProjectQuery = `query($owner: String!, $number: Int!) {
  user(login: $owner) { projectV2(number: $number) { id title number url } }
}`

const orgProjectQuery = `query($owner: String!, $number: Int!) {
  organization(login: $owner) { projectV2(number: $number) { id title number url } }
}`

const fieldsQuery = `query($projectId: ID!) {
  node(id: $projectId) {
    ... on ProjectV2 {
      fields(first: 50) {
        nodes { ... on ProjectV2FieldCommon { id name dataType } }
      }
    }
  }
}`

const viewsQuery = `query($projectId: ID!) {
  node(id: $projectId) {
    ... on ProjectV2 {
      views(first: 20) { nodes { id name number layout } }
    }
  }
}`

const itemsQuery = `query($projectId: ID!, $first: Int!, $cursor: String) {
  node(id: $projectId) {
    ... on ProjectV2 {
      items(first: $first, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          updatedAt
          content { ... on DraftIssue { id title body updatedAt } }
          fieldValues(first: 20) {
            nodes {
              ... on ProjectV2ItemFieldTextValue {
                text
                field { ... on ProjectV2FieldCommon { name } }
              }
            }
          }
        }
      }
    }
  }
}`

// ItemsPageSize is the page size used when listing project items.
const ItemsPageSize = 100

// Project is a resolved ProjectV2.
type Project struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Number    int    `json:"number"`
	URL       string `json:"url,omitempty"`
	OwnerType string `json:"owner_type"`
}

// Field is one project field definition.
type Field struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DataType string `json:"dataType"`
}

// View is one project view.
type View struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number int    `json:"number"`
	Layout string `json:"layout"`
}

// Item is one project item backed by a draft issue.
type Item struct {
	ID          string            `json:"id"`
	DraftID     string            `json:"draft_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	UpdatedAt   string            `json:"updated_at"`
	FieldValues map[string]string `json:"field_values,omitempty"`
}

type projectNode struct {
	ProjectV2 *Project `json:"projectV2"`
}

// ResolveProject finds the configured project, first under a user login
// and then under an organization. The result is cached until Invalidate.
func (c *Client) ResolveProject(ctx context.Context) (*Project, error) {
	c.mu.Lock()
	if c.project != nil {
		p := *c.project
		c.mu.Unlock()
		return &p, nil
	}
	owner, number := c.owner, c.number
	c.mu.Unlock()

	if owner == "" || number <= 0 {
		return nil, fmt.Errorf("%w: github owner and project number required", models.ErrNotConfigured)
	}

	vars := map[string]interface{}{"owner": owner, "number": number}

	var asUser struct {
		User *projectNode `json:"user"`
	}
	err := c.Query(ctx, userProjectQuery, vars, &asUser)
	if err != nil && !isGraphQLError(err) {
		return nil, fmt.Errorf("resolve user project: %w", err)
	}

	var project *Project
	if err == nil && asUser.User != nil && asUser.User.ProjectV2 != nil {
		project = asUser.User.ProjectV2
		project.OwnerType = "user"
	} else {
		var asOrg struct {
			Organization *projectNode `json:"organization"`
		}
		if err := c.Query(ctx, orgProjectQuery, vars, &asOrg); err != nil {
			if isGraphQLError(err) {
				return nil, fmt.Errorf("%w: %s/%d: %v", models.ErrProjectNotFound, owner, number, err)
			}
			return nil, fmt.Errorf("resolve organization project: %w", err)
		}
		if asOrg.Organization == nil || asOrg.Organization.ProjectV2 == nil {
			return nil, fmt.Errorf("%w: %s/%d", models.ErrProjectNotFound, owner, number)
		}
		project = asOrg.Organization.ProjectV2
		project.OwnerType = "organization"
	}

	c.logger.WithFields(map[string]interface{}{
		"project_id": project.ID,
		"owner_type": project.OwnerType,
	}).Debug("Resolved project")

	c.mu.Lock()
	// Configuration may have changed while the query was in flight
	if c.owner == owner && c.number == number {
		cached := *project
		c.project = &cached
	}
	c.mu.Unlock()

	return project, nil
}

// Fields lists the project field schema, cached for the session.
func (c *Client) Fields(ctx context.Context) ([]Field, error) {
	c.mu.Lock()
	if c.fields != nil {
		out := append([]Field(nil), c.fields...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	project, err := c.ResolveProject(ctx)
	if err != nil {
		return nil, err
	}

	var data struct {
		Node struct {
			Fields struct {
				Nodes []Field `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}
	if err := c.Query(ctx, fieldsQuery, map[string]interface{}{"projectId": project.ID}, &data); err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}

	// Non-common field kinds decode as empty objects
	fields := make([]Field, 0, len(data.Node.Fields.Nodes))
	for _, f := range data.Node.Fields.Nodes {
		if f.ID != "" {
			fields = append(fields, f)
		}
	}

	c.mu.Lock()
	c.fields = fields
	c.mu.Unlock()

	return append([]Field(nil), fields...), nil
}

// Views lists project views, cached for the session.
func (c *Client) Views(ctx context.Context) ([]View, error) {
	c.mu.Lock()
	if c.views != nil {
		out := append([]View(nil), c.views...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	project, err := c.ResolveProject(ctx)
	if err != nil {
		return nil, err
	}

	var data struct {
		Node struct {
			Views struct {
				Nodes []View `json:"nodes"`
			} `json:"views"`
		} `json:"node"`
	}
	if err := c.Query(ctx, viewsQuery, map[string]interface{}{"projectId": project.ID}, &data); err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}

	views := data.Node.Views.Nodes
	if views == nil {
		views = []View{}
	}

	c.mu.Lock()
	c.views = views
	c.mu.Unlock()

	return append([]View(nil), views...), nil
}

// InvalidateSchema drops cached fields so the next Fields call re-reads them.
func (c *Client) InvalidateSchema() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = nil
}

type itemNode struct {
	ID        string `json:"id"`
	UpdatedAt string `json:"updatedAt"`
	Content   *struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Body      string `json:"body"`
		UpdatedAt string `json:"updatedAt"`
	} `json:"content"`
	FieldValues struct {
		Nodes []struct {
			Text  string `json:"text"`
			Field *struct {
				Name string `json:"name"`
			} `json:"field"`
		} `json:"nodes"`
	} `json:"fieldValues"`
}

// ListItems returns every draft-issue item of the project, following
// pagination until the last page.
func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	project, err := c.ResolveProject(ctx)
	if err != nil {
		return nil, err
	}

	var (
		items  []Item
		cursor interface{}
		pages  int
	)

	for {
		var data struct {
			Node struct {
				Items struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []itemNode `json:"nodes"`
				} `json:"items"`
			} `json:"node"`
		}

		vars := map[string]interface{}{
			"projectId": project.ID,
			"first":     ItemsPageSize,
			"cursor":    cursor,
		}
		if err := c.Query(ctx, itemsQuery, vars, &data); err != nil {
			return nil, fmt.Errorf("list items page %d: %w", pages+1, err)
		}
		pages++

		for _, n := range data.Node.Items.Nodes {
			if n.Content == nil || n.Content.ID == "" {
				continue // issues and pull requests are not ours
			}
			item := Item{
				ID:        n.ID,
				DraftID:   n.Content.ID,
				Title:     n.Content.Title,
				Body:      n.Content.Body,
				UpdatedAt: n.Content.UpdatedAt,
			}
			if item.UpdatedAt == "" {
				item.UpdatedAt = n.UpdatedAt
			}
			for _, fv := range n.FieldValues.Nodes {
				if fv.Field == nil || fv.Field.Name == "" {
					continue
				}
				if item.FieldValues == nil {
					item.FieldValues = make(map[string]string)
				}
				item.FieldValues[fv.Field.Name] = fv.Text
			}
			items = append(items, item)
		}

		info := data.Node.Items.PageInfo
		if !info.HasNextPage || info.EndCursor == "" {
			break
		}
		cursor = info.EndCursor
	}

	c.logger.WithFields(map[string]interface{}{
		"items": len(items),
		"pages": pages,
	}).Debug("Listed project items")

	return items, nil
}
