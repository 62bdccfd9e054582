// Package board implements the Project Board Adapter (spec §4.2) over the
// source-control GraphQL API (GitHub Projects v2 shape), using
// domain.RemoteClient for transport.
package board

import (
	"fmt"
	"log/slog"

	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// Adapter implements domain.BoardAdapter.
type Adapter struct {
	remote domain.RemoteClient
}

var _ domain.BoardAdapter = (*Adapter)(nil)

// New constructs a board Adapter over the given remote client.
func New(remote domain.RemoteClient) *Adapter {
	return &Adapter{remote: remote}
}

const findProjectQuery = `
query($org: String!, $cursor: String) {
  organization(login: $org) {
    projectsV2(first: 50, after: $cursor) {
      nodes { id title }
      pageInfo { hasNextPage endCursor }
    }
  }
}`

// FindProjectID paginates the org's projects and matches by title.
func (a *Adapter) FindProjectID(ctx domain.Context, org, projectName string) (string, bool, error) {
	var cursor *string
	for {
		var resp struct {
			Organization struct {
				ProjectsV2 struct {
					Nodes []struct {
						ID    string `json:"id"`
						Title string `json:"title"`
					} `json:"nodes"`
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
				} `json:"projectsV2"`
			} `json:"organization"`
		}
		vars := map[string]any{"org": org, "cursor": cursor}
		if err := a.remote.GraphQL(ctx, findProjectQuery, vars, &resp); err != nil {
			return "", false, fmt.Errorf("op=board.FindProjectID: %w", err)
		}
		for _, n := range resp.Organization.ProjectsV2.Nodes {
			if n.Title == projectName {
				return n.ID, true, nil
			}
		}
		if !resp.Organization.ProjectsV2.PageInfo.HasNextPage {
			return "", false, nil
		}
		c := resp.Organization.ProjectsV2.PageInfo.EndCursor
		cursor = &c
	}
}

const statusFieldQuery = `
query($projectId: ID!) {
  node(id: $projectId) {
    ... on ProjectV2 {
      fields(first: 50) {
        nodes {
          ... on ProjectV2SingleSelectField {
            id
            name
            options { id name }
          }
        }
      }
    }
  }
}`

// GetStatusField locates the project's single-select "Status" field.
func (a *Adapter) GetStatusField(ctx domain.Context, projectID string) (string, map[string]string, error) {
	var resp struct {
		Node struct {
			Fields struct {
				Nodes []struct {
					ID      string `json:"id"`
					Name    string `json:"name"`
					Options []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"options"`
				} `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}
	if err := a.remote.GraphQL(ctx, statusFieldQuery, map[string]any{"projectId": projectID}, &resp); err != nil {
		return "", nil, fmt.Errorf("op=board.GetStatusField: %w", err)
	}
	for _, f := range resp.Node.Fields.Nodes {
		if f.Name == "Status" {
			opts := make(map[string]string, len(f.Options))
			for _, o := range f.Options {
				opts[o.Name] = o.ID
			}
			return f.ID, opts, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no Status field on project %s", domain.ErrNotFound, projectID)
}

const itemsByStatusQuery = `
query($projectId: ID!, $cursor: String) {
  node(id: $projectId) {
    ... on ProjectV2 {
      items(first: 50, after: $cursor) {
        nodes {
          id
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            ... on Issue {
              id number title url labels(first: 20) { nodes { name } }
              assignees(first: 10) { nodes { login } }
              repository { name owner { login } }
            }
            ... on PullRequest {
              id number title url labels(first: 20) { nodes { name } }
              assignees(first: 10) { nodes { login } }
              repository { name owner { login } }
            }
          }
        }
        pageInfo { hasNextPage endCursor }
      }
    }
  }
}`

// ListItemsByStatus returns board items whose Status field equals
// statusName, skipping items without content (archived/draft), per §4.2's
// invariant: body is empty, hydrate separately.
func (a *Adapter) ListItemsByStatus(ctx domain.Context, projectID, statusName string) ([]domain.BoardItem, error) {
	var out []domain.BoardItem
	var cursor *string
	for {
		var resp struct {
			Node struct {
				Items struct {
					Nodes []struct {
						ID               string `json:"id"`
						FieldValueByName struct {
							Name string `json:"name"`
						} `json:"fieldValueByName"`
						Content struct {
							ID     string `json:"id"`
							Number int    `json:"number"`
							Title  string `json:"title"`
							URL    string `json:"url"`
							Labels struct {
								Nodes []struct {
									Name string `json:"name"`
								} `json:"nodes"`
							} `json:"labels"`
							Assignees struct {
								Nodes []struct {
									Login string `json:"login"`
								} `json:"nodes"`
							} `json:"assignees"`
							Repository struct {
								Name  string `json:"name"`
								Owner struct {
									Login string `json:"login"`
								} `json:"owner"`
							} `json:"repository"`
						} `json:"content"`
					} `json:"nodes"`
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
				} `json:"items"`
			} `json:"node"`
		}
		vars := map[string]any{"projectId": projectID, "cursor": cursor}
		if err := a.remote.GraphQL(ctx, itemsByStatusQuery, vars, &resp); err != nil {
			return nil, fmt.Errorf("op=board.ListItemsByStatus: %w", err)
		}
		for _, n := range resp.Node.Items.Nodes {
			if n.Content.ID == "" {
				continue // archived/draft item with no content
			}
			if n.FieldValueByName.Name != statusName {
				continue
			}
			labels := make([]string, 0, len(n.Content.Labels.Nodes))
			for _, l := range n.Content.Labels.Nodes {
				labels = append(labels, l.Name)
			}
			assignees := make([]string, 0, len(n.Content.Assignees.Nodes))
			for _, a := range n.Content.Assignees.Nodes {
				assignees = append(assignees, a.Login)
			}
			out = append(out, domain.BoardItem{
				ItemID:      n.ID,
				ContentID:   n.Content.ID,
				ContentType: "issue",
				Title:       n.Content.Title,
				Number:      n.Content.Number,
				RepoOwner:   n.Content.Repository.Owner.Login,
				RepoName:    n.Content.Repository.Name,
				Status:      n.FieldValueByName.Name,
				Labels:      labels,
				HTMLURL:     n.Content.URL,
				Assignees:   assignees,
			})
		}
		if !resp.Node.Items.PageInfo.HasNextPage {
			return out, nil
		}
		c := resp.Node.Items.PageInfo.EndCursor
		cursor = &c
	}
}

const findItemForIssueQuery = `
query($projectId: ID!, $cursor: String) {
  node(id: $projectId) {
    ... on ProjectV2 {
      items(first: 100, after: $cursor) {
        nodes {
          id
          content {
            ... on Issue { number repository { name owner { login } } }
            ... on PullRequest { number repository { name owner { login } } }
          }
        }
        pageInfo { hasNextPage endCursor }
      }
    }
  }
}`

// FindItemIDForIssue locates the project-item id backing (repoOwner,
// repoName, number).
func (a *Adapter) FindItemIDForIssue(ctx domain.Context, projectID, repoOwner, repoName string, number int) (string, bool, error) {
	var cursor *string
	for {
		var resp struct {
			Node struct {
				Items struct {
					Nodes []struct {
						ID      string `json:"id"`
						Content struct {
							Number     int `json:"number"`
							Repository struct {
								Name  string `json:"name"`
								Owner struct {
									Login string `json:"login"`
								} `json:"owner"`
							} `json:"repository"`
						} `json:"content"`
					} `json:"nodes"`
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
				} `json:"items"`
			} `json:"node"`
		}
		vars := map[string]any{"projectId": projectID, "cursor": cursor}
		if err := a.remote.GraphQL(ctx, findItemForIssueQuery, vars, &resp); err != nil {
			return "", false, fmt.Errorf("op=board.FindItemIDForIssue: %w", err)
		}
		for _, n := range resp.Node.Items.Nodes {
			if n.Content.Number == number && n.Content.Repository.Name == repoName && n.Content.Repository.Owner.Login == repoOwner {
				return n.ID, true, nil
			}
		}
		if !resp.Node.Items.PageInfo.HasNextPage {
			return "", false, nil
		}
		c := resp.Node.Items.PageInfo.EndCursor
		cursor = &c
	}
}

const updateStatusMutation = `
mutation($projectId: ID!, $itemId: ID!, $fieldId: ID!, $optionId: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $projectId, itemId: $itemId, fieldId: $fieldId,
    value: { singleSelectOptionId: $optionId }
  }) { projectV2Item { id } }
}`

// UpdateItemStatus sets a project item's Status field to the given option.
func (a *Adapter) UpdateItemStatus(ctx domain.Context, projectID, itemID, fieldID, optionID string) error {
	vars := map[string]any{
		"projectId": projectID, "itemId": itemID, "fieldId": fieldID, "optionId": optionID,
	}
	if err := a.remote.GraphQL(ctx, updateStatusMutation, vars, nil); err != nil {
		return fmt.Errorf("op=board.UpdateItemStatus: %w", err)
	}
	return nil
}

const blockersQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      trackedInIssues(first: 50) {
        nodes {
          number title url state
          repository { name owner { login } }
        }
      }
    }
  }
}`

// GetIssueBlockers reads the "tracked-in" relationship. Per spec §4.2 this
// is non-fatal on failure: errors are logged and an empty slice returned.
func (a *Adapter) GetIssueBlockers(ctx domain.Context, repoOwner, repoName string, number int) ([]domain.BlockerEdge, error) {
	var resp struct {
		Repository struct {
			Issue struct {
				TrackedInIssues struct {
					Nodes []struct {
						Number     int    `json:"number"`
						Title      string `json:"title"`
						URL        string `json:"url"`
						State      string `json:"state"`
						Repository struct {
							Name  string `json:"name"`
							Owner struct {
								Login string `json:"login"`
							} `json:"owner"`
						} `json:"repository"`
					} `json:"nodes"`
				} `json:"trackedInIssues"`
			} `json:"issue"`
		} `json:"repository"`
	}
	vars := map[string]any{"owner": repoOwner, "repo": repoName, "number": number}
	if err := a.remote.GraphQL(ctx, blockersQuery, vars, &resp); err != nil {
		slog.Warn("failed to resolve issue blockers, treating as unblocked",
			slog.String("repo", repoOwner+"/"+repoName), slog.Int("number", number), slog.Any("error", err))
		return nil, nil
	}
	edges := make([]domain.BlockerEdge, 0, len(resp.Repository.Issue.TrackedInIssues.Nodes))
	for _, n := range resp.Repository.Issue.TrackedInIssues.Nodes {
		edges = append(edges, domain.BlockerEdge{
			To: domain.BoardItem{
				Title:     n.Title,
				Number:    n.Number,
				RepoOwner: n.Repository.Owner.Login,
				RepoName:  n.Repository.Name,
				HTMLURL:   n.URL,
			},
			ToOpen: n.State == "OPEN",
		})
	}
	return edges, nil
}

// GetIssueProjectStatus looks up a single issue's current Status within a
// project: FindItemIDForIssue pages through the board's items to find the
// issue's item id, then one query reads that item's Status field.
func (a *Adapter) GetIssueProjectStatus(ctx domain.Context, projectID string, number int, repoOwner, repoName string) (string, bool, error) {
	itemID, ok, err := a.FindItemIDForIssue(ctx, projectID, repoOwner, repoName, number)
	if err != nil || !ok {
		return "", false, err
	}
	var resp struct {
		Node struct {
			FieldValueByName struct {
				Name string `json:"name"`
			} `json:"fieldValueByName"`
		} `json:"node"`
	}
	query := `query($itemId: ID!) { node(id: $itemId) { ... on ProjectV2Item { fieldValueByName(name: "Status") { ... on ProjectV2ItemFieldSingleSelectValue { name } } } } }`
	if err := a.remote.GraphQL(ctx, query, map[string]any{"itemId": itemID}, &resp); err != nil {
		return "", false, fmt.Errorf("op=board.GetIssueProjectStatus: %w", err)
	}
	if resp.Node.FieldValueByName.Name == "" {
		return "", false, nil
	}
	return resp.Node.FieldValueByName.Name, true, nil
}
