package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// QueuedItem pairs a WorkItem with its dedup WorkKey, in scheduler order.
type QueuedItem struct {
	Item domain.WorkItem
	Key  domain.WorkKey
}

// ManagerAdvisor is the optional re-ordering hook described in spec §4.7: it
// receives the classified queue and returns an ordered subsequence of
// WorkKeys. It must never fabricate a key absent from the input.
type ManagerAdvisor interface {
	Reorder(ctx domain.Context, items []QueuedItem) ([]domain.WorkKey, error)
}

// WorkQueueBuilder implements the Work-Queue Builder (spec §4.7): it
// classifies PR-comment follow-ups, in-progress resumes, and newly-ready
// board items into one ordered, deduplicated, admission-filtered queue.
type WorkQueueBuilder struct {
	board    domain.BoardAdapter
	remote   domain.RemoteClient
	cfg      config.Config
	advisor  ManagerAdvisor
	projectID string
}

// NewWorkQueueBuilder constructs a WorkQueueBuilder. advisor may be nil.
func NewWorkQueueBuilder(board domain.BoardAdapter, remote domain.RemoteClient, cfg config.Config, projectID string, advisor ManagerAdvisor) *WorkQueueBuilder {
	return &WorkQueueBuilder{board: board, remote: remote, cfg: cfg, advisor: advisor, projectID: projectID}
}

// Build produces the ordered queue for one processWorkQueue pass. processed
// is the "already processed this run" WorkKey set; entries in it are
// skipped per the dedup rules.
func (b *WorkQueueBuilder) Build(ctx domain.Context, processed map[domain.WorkKey]bool) ([]QueuedItem, error) {
	if processed == nil {
		processed = map[domain.WorkKey]bool{}
	}
	seenNumbers := map[int]bool{}

	prComments, err := b.fetchPRCommentFollowUps(ctx)
	if err != nil {
		slog.Warn("work queue: pr comment follow-up fetch failed", slog.Any("error", err))
	}
	inProgress, err := b.fetchInProgressResumes(ctx)
	if err != nil {
		slog.Warn("work queue: in-progress resume fetch failed", slog.Any("error", err))
	}
	ready, err := b.fetchNewlyReady(ctx)
	if err != nil {
		slog.Warn("work queue: newly-ready fetch failed", slog.Any("error", err))
	}

	var queue []QueuedItem
	for _, cat := range [][]domain.WorkItem{prComments, inProgress, ready} {
		for _, item := range cat {
			key := item.Key()
			if processed[key] {
				continue
			}
			if seenNumbers[item.Number] {
				continue
			}
			if !b.admitted(item) {
				continue
			}
			seenNumbers[item.Number] = true
			queue = append(queue, QueuedItem{Item: item, Key: key})
		}
	}

	if b.advisor != nil {
		queue, err = b.applyAdvisor(ctx, queue)
		if err != nil {
			slog.Warn("work queue: advisor reorder failed, using original order", slog.Any("error", err))
		}
	}

	return queue, nil
}

// admitted applies the spec §4.7 admission filter: target==ANY, or the
// item carries the pool's local/remote label matching its target.
func (b *WorkQueueBuilder) admitted(item domain.WorkItem) bool {
	target := strings.ToLower(b.cfg.Target)
	if target == "any" {
		return true
	}
	hasLabel := func(label string) bool {
		for _, l := range item.Labels {
			if strings.EqualFold(l, label) {
				return true
			}
		}
		return false
	}
	switch target {
	case "local":
		return hasLabel(b.cfg.GitHubLocalAgentLabel)
	case "remote":
		return hasLabel(b.cfg.GitHubRemoteAgentLabel)
	default:
		return true
	}
}

func (b *WorkQueueBuilder) applyAdvisor(ctx domain.Context, queue []QueuedItem) ([]QueuedItem, error) {
	ordered, err := b.advisor.Reorder(ctx, queue)
	if err != nil {
		return queue, err
	}
	byKey := make(map[domain.WorkKey]QueuedItem, len(queue))
	for _, q := range queue {
		byKey[q.Key] = q
	}
	used := map[domain.WorkKey]bool{}
	result := make([]QueuedItem, 0, len(queue))
	for _, k := range ordered {
		q, ok := byKey[k]
		if !ok {
			// advisor fabricated a key absent from the input; ignore it.
			continue
		}
		result = append(result, q)
		used[k] = true
	}
	for _, q := range queue {
		if !used[q.Key] {
			result = append(result, q)
		}
	}
	return result, nil
}

func hasAgentLabel(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// fetchInProgressResumes lists board items with status "In Progress"
// matching the target label, with no open non-Done blockers and no human
// assignee (spec §4.7 category 2).
func (b *WorkQueueBuilder) fetchInProgressResumes(ctx domain.Context) ([]domain.WorkItem, error) {
	if !b.cfg.ResumeInProgressIssues || b.board == nil {
		return nil, nil
	}
	boardItems, err := b.board.ListItemsByStatus(ctx, b.projectID, "In Progress")
	if err != nil {
		return nil, err
	}
	var items []domain.WorkItem
	for _, bi := range boardItems {
		if !hasAgentLabel(bi.Labels, b.cfg.GitHubAgentLabel) {
			continue
		}
		// Human-assignee exclusion (spec §4.7 2c): the orchestrator never
		// assigns issues itself, so any assignee present means a human has
		// already claimed it manually.
		if len(bi.Assignees) > 0 {
			continue
		}
		edges, err := b.board.GetIssueBlockers(ctx, bi.RepoOwner, bi.RepoName, bi.Number)
		if err != nil {
			slog.Warn("work queue: blocker lookup failed, treating as unblocked", slog.Any("error", err))
			edges = nil
		}
		if !b.resolveBlockers(ctx, edges) {
			continue
		}
		items = append(items, boardItemToWorkItem(bi, domain.KindInProgress))
	}
	return items, nil
}

// fetchNewlyReady lists board items with status "Ready" matching the
// target label and unblocked (spec §4.7 category 3). The auxiliary
// protocol server fallback is not wired in this constructor; direct board
// query is always used here.
func (b *WorkQueueBuilder) fetchNewlyReady(ctx domain.Context) ([]domain.WorkItem, error) {
	if b.board == nil {
		return nil, nil
	}
	boardItems, err := b.board.ListItemsByStatus(ctx, b.projectID, b.cfg.GitHubReadyStatus)
	if err != nil {
		return nil, err
	}
	var items []domain.WorkItem
	for _, bi := range boardItems {
		if !hasAgentLabel(bi.Labels, b.cfg.GitHubAgentLabel) {
			continue
		}
		edges, err := b.board.GetIssueBlockers(ctx, bi.RepoOwner, bi.RepoName, bi.Number)
		if err != nil {
			slog.Warn("work queue: blocker lookup failed, treating as unblocked", slog.Any("error", err))
			edges = nil
		}
		if !b.resolveBlockers(ctx, edges) {
			continue
		}
		items = append(items, boardItemToWorkItem(bi, domain.KindReady))
	}
	return items, nil
}

// resolveBlockers fills in each edge's blocker project status (left as the
// zero value by BoardAdapter.GetIssueBlockers) before evaluating
// domain.Unblocked.
func (b *WorkQueueBuilder) resolveBlockers(ctx domain.Context, edges []domain.BlockerEdge) bool {
	for i := range edges {
		status, ok, err := b.board.GetIssueProjectStatus(ctx, b.projectID, edges[i].To.Number, edges[i].To.RepoOwner, edges[i].To.RepoName)
		if err != nil || !ok {
			return false
		}
		edges[i].To.Status = status
	}
	return domain.Unblocked(edges)
}

const prFollowUpSearchQuery = `
query($searchQuery: String!, $cursor: String) {
  search(query: $searchQuery, type: ISSUE, first: 25, after: $cursor) {
    nodes {
      ... on PullRequest {
        number
        title
        url
        repository { name owner { login } }
        labels(first: 20) { nodes { name } }
        reviewThreads(first: 50) {
          nodes {
            isResolved
            comments(first: 1) {
              nodes { databaseId body path line diffSide }
            }
          }
        }
      }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

// fetchPRCommentFollowUps lists unresolved inline review-comment threads on
// open PRs carrying the pool's agent label (spec §4.7 category 1). Each
// unresolved thread's first comment becomes its own WorkItem, keyed by
// commentId so the same PR can surface multiple follow-ups independently.
// Grounded on the board adapter's search/GraphQL idiom; uses RemoteClient
// directly (no BoardAdapter method exists for PR review threads).
func (b *WorkQueueBuilder) fetchPRCommentFollowUps(ctx domain.Context) ([]domain.WorkItem, error) {
	if b.remote == nil || b.cfg.GitHubOrg == "" {
		return nil, nil
	}
	searchQuery := fmt.Sprintf(`is:pr is:open org:%s label:"%s"`, b.cfg.GitHubOrg, b.cfg.GitHubAgentLabel)

	var items []domain.WorkItem
	var cursor *string
	for {
		var resp struct {
			Search struct {
				Nodes []struct {
					Number     int    `json:"number"`
					Title      string `json:"title"`
					URL        string `json:"url"`
					Repository struct {
						Name  string `json:"name"`
						Owner struct {
							Login string `json:"login"`
						} `json:"owner"`
					} `json:"repository"`
					Labels struct {
						Nodes []struct {
							Name string `json:"name"`
						} `json:"nodes"`
					} `json:"labels"`
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool `json:"isResolved"`
							Comments   struct {
								Nodes []struct {
									DatabaseID int64  `json:"databaseId"`
									Body       string `json:"body"`
									Path       string `json:"path"`
									Line       int    `json:"line"`
									DiffSide   string `json:"diffSide"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"nodes"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"search"`
		}
		vars := map[string]any{"searchQuery": searchQuery, "cursor": cursor}
		if err := b.remote.GraphQL(ctx, prFollowUpSearchQuery, vars, &resp); err != nil {
			return items, fmt.Errorf("op=workqueue.fetchPRCommentFollowUps: %w", err)
		}
		for _, pr := range resp.Search.Nodes {
			if pr.Number == 0 {
				continue // search node without a PullRequest fragment match
			}
			labels := make([]string, 0, len(pr.Labels.Nodes))
			for _, l := range pr.Labels.Nodes {
				labels = append(labels, l.Name)
			}
			if !hasAgentLabel(labels, b.cfg.GitHubAgentLabel) {
				continue
			}
			for _, thread := range pr.ReviewThreads.Nodes {
				if thread.IsResolved || len(thread.Comments.Nodes) == 0 {
					continue
				}
				c := thread.Comments.Nodes[0]
				items = append(items, domain.WorkItem{
					Kind:      domain.KindPRComment,
					RepoOwner: pr.Repository.Owner.Login,
					RepoName:  pr.Repository.Name,
					Number:    pr.Number,
					Title:     pr.Title,
					Body:      c.Body,
					Labels:    labels,
					HTMLURL:   pr.URL,
					Extras: &domain.PRCommentExtras{
						CommentID: c.DatabaseID,
						Path:      c.Path,
						Line:      c.Line,
						Side:      c.DiffSide,
						Body:      c.Body,
					},
				})
			}
		}
		if !resp.Search.PageInfo.HasNextPage {
			return items, nil
		}
		cur := resp.Search.PageInfo.EndCursor
		cursor = &cur
	}
}

func boardItemToWorkItem(bi domain.BoardItem, kind domain.WorkKind) domain.WorkItem {
	return domain.WorkItem{
		Kind:      kind,
		RepoOwner: bi.RepoOwner,
		RepoName:  bi.RepoName,
		Number:    bi.Number,
		Title:     bi.Title,
		Labels:    bi.Labels,
		HTMLURL:   bi.HTMLURL,
	}
}
