// Package sentinel implements the Sentinel Store port: recording the last
// terminal status observed for a workspace, purely for operator visibility
// (see DESIGN.md). Grounded on the teacher's
// internal/adapter/repo/postgres/conn.go pgxpool usage.
package sentinel

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// Store implements domain.SentinelStore against a workspace_sentinels table.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.SentinelStore = (*Store)(nil)

// New constructs a Store over an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const upsertSentinel = `
INSERT INTO workspace_sentinels (repo_owner, repo_name, issue_number, status, observed_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (repo_owner, repo_name, issue_number)
DO UPDATE SET status = EXCLUDED.status, observed_at = now()
`

// RecordTerminalStatus upserts the last-observed terminal status for the
// given repo/issue workspace.
func (s *Store) RecordTerminalStatus(ctx domain.Context, repoOwner, repoName string, number int, status domain.AgentResultStatus) error {
	if _, err := s.pool.Exec(ctx, upsertSentinel, repoOwner, repoName, number, string(status)); err != nil {
		return fmt.Errorf("op=sentinel.RecordTerminalStatus: %w", err)
	}
	return nil
}
