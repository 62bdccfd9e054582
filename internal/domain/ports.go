package domain

import "time"

// RemoteClient exposes rate-limit-aware REST+GraphQL calls to the
// source-control service, per spec §4.1.
//
//go:generate mockery --name=RemoteClient --with-expecter --filename=remote_client_mock.go
type RemoteClient interface {
	Get(ctx Context, path string, out any) error
	Post(ctx Context, path string, body, out any) error
	Patch(ctx Context, path string, body, out any) error
	Delete(ctx Context, path string) error
	GraphQL(ctx Context, query string, vars map[string]any, out any) error
	// Close releases idle connections held by the client. Called once by
	// the pool's shutdown() after in-flight workflows have drained (spec §5).
	Close() error
}

// BoardAdapter is the Project Board Adapter port, per spec §4.2.
//
//go:generate mockery --name=BoardAdapter --with-expecter --filename=board_adapter_mock.go
type BoardAdapter interface {
	FindProjectID(ctx Context, org, projectName string) (string, bool, error)
	GetStatusField(ctx Context, projectID string) (fieldID string, options map[string]string, err error)
	ListItemsByStatus(ctx Context, projectID, statusName string) ([]BoardItem, error)
	FindItemIDForIssue(ctx Context, projectID, repoOwner, repoName string, number int) (string, bool, error)
	UpdateItemStatus(ctx Context, projectID, itemID, fieldID, optionID string) error
	GetIssueBlockers(ctx Context, repoOwner, repoName string, number int) ([]BlockerEdge, error)
	GetIssueProjectStatus(ctx Context, projectID string, number int, repoOwner, repoName string) (string, bool, error)
}

// WorkspaceManager is the Workspace Manager port, per spec §4.3.
//
//go:generate mockery --name=WorkspaceManager --with-expecter --filename=workspace_manager_mock.go
type WorkspaceManager interface {
	WorktreePath(repoName string, number int) string
	BranchName(number int, title string) string
	CloneRepo(ctx Context, repoURL, repoName string, number int) error
	EnsureBranch(ctx Context, path, branchName, baseBranch string) error
	CleanupWorktree(ctx Context, path string) error
}

// SessionSupervisor is the Session Supervisor port, per spec §4.4.
//
//go:generate mockery --name=SessionSupervisor --with-expecter --filename=session_supervisor_mock.go
type SessionSupervisor interface {
	SessionExists(ctx Context, name string) (bool, error)
	ListSessions(ctx Context) ([]Session, error)
	StartSession(ctx Context, name, workdir string, command []string, env map[string]string) (created bool, err error)
	KillSession(ctx Context, name string) error
	SendPrompt(ctx Context, name, text string, delay time.Duration) error
	SendEnter(ctx Context, name string, repeat int, delay time.Duration) error
	Nudge(ctx Context, name, message string) error
	CaptureOutput(ctx Context, name string, lastN int) (string, error)
}

// PluginConfigurator is the Plugin-Protocol Configurator port, per spec
// §4.5.
//
//go:generate mockery --name=PluginConfigurator --with-expecter --filename=plugin_configurator_mock.go
type PluginConfigurator interface {
	WriteBackendA(workspacePath, serverName, url, bearerToken string) error
	WriteBackendB(userConfigPath, serverName, url, bearerTokenEnvVar string) error
}

// InstructionBuilder is the Instruction Builder port, per spec §4.6.
//
//go:generate mockery --name=InstructionBuilder --with-expecter --filename=instruction_builder_mock.go
type InstructionBuilder interface {
	Build(ctx Context, item WorkItem, conventions string, prSnippet string, branchName string) (string, error)
}

// SentinelStore records the last terminal status observed for a workspace,
// purely for operator visibility per the "cleanupOnlyDone" open question
// (see DESIGN.md) — it is never consulted by the reclaimer's sweep decision.
//
//go:generate mockery --name=SentinelStore --with-expecter --filename=sentinel_store_mock.go
type SentinelStore interface {
	RecordTerminalStatus(ctx Context, repoOwner, repoName string, number int, status AgentResultStatus) error
}
