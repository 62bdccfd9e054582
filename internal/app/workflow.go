package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aceteam/ace-orchestrator/internal/adapter/notify"
	"github.com/aceteam/ace-orchestrator/internal/adapter/observability"
	"github.com/aceteam/ace-orchestrator/internal/adapter/session"
	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// CredentialResolver resolves required tokens for a backend before a run is
// allowed to start (spec §4.9 run_agent step 6). Missing a required token
// is a hard-stop, never a refusal.
type CredentialResolver interface {
	Resolve(names []string) (map[string]string, error)
}

// EnvCredentialResolver resolves credentials from the process environment,
// used when Config.SecretsBackend == "env".
type EnvCredentialResolver struct{}

// Resolve implements CredentialResolver over os.Getenv.
func (EnvCredentialResolver) Resolve(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	var missing []string
	for _, n := range names {
		v := os.Getenv(n)
		if v == "" {
			missing = append(missing, n)
			continue
		}
		out[n] = v
	}
	if len(missing) > 0 {
		return nil, domain.FatalErr(domain.KindCredentialMissing, fmt.Sprintf("missing required credential(s): %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

// ItemWorkflow runs the per-item state machine described in spec §4.9:
// claim_issue -> hydrate_context -> select_backend -> run_agent ->
// evaluate_result -> manager_cleanup.
type ItemWorkflow struct {
	board        domain.BoardAdapter
	remote       domain.RemoteClient
	workspace    domain.WorkspaceManager
	sessions     domain.SessionSupervisor
	plugins      domain.PluginConfigurator
	instructions domain.InstructionBuilder
	credentials  CredentialResolver
	sentinel     domain.SentinelStore
	notifier     *notify.Notifier
	cfg          config.Config
	projectID    string
}

// NewItemWorkflow constructs an ItemWorkflow. sentinel may be nil, in which
// case terminal-status recording is skipped.
func NewItemWorkflow(
	board domain.BoardAdapter,
	remote domain.RemoteClient,
	workspace domain.WorkspaceManager,
	sessions domain.SessionSupervisor,
	plugins domain.PluginConfigurator,
	instructions domain.InstructionBuilder,
	credentials CredentialResolver,
	sentinel domain.SentinelStore,
	cfg config.Config,
	projectID string,
) *ItemWorkflow {
	if credentials == nil {
		credentials = EnvCredentialResolver{}
	}
	return &ItemWorkflow{
		board: board, remote: remote, workspace: workspace, sessions: sessions,
		plugins: plugins, instructions: instructions, credentials: credentials,
		sentinel: sentinel, notifier: notify.New(cfg), cfg: cfg, projectID: projectID,
	}
}

// Run executes the full per-item workflow and always returns a terminal
// *domain.AgentResult; it only returns a non-nil error for fatal
// (pool-latching) conditions, per spec §4.9/§7.
func (w *ItemWorkflow) Run(ctx domain.Context, item domain.WorkItem) (*domain.AgentResult, error) {
	w.claimIssue(ctx, item)

	backend, model := w.selectBackend(item)

	result, fatalErr := w.runAgent(ctx, item, backend, model)
	if fatalErr != nil {
		return nil, fatalErr
	}

	result = w.evaluateResult(result)
	w.managerCleanup(ctx, item, result)

	observability.RecordAgentRun(string(result.Status), result.Metadata.Backend, time.Since(result.Metadata.Created))
	return result, nil
}

// claimIssue sets the board status to In Progress and posts a claim
// comment. Failures log but never fail the workflow (spec §4.9).
func (w *ItemWorkflow) claimIssue(ctx domain.Context, item domain.WorkItem) {
	w.setBoardStatus(ctx, item, "claim_issue", "In Progress")
	w.postComment(ctx, item, "claim_issue", "🤖 An agent has claimed this item and is starting work.")
}

// setBoardStatus transitions item's project Status field to statusName,
// logging (but never failing the workflow) on any lookup/update error. op
// names the caller for log attribution (spec §4.9 claim_issue /
// manager_cleanup both perform this transition).
func (w *ItemWorkflow) setBoardStatus(ctx domain.Context, item domain.WorkItem, op, statusName string) {
	if w.cfg.DisableIssueStatus || w.board == nil {
		return
	}
	fieldID, options, err := w.board.GetStatusField(ctx, w.projectID)
	if err != nil {
		slog.Warn(op+": status field lookup failed", slog.Any("error", err))
		return
	}
	optionID, ok := options[statusName]
	if !ok {
		slog.Warn(op+": no matching status option", slog.String("status", statusName))
		return
	}
	itemID, ok, err := w.board.FindItemIDForIssue(ctx, w.projectID, item.RepoOwner, item.RepoName, item.Number)
	if err != nil || !ok {
		slog.Warn(op+": item lookup failed", slog.Any("error", err))
		return
	}
	if err := w.board.UpdateItemStatus(ctx, w.projectID, itemID, fieldID, optionID); err != nil {
		slog.Warn(op+": status update failed", slog.Any("error", err))
	}
}

// postComment posts a GitHub issue comment, unless comments are disabled.
func (w *ItemWorkflow) postComment(ctx domain.Context, item domain.WorkItem, op, body string) {
	if w.cfg.DisableIssueComments || w.remote == nil {
		return
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", item.RepoOwner, item.RepoName, item.Number)
	if err := w.remote.Post(ctx, path, map[string]string{"body": body}, nil); err != nil {
		slog.Warn(op+": comment post failed", slog.Any("error", err))
	}
}

// removeAgentLabel deletes the configured agent label from the issue, as
// the manager does on both terminal success and failure before posting its
// outcome comment (grounded on the teacher's issue_queue.py remove_labels).
func (w *ItemWorkflow) removeAgentLabel(ctx domain.Context, item domain.WorkItem) {
	if w.cfg.DisableIssueStatus || w.remote == nil || w.cfg.GitHubAgentLabel == "" {
		return
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", item.RepoOwner, item.RepoName, item.Number, url.PathEscape(w.cfg.GitHubAgentLabel))
	if err := w.remote.Delete(ctx, path); err != nil {
		slog.Warn("manager_cleanup: label removal failed", slog.Any("error", err))
	}
}

// selectBackend maps a "difficulty:*" label to a (backend, model) pair,
// defaulting to the easy pair with a warning on a missing/unknown label
// (spec §4.9 select_backend).
func (w *ItemWorkflow) selectBackend(item domain.WorkItem) (backend, model string) {
	for _, l := range item.Labels {
		if strings.HasPrefix(strings.ToLower(l), "difficulty:") {
			backend, model, ok := w.cfg.DifficultyBackend(l)
			if !ok {
				slog.Warn("select_backend: unrecognized difficulty label, using default", slog.String("label", l))
			}
			return backend, model
		}
	}
	slog.Warn("select_backend: no difficulty label present, using default")
	backend, model, _ = w.cfg.DifficultyBackend("")
	return backend, model
}

// runAgent is the heart of the workflow (spec §4.9 run_agent, 10 steps).
func (w *ItemWorkflow) runAgent(ctx domain.Context, item domain.WorkItem, backend, model string) (*domain.AgentResult, error) {
	created := time.Now()
	repoURL := fmt.Sprintf("https://github.com/%s/%s.git", item.RepoOwner, item.RepoName)

	// Step 1: materialize the workspace.
	if err := w.workspace.CloneRepo(ctx, repoURL, item.RepoName, item.Number); err != nil {
		return w.failResult(domain.KindGenericWorkflow, err.Error(), backend, model, created, "", ""), nil
	}
	worktree := w.workspace.WorktreePath(item.RepoName, item.Number)
	branch := w.workspace.BranchName(item.Number, item.Title)
	if err := w.workspace.EnsureBranch(ctx, worktree, branch, w.cfg.GitHubBaseBranch); err != nil {
		return w.failResult(domain.KindGenericWorkflow, err.Error(), backend, model, created, worktree, ""), nil
	}

	// Step 1b: an optional .ace.yml at the repo root overrides the
	// difficulty-label -> (backend, model) mapping for this repo only
	// (spec §4.9 select_backend, per-repo override).
	if override, ok := loadRepoOverride(worktree); ok {
		if b, m, matched := override.backendFor(item.Labels); matched {
			slog.Info("run_agent: applying .ace.yml backend override", slog.String("backend", b), slog.String("model", m))
			backend, model = b, m
		}
	}

	// Step 2: optional repo-conventions file.
	conventions := readConventionsFile(worktree)

	// Step 3: PR-comment context snippet.
	prSnippet := ""
	if item.Kind == domain.KindPRComment && item.Extras != nil {
		snippet, err := w.buildPRCommentSnippet(ctx, item)
		if err != nil {
			slog.Warn("run_agent: pr comment snippet build failed", slog.Any("error", err))
		} else {
			prSnippet = snippet
		}
	}

	// Step 4: build instructions, write ACE_TASK.md.
	instructions, err := w.instructions.Build(ctx, item, conventions, prSnippet, branch)
	if err != nil {
		kind := domain.ErrorKindOf(err)
		return w.failResult(kind, err.Error(), backend, model, created, worktree, ""), nil
	}
	taskFile := filepath.Join(worktree, "ACE_TASK.md")
	if err := os.WriteFile(taskFile, []byte(instructions), 0o644); err != nil {
		return w.failResult(domain.KindGenericWorkflow, err.Error(), backend, model, created, worktree, taskFile), nil
	}

	// Step 5: compose the backend command.
	command, promptViaSession := w.composeCommand(backend, model, instructions)

	// Step 6: resolve required tokens; bail fatally if missing.
	env, err := w.credentials.Resolve(requiredTokensFor(backend))
	if err != nil {
		return nil, err
	}

	// Step 7: write plugin-protocol config.
	if w.plugins != nil && w.cfg.GitHubToken != "" {
		if err := w.plugins.WriteBackendA(worktree, "source-control", w.cfg.GitHubAPIBaseURL, w.cfg.GitHubToken); err != nil {
			slog.Warn("run_agent: plugin config write failed", slog.Any("error", err))
		}
	}

	// Step 8: start a detached session, send the prompt.
	sessionName := session.SanitizeSessionName(item.RepoName, item.Number)
	created2, err := w.sessions.StartSession(ctx, sessionName, worktree, command, env)
	if err != nil {
		return w.failResult(domain.KindGenericWorkflow, err.Error(), backend, model, created, worktree, taskFile), nil
	}
	if created2 && promptViaSession {
		if err := w.sessions.SendPrompt(ctx, sessionName, instructions, 500*time.Millisecond); err != nil {
			slog.Warn("run_agent: prompt delivery failed", slog.Any("error", err))
		}
	}

	// Step 9: wait loop for ACE_TASK_DONE.json, with nudge/restart.
	result := w.waitForDoneMarker(ctx, item, worktree, sessionName, backend, model, created)
	return result, nil
}

func (w *ItemWorkflow) failResult(kind domain.ErrorKind, msg, backend, model string, created time.Time, worktree, taskFile string) *domain.AgentResult {
	return &domain.AgentResult{
		Status:    domain.ResultFailed,
		Error:     msg,
		ErrorKind: kind,
		Metadata: domain.AgentResultMetadata{
			Worktree: worktree, PromptFile: taskFile, Backend: backend, Model: model, Created: created,
		},
	}
}

// readConventionsFile reads the first of a small fixed set of
// repo-conventions filenames present at the workspace root, or "" if none.
// Sniffs content type first and skips a match that isn't text, guarding
// against an unexpectedly binary file (e.g. a symlink-renamed asset)
// getting fed into the prompt as if it were readable prose.
func readConventionsFile(worktree string) string {
	for _, name := range []string{"AGENTS.md", "CONTRIBUTING.md", ".ace/conventions.md"} {
		path := filepath.Join(worktree, name)
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if !mimetype.Detect(b).Is("text/plain") && !strings.HasPrefix(mimetype.Detect(b).String(), "text/") {
			slog.Warn("work item: repo-conventions file is not text, skipping", slog.String("path", path), slog.String("mime", mimetype.Detect(b).String()))
			continue
		}
		return string(b)
	}
	return ""
}

// repoOverride is the optional per-repo `.ace.yml` document (spec §4.9
// select_backend, §4.7 label names): a repo can replace the configured
// difficulty-label -> (backend, model) table without touching the
// orchestrator's own deployment config.
type repoOverride struct {
	Difficulty map[string]struct {
		Backend string `yaml:"backend"`
		Model   string `yaml:"model"`
	} `yaml:"difficulty"`
}

// loadRepoOverride reads and parses `.ace.yml` at the worktree root. A
// missing file or parse failure is not an error: it simply means no
// override applies, and the run falls back to the configured table.
func loadRepoOverride(worktree string) (repoOverride, bool) {
	b, err := os.ReadFile(filepath.Join(worktree, ".ace.yml"))
	if err != nil {
		return repoOverride{}, false
	}
	var ov repoOverride
	if err := yaml.Unmarshal(b, &ov); err != nil {
		slog.Warn("run_agent: .ace.yml parse failed, ignoring", slog.Any("error", err))
		return repoOverride{}, false
	}
	return ov, true
}

// backendFor looks up the first "difficulty:*" label against the
// override's table, matching on the label's suffix (e.g. "difficulty:hard"
// -> key "hard").
func (ov repoOverride) backendFor(labels []string) (backend, model string, matched bool) {
	for _, l := range labels {
		lower := strings.ToLower(l)
		if !strings.HasPrefix(lower, "difficulty:") {
			continue
		}
		key := strings.TrimPrefix(lower, "difficulty:")
		entry, ok := ov.Difficulty[key]
		if !ok {
			continue
		}
		return entry.Backend, entry.Model, true
	}
	return "", "", false
}

const prCommentContextLines = 5

// buildPRCommentSnippet fetches the PR head SHA, the file at that SHA, and
// builds a numbered ±contextLines snippet around the comment's line (spec
// §4.9 run_agent step 3).
func (w *ItemWorkflow) buildPRCommentSnippet(ctx domain.Context, item domain.WorkItem) (string, error) {
	var pr struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", item.RepoOwner, item.RepoName, item.Number)
	if err := w.remote.Get(ctx, path, &pr); err != nil {
		return "", fmt.Errorf("op=workflow.buildPRCommentSnippet pr lookup: %w", err)
	}

	var file struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	contentPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", item.RepoOwner, item.RepoName, item.Extras.Path, pr.Head.SHA)
	if err := w.remote.Get(ctx, contentPath, &file); err != nil {
		return "", fmt.Errorf("op=workflow.buildPRCommentSnippet content fetch: %w", err)
	}

	lines := strings.Split(file.Content, "\n")
	start := item.Extras.Line - prCommentContextLines
	if start < 1 {
		start = 1
	}
	end := item.Extras.Line + prCommentContextLines
	if end > len(lines) {
		end = len(lines)
	}
	var numbered strings.Builder
	for i := start; i <= end && i <= len(lines); i++ {
		fmt.Fprintf(&numbered, "%d: %s\n", i, lines[i-1])
	}

	blob := map[string]any{
		"path":        item.Extras.Path,
		"line":        item.Extras.Line,
		"side":        item.Extras.Side,
		"comment":     item.Extras.Body,
		"snippet":     numbered.String(),
		"head_sha":    pr.Head.SHA,
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("op=workflow.buildPRCommentSnippet marshal: %w", err)
	}
	return string(out), nil
}

// composeCommand builds the backend command from its configured template,
// substituting {model} and {prompt}. If the template does not embed
// {prompt}, the caller must deliver the prompt via the session after launch
// (spec §4.9 run_agent step 5).
func (w *ItemWorkflow) composeCommand(backend, model, instructions string) (command []string, promptViaSession bool) {
	template := backendCommandTemplate(backend)
	promptViaSession = !strings.Contains(template, "{prompt}")
	rendered := strings.NewReplacer("{model}", model, "{prompt}", instructions).Replace(template)
	return strings.Fields(rendered), promptViaSession
}

// backendCommandTemplate returns the launch template for a backend name.
// Only a small fixed set is known; unknown backends fall back to invoking
// the name itself as a login-shell command with no arguments, letting the
// session's prompt delivery carry the task.
func backendCommandTemplate(backend string) string {
	switch strings.ToLower(backend) {
	case "claude":
		return "claude --model {model}"
	case "codex":
		return "codex --model {model}"
	default:
		return backend
	}
}

func requiredTokensFor(backend string) []string {
	switch strings.ToLower(backend) {
	case "claude":
		return []string{"ANTHROPIC_API_KEY"}
	case "codex":
		return []string{"OPENAI_API_KEY"}
	default:
		return nil
	}
}

const doneMarkerName = "ACE_TASK_DONE.json"

// waitForDoneMarker polls for ACE_TASK_DONE.json, applying the nudge/restart
// sub-protocol while the session shows no progress (spec §4.9 run_agent
// step 9 and its nudge/restart sub-protocol).
func (w *ItemWorkflow) waitForDoneMarker(ctx domain.Context, item domain.WorkItem, worktree, sessionName, backend, model string, created time.Time) *domain.AgentResult {
	waitStart := time.Now()
	defer func() { observability.RecordTaskCompleted(time.Since(waitStart)) }()

	pollInterval := time.Duration(w.cfg.TaskPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	timeout := w.cfg.TaskWaitTimeout()
	donePath := filepath.Join(worktree, doneMarkerName)

	lastSignature := w.progressSignature(worktree)
	lastProgressAt := time.Now()
	var lastNudgeAt time.Time
	nudgeCount := 0
	restartCount := 0

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if b, err := os.ReadFile(donePath); err == nil {
			return w.parseDoneMarker(b, sessionName, worktree, backend, model, created)
		}

		exists, err := w.sessions.SessionExists(ctx, sessionName)
		if err == nil && !exists {
			if body, found := w.findBlockedComment(ctx, item, waitStart); found {
				return &domain.AgentResult{
					Status: domain.ResultBlocked,
					Output: body,
					Metadata: domain.AgentResultMetadata{
						SessionName: sessionName, Worktree: worktree, Backend: backend, Model: model, Created: created,
					},
				}
			}
			observability.RecordValidationFailed()
			return w.failResult(domain.KindMissingDoneFile, "session ended without a done marker", backend, model, created, worktree, "")
		}

		if timeout > 0 && time.Since(waitStart) > timeout {
			observability.RecordWaitTimeout()
			return w.failResult(domain.KindTaskWaitTimeout, "done-marker wait exceeded timeout", backend, model, created, worktree, "")
		}

		select {
		case <-ctx.Done():
			return w.failResult(domain.KindGenericWorkflow, ctx.Err().Error(), backend, model, created, worktree, "")
		case <-ticker.C:
		}

		if !w.cfg.TaskNudgeEnabled {
			continue
		}
		sig := w.progressSignature(worktree)
		if sig != lastSignature {
			lastSignature = sig
			lastProgressAt = time.Now()
			nudgeCount = 0
			continue
		}
		if time.Since(lastProgressAt) < time.Duration(w.cfg.TaskNudgeAfterSeconds)*time.Second {
			continue
		}
		if nudgeCount < w.cfg.TaskNudgeMaxAttempts {
			// The first nudge fires as soon as nudgeAfterSeconds has elapsed
			// since the last progress signature change; every nudge after
			// that is additionally spaced by nudgeIntervalSeconds since the
			// previous nudge. lastProgressAt is deliberately left untouched
			// here — only a real signature change resets it.
			if !lastNudgeAt.IsZero() && time.Since(lastNudgeAt) < time.Duration(w.cfg.TaskNudgeIntervalSeconds)*time.Second {
				continue
			}
			msg := strings.NewReplacer("{task_id}", fmt.Sprintf("%s/%s#%d", item.RepoOwner, item.RepoName, item.Number), "{task_title}", item.Title).Replace(w.cfg.TaskNudgeMessage)
			if err := w.sessions.Nudge(ctx, sessionName, msg); err != nil {
				slog.Warn("run_agent: nudge failed", slog.Any("error", err))
			}
			observability.RecordNudge()
			nudgeCount++
			lastNudgeAt = time.Now()
			continue
		}
		if restartCount < w.cfg.TaskNudgeMaxRestarts {
			if err := w.sessions.KillSession(ctx, sessionName); err != nil {
				slog.Warn("run_agent: session kill before restart failed", slog.Any("error", err))
			}
			restartCount++
			nudgeCount = 0
			lastProgressAt = time.Now()
			lastNudgeAt = time.Time{}
			observability.RecordRestart()
			if _, err := w.sessions.StartSession(ctx, sessionName, worktree, []string{backend}, nil); err != nil {
				slog.Warn("run_agent: restart failed", slog.Any("error", err))
			}
			continue
		}
		observability.RecordNudgeExceeded()
		return w.failResult(domain.KindTaskNudgeExceeded, "nudge/restart attempts exhausted", backend, model, created, worktree, "")
	}
}

// progressSignature derives a cheap change signal from the worktree's HEAD
// commit and working-tree status, used to decide whether to nudge (spec
// §4.9's "progressSignature").
func (w *ItemWorkflow) progressSignature(worktree string) string {
	head, _ := runGitOutput(worktree, "rev-parse", "HEAD")
	status, _ := runGitOutput(worktree, "status", "--porcelain")
	return head + "|" + status
}

func runGitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

var doneMarkerValidator = validator.New()

func (w *ItemWorkflow) parseDoneMarker(raw []byte, sessionName, worktree, backend, model string, created time.Time) *domain.AgentResult {
	var marker domain.DoneMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		observability.RecordValidationFailed()
		return w.failResult(domain.KindTaskValidationFailed, "malformed done marker", backend, model, created, worktree, "")
	}
	if err := doneMarkerValidator.Struct(marker); err != nil {
		observability.RecordValidationFailed()
		return w.failResult(domain.KindTaskValidationFailed, "done marker missing required fields", backend, model, created, worktree, "")
	}
	if containsRefusalPhrase(marker.Summary) {
		return w.failResult(domain.KindInstructionRefusal, "done marker summary contains a refusal phrase", backend, model, created, worktree, "")
	}
	return &domain.AgentResult{
		Status:       domain.ResultCompleted,
		Output:       marker.Summary,
		FilesChanged: marker.FilesChanged,
		CommandsRun:  marker.CommandsRun,
		Metadata: domain.AgentResultMetadata{
			SessionName: sessionName, Worktree: worktree, Backend: backend, Model: model, Created: created,
		},
	}
}

// findBlockedComment looks for a GitHub comment posted since the workflow
// started whose body begins with "BLOCKED" (case-insensitive), the signal
// the Blocked Protocol in ACE_TASK.md tells the agent session to post
// before exiting without a done marker. Grounded on the teacher's
// status_manager.py mark_blocked_from_comment, which derives the same
// "blocked, not crashed" distinction from an existing BLOCKED comment.
func (w *ItemWorkflow) findBlockedComment(ctx domain.Context, item domain.WorkItem, since time.Time) (string, bool) {
	if w.remote == nil {
		return "", false
	}
	var comments []struct {
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", item.RepoOwner, item.RepoName, item.Number)
	if err := w.remote.Get(ctx, path, &comments); err != nil {
		slog.Warn("run_agent: blocked-comment lookup failed", slog.Any("error", err))
		return "", false
	}
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if c.CreatedAt.Before(since) {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(c.Body)), "BLOCKED") {
			return c.Body, true
		}
	}
	return "", false
}

var doneMarkerRefusalPhrases = []string{"i'm sorry", "i cannot help", "can't assist", "i cannot assist"}

func containsRefusalPhrase(summary string) bool {
	folded := strings.ToLower(summary)
	for _, p := range doneMarkerRefusalPhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

// evaluateResult normalizes a non-success result into a single failed
// AgentResult (spec §4.9 evaluate_result).
func (w *ItemWorkflow) evaluateResult(result *domain.AgentResult) *domain.AgentResult {
	if result.Status == domain.ResultBlocked {
		return result
	}
	if result.Status == domain.ResultCompleted && result.Error == "" {
		return result
	}
	if result.Status == domain.ResultCompleted {
		result.Status = domain.ResultFailed
	}
	return result
}

// managerCleanup derives the post-mortem status, kills the session if still
// alive, deletes ACE_TASK.md/ACE_TASK_DONE.json, posts the matching
// board-item comment and status transition, and records the terminal
// status in the sentinel store. Never fails the workflow (spec §4.9
// manager_cleanup, §7 "User-visible failures").
func (w *ItemWorkflow) managerCleanup(ctx domain.Context, item domain.WorkItem, result *domain.AgentResult) {
	sessionName := session.SanitizeSessionName(item.RepoName, item.Number)
	if exists, err := w.sessions.SessionExists(ctx, sessionName); err == nil && exists {
		if err := w.sessions.KillSession(ctx, sessionName); err != nil {
			slog.Warn("manager_cleanup: session kill failed", slog.Any("error", err))
		}
	}

	worktree := result.Metadata.Worktree
	if worktree != "" {
		_ = os.Remove(filepath.Join(worktree, "ACE_TASK.md"))
		_ = os.Remove(filepath.Join(worktree, doneMarkerName))
	}

	w.postOutcome(ctx, item, result)

	if w.sentinel != nil {
		if err := w.sentinel.RecordTerminalStatus(ctx, item.RepoOwner, item.RepoName, item.Number, result.Status); err != nil {
			slog.Warn("manager_cleanup: sentinel record failed", slog.Any("error", err))
		}
	}
}

// postOutcome posts the board-item comment and status transition matching
// result.Status, grounded on the teacher's status_manager.py
// mark_done/mark_blocked_from_comment/mark_failed. This port does not open
// pull requests (out of spec scope), so the Done comment names the pushed
// branch instead of a PR URL.
func (w *ItemWorkflow) postOutcome(ctx domain.Context, item domain.WorkItem, result *domain.AgentResult) {
	switch result.Status {
	case domain.ResultCompleted:
		w.removeAgentLabel(ctx, item)
		branch := w.workspace.BranchName(item.Number, item.Title)
		w.postComment(ctx, item, "manager_cleanup", fmt.Sprintf("**Agent Complete**\n\nBranch: %s\n\nStatus: Done\n", branch))
		w.setBoardStatus(ctx, item, "manager_cleanup", "Done")
		w.notifier.NotifyCompletion(item.RepoOwner+"/"+item.RepoName, item.Number, item.Title, branch, result.Output)
	case domain.ResultBlocked:
		// The agent already posted its own BLOCKED comment, removed its
		// label, and assigned the blocked reviewer per the Blocked Protocol;
		// only the board status transition is ours to make.
		w.setBoardStatus(ctx, item, "manager_cleanup", "Blocked")
	case domain.ResultFailed:
		w.removeAgentLabel(ctx, item)
		w.postComment(ctx, item, "manager_cleanup", fmt.Sprintf("**Agent Failed**\n\nError:\n```\n%s\n```\n\nStatus: Blocked - Please review and re-add the `%s` label to retry.\n", result.Error, w.cfg.GitHubAgentLabel))
		w.setBoardStatus(ctx, item, "manager_cleanup", "Blocked")
	}
}
