// Package instruction implements the Instruction Builder (spec §4.6): calls
// a language model over the item's title/body plus optional repo
// conventions and PR-comment context, validates the result against a fixed
// refusal-phrase set, and returns the ACE_TASK.md text (the Item Workflow
// writes it into the worktree). The HTTP call shape and
// tiktoken token-budget trimming are grounded on the teacher's
// internal/adapter/ai/real/client.go; refusal-phrase matching is grounded on
// the teacher's internal/adapter/ai/refusal_detector.go code-based fallback.
package instruction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// refusalPhrases is the fixed set checked after case-folding and quote
// normalization (spec §4.6).
var refusalPhrases = []string{
	"i'm sorry",
	"i am sorry",
	"i cannot help",
	"i can't assist",
	"i cannot assist",
	"can't assist",
	"i'm unable to help",
	"i am unable to help",
	"as an ai language model",
	"i won't be able to",
	"i will not be able to",
}

// reasoningDumpMarkers flag raw model event records leaking into the
// instructions instead of prose (spec §4.6).
var reasoningDumpMarkers = []string{
	`"role":"assistant"`,
	`"type":"reasoning"`,
	"<thinking>",
	"[reasoning]",
}

// Builder implements domain.InstructionBuilder against an OpenAI-compatible
// chat-completions endpoint.
type Builder struct {
	hc              *http.Client
	baseURL         string
	apiKey          string
	model           string
	maxRetries      int
	maxTokens       int
	blockedAssignee string
	agentLabel      string
}

var _ domain.InstructionBuilder = (*Builder)(nil)

// New constructs a Builder from Config.
func New(cfg config.Config) *Builder {
	return &Builder{
		hc:              &http.Client{Timeout: cfg.LLMTimeout},
		baseURL:         strings.TrimRight(cfg.LLMBaseURL, "/"),
		apiKey:          cfg.LLMAPIKey,
		model:           cfg.LLMModel,
		maxRetries:      cfg.LLMMaxRetries,
		maxTokens:       cfg.MaxPromptTokens,
		blockedAssignee: cfg.BlockedAssignee,
		agentLabel:      cfg.GitHubAgentLabel,
	}
}

const systemPrompt = `You write a focused task brief for an autonomous coding agent. Given an issue's title and body, optional repository conventions, and optional PR review context, produce clear, actionable instructions for completing the work. Respond with the instructions only, no preamble.`

// Build calls the configured model, validates the result, and wraps it into
// the full ACE_TASK.md document (spec §6): a `# Task <id>: <title>` header,
// the model-generated body, then the appended GitHub MCP Access / Blocked
// Protocol / Completion Protocol sections, in that order. Grounded on the
// teacher's original write_instructions() document assembly.
func (b *Builder) Build(ctx domain.Context, item domain.WorkItem, conventions string, prSnippet string, branchName string) (string, error) {
	userPrompt := b.assemblePrompt(item, conventions, prSnippet)

	text, err := b.chat(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("op=instruction.Build chat: %w", err)
	}

	if err := validateInstructions(text); err != nil {
		return "", err
	}

	return b.assembleTaskFile(item, text, branchName), nil
}

// assembleTaskFile wraps the model-generated body with the fixed header and
// appended sections the external CLI session expects (spec §6).
func (b *Builder) assembleTaskFile(item domain.WorkItem, body, branchName string) string {
	taskID := fmt.Sprintf("%s/%s#%d", item.RepoOwner, item.RepoName, item.Number)

	var doc strings.Builder
	fmt.Fprintf(&doc, "# Task %s: %s\n\n", taskID, item.Title)
	doc.WriteString(strings.TrimSpace(body))

	doc.WriteString("\n\n## GitHub MCP Access\n")
	doc.WriteString("GitHub MCP is configured for this session. Use it for issue comments/metadata as needed.\n")

	doc.WriteString("\n## Blocked Protocol\n")
	doc.WriteString("If clarification is needed:\n")
	doc.WriteString("1. Post a GitHub comment with your questions (prefix with BLOCKED).\n")
	assignee := b.blockedAssignee
	if assignee == "" {
		assignee = "the repository owner"
	}
	fmt.Fprintf(&doc, "2. Assign the issue to %s and remove the `%s` label.\n", assignee, b.agentLabel)
	doc.WriteString("3. Exit the session.\n")

	doc.WriteString("\n## Completion Protocol\n")
	doc.WriteString("When finished:\n")
	fmt.Fprintf(&doc, "1. Commit changes on `%s` with a message that includes `%s`.\n", branchName, item.Title)
	fmt.Fprintf(&doc, "2. Push the branch: `git push origin %s`.\n", branchName)
	doc.WriteString("3. Write a JSON file named `ACE_TASK_DONE.json` in the repo root:\n\n")
	doc.WriteString("```json\n{\n")
	fmt.Fprintf(&doc, "  \"task_id\": %q,\n", taskID)
	doc.WriteString("  \"summary\": \"<summary>\",\n")
	doc.WriteString("  \"files_changed\": [\"...\"],\n")
	doc.WriteString("  \"commands_run\": [\"...\"]\n")
	doc.WriteString("}\n```\n")
	doc.WriteString("Do NOT open a PR; the manager will open it after all tasks are complete.\n")

	return doc.String()
}

func (b *Builder) assemblePrompt(item domain.WorkItem, conventions, prSnippet string) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "## Title\n%s\n\n## Body\n%s\n", item.Title, item.Body)
	if conventions != "" {
		fmt.Fprintf(&buf, "\n## Repository conventions\n%s\n", conventions)
	}
	if prSnippet != "" {
		fmt.Fprintf(&buf, "\n## PR review context\n%s\n", prSnippet)
	}
	return trimToTokenBudget(buf.String(), b.maxTokens)
}

// trimToTokenBudget trims text from the end to fit within maxTokens using
// the cl100k_base encoding, matching the teacher's token-estimation idiom.
func trimToTokenBudget(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (b *Builder) chat(ctx domain.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("op=instruction.chat marshal: %w", err)
	}

	var result string
	attempt := 0
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.hc.Do(req)
		if err != nil {
			attempt++
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			attempt++
			if attempt > b.maxRetries {
				return backoff.Permanent(fmt.Errorf("instruction builder exhausted retries: status %d", resp.StatusCode))
			}
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("instruction builder status %d: %s", resp.StatusCode, truncate(string(body), 256)))
		}

		var decoded chatResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("op=instruction.chat decode: %w", err))
		}
		if len(decoded.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("instruction builder returned no choices"))
		}
		result = decoded.Choices[0].Message.Content
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second
	bo := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(b.maxRetries))
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// validateInstructions applies the spec §4.6 fail-fast checks, returning a
// *domain.WorkflowError with KindInstructionRefusal on any failure.
func validateInstructions(text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.NewWorkflowError(domain.KindInstructionRefusal, "empty or whitespace-only instructions")
	}
	for _, marker := range reasoningDumpMarkers {
		if strings.Contains(text, marker) {
			return domain.NewWorkflowError(domain.KindInstructionRefusal, "instructions contain a reasoning-dump artifact")
		}
	}
	normalized := normalizeForRefusalCheck(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(normalized, phrase) {
			return domain.NewWorkflowError(domain.KindInstructionRefusal, fmt.Sprintf("instructions contain refusal phrase %q", phrase))
		}
	}
	return nil
}

func normalizeForRefusalCheck(text string) string {
	folded := strings.ToLower(text)
	replacer := strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", "\"", "”", "\"",
		"`", "'",
	)
	return replacer.Replace(folded)
}
