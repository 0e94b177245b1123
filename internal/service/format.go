package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaykit/taskrelay/internal/domain/detail"
)

// stripMarkdownFences removes a surrounding ``` fence block from model
// output. Text that is not fenced passes through unchanged.
func stripMarkdownFences(text string) string {
	raw := strings.TrimSpace(text)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return raw
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// unwrapAnswer extracts the user-facing answer from raw model output. Models
// sometimes return a fenced JSON object with an "answer" field; in that case
// the field value is the answer. Anything else is returned as-is, fences
// stripped.
func unwrapAnswer(raw string) string {
	stripped := stripMarkdownFences(raw)
	if stripped == "" {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripped), &obj); err != nil {
		return stripped
	}
	var answer string
	if err := json.Unmarshal(obj["answer"], &answer); err == nil && strings.TrimSpace(answer) != "" {
		return strings.TrimSpace(answer)
	}
	return stripped
}

// formatAnswerMessage renders the final message for an answered question.
func formatAnswerMessage(taskID int64, question, answer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task #%d\n", taskID)
	if question != "" {
		fmt.Fprintf(&b, "\nQuestion:\n%s\n", question)
	}
	fmt.Fprintf(&b, "\nAnswer:\n%s", answer)
	return strings.TrimSpace(b.String())
}

// formatClarifyMessage renders the waiting-user prompt, including the reply
// command the bot understands.
func formatClarifyMessage(taskID int64, question string) string {
	return fmt.Sprintf(
		"task #%d\n\nNeeds clarification:\n%s\n\nReply with:\n/ask %d <your answer>",
		taskID, question, taskID)
}

// artifactLines renders the PR/Repo/Branch/Tests block of a codegen result.
func artifactLines(res *detail.CodegenResult) []string {
	var lines []string
	if res == nil {
		return lines
	}
	if res.PRURL != "" {
		lines = append(lines, "PR: "+res.PRURL)
	}
	if res.RepoFullName != "" {
		lines = append(lines, "Repo: "+res.RepoFullName)
	}
	if res.BranchName != "" {
		lines = append(lines, "Branch: "+res.BranchName)
	}
	switch {
	case res.Tests != nil && res.Tests.OK:
		lines = append(lines, "Tests: OK")
	case res.Tests != nil:
		lines = append(lines, "Tests: FAILED")
	case res.PRURL != "":
		lines = append(lines, "Tests: (unknown)")
	}
	return lines
}

// formatCodegenMessage renders the artifact notification for a finished
// code-generation job.
func formatCodegenMessage(taskID int64, title string, res *detail.CodegenResult) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), strings.TrimSpace(title), ""}
	lines = append(lines, artifactLines(res)...)
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// formatDoneTaskMessage renders the completion notification for a work task.
// answer is the plain-answer fallback for tasks without a codegen artifact.
func formatDoneTaskMessage(taskID int64, title, answer string, res *detail.CodegenResult) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), strings.TrimSpace(title), "", "DONE"}
	if arts := artifactLines(res); len(arts) > 0 {
		lines = append(lines, "")
		lines = append(lines, arts...)
	}
	if answer != "" {
		lines = append(lines, "", "answer:", answer)
	}
	lines = append(lines, "", fmt.Sprintf("Details: /task %d", taskID))
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// formatFailedMessage renders the failure notification.
func formatFailedMessage(taskID int64, title, errText string) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), strings.TrimSpace(title), "", "FAILED"}
	if errText != "" {
		lines = append(lines, "", "error:", strings.TrimSpace(errText))
	}
	lines = append(lines, "", fmt.Sprintf("Details: /task %d", taskID))
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// formatStoppedMessage renders the user-cancellation notification.
func formatStoppedMessage(taskID int64, title string) string {
	return strings.TrimSpace(fmt.Sprintf("task #%d\n%s\n\nSTOPPED_BY_USER", taskID, strings.TrimSpace(title)))
}

// formatReviewMessage renders the manual-review notification with whatever
// context is on file. age is how long the task has been parked in review.
func formatReviewMessage(taskID int64, answer, modelErr string, res *detail.CodegenResult, age time.Duration) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), "", "NEEDS_REVIEW"}
	if age > 0 {
		lines = append(lines, "in review for "+age.Round(time.Minute).String())
	}
	if answer != "" {
		lines = append(lines, "", "answer:", answer)
	}
	if modelErr != "" {
		lines = append(lines, "", "model_error:", modelErr)
	}
	if res != nil && res.PRURL != "" && res.Error != "" {
		lines = append(lines, "", "pr_url:", res.PRURL, "", "pr_error:", res.Error)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
