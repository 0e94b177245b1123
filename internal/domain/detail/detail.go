// Package detail defines the append-only TaskDetail attachment and the typed
// content variants stored under each kind.
package detail

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the content shape of a TaskDetail row.
type Kind string

const (
	KindRawInput          Kind = "raw_input"
	KindModelResult       Kind = "model_result"
	KindWaitingUserReason Kind = "waiting_user_reason"
	KindCodegenResult     Kind = "codegen_result"
	KindDeliveryAttempt   Kind = "delivery_attempt"
)

// TaskDetail is one immutable attachment row on a task. Rows are ordered by
// creation; the latest row wins for content-bearing kinds, while
// delivery-attempt rows are cumulative.
type TaskDetail struct {
	ID        int64           `json:"id"`
	TaskID    int64           `json:"task_id"`
	Kind      Kind            `json:"kind"`
	Purpose   string          `json:"purpose,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// RawInput is the original user request attached to a task, including the
// routing data needed to reach the user back.
type RawInput struct {
	Kind    string `json:"kind"` // "question" or "task"
	Text    string `json:"text"`
	ChatID  int64  `json:"chat_id"`
	UserID  int64  `json:"user_id"`
	EventID int64  `json:"event_id"`
}

// ModelResult is one model pass over a task. Reviewer passes carry a purpose
// tag and must never be rendered to the user verbatim.
type ModelResult struct {
	RequestID       int64  `json:"request_id"`
	Answer          string `json:"answer,omitempty"`
	ClarifyQuestion string `json:"clarify_question,omitempty"`
	Error           string `json:"error,omitempty"`
}

// WaitingUserReason records why the pipeline parked a task on user input.
type WaitingUserReason struct {
	Type      string `json:"type,omitempty"`
	Question  string `json:"question,omitempty"`
	RequestID int64  `json:"request_id,omitempty"`
}

// TestReport summarizes the test run of a codegen job.
type TestReport struct {
	OK         bool   `json:"ok"`
	ExitCode   int    `json:"exit_code"`
	OutputTail string `json:"output_tail,omitempty"`
}

// CodegenResult is the artifact produced by a code-generation job.
type CodegenResult struct {
	RepoFullName string      `json:"repo_full_name,omitempty"`
	BaseBranch   string      `json:"base_branch,omitempty"`
	BranchName   string      `json:"branch_name,omitempty"`
	PRURL        string      `json:"pr_url,omitempty"`
	Tests        *TestReport `json:"tests,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// reviewerPurposes tags model results produced by internal quality-control
// passes. Their answers are never user-facing.
var reviewerPurposes = map[string]bool{
	"review":          true,
	"review_loop":     true,
	"question_review": true,
}

// IsReviewerPurpose reports whether a model-result purpose tag marks an
// internal reviewer pass.
func IsReviewerPurpose(purpose string) bool {
	return reviewerPurposes[strings.TrimSpace(purpose)]
}

// ReviewerPurposes returns the reviewer purpose tags, for query building.
func ReviewerPurposes() []string {
	out := make([]string, 0, len(reviewerPurposes))
	for p := range reviewerPurposes {
		out = append(out, p)
	}
	return out
}

// DecodeContent unmarshals d.Content into dst, which must match d.Kind.
func (d *TaskDetail) DecodeContent(dst any) error {
	if err := json.Unmarshal(d.Content, dst); err != nil {
		return fmt.Errorf("decode %s detail %d: %w", d.Kind, d.ID, err)
	}
	return nil
}
