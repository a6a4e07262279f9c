// Package webhook verifies and applies provider webhook deliveries. Each
// delivery is authenticated against the shared secret before any state
// changes, then routed by event type; event types the engine does not handle
// are acknowledged without effect.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	gh "github.com/google/go-github/v68/github"

	"github.com/vernite/vernite/internal/apperror"
	"github.com/vernite/vernite/internal/db"
)

const signaturePrefix = "sha256="

// Verify authenticates a delivery body against its X-Hub-Signature-256
// header using constant-time comparison.
func Verify(secret string, body []byte, signature string) error {
	if len(signature) <= len(signaturePrefix) || signature[:len(signaturePrefix)] != signaturePrefix {
		return apperror.Authentication("missing or malformed webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature[len(signaturePrefix):]), []byte(want)) {
		return apperror.Authentication("webhook signature mismatch")
	}
	return nil
}

// TaskPatcher pushes a task's state back to its mapped remote issue. Push
// directive handling uses it best-effort.
type TaskPatcher interface {
	PatchTaskIssue(ctx context.Context, taskID string) error
}

// Dispatcher applies verified webhook deliveries to local state.
type Dispatcher struct {
	db      *db.DB
	patcher TaskPatcher
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. patcher may be nil, in which case push
// directives update local state only.
func NewDispatcher(database *db.DB, patcher TaskPatcher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{db: database, patcher: patcher, logger: logger}
}

// HandleEvent routes one delivery by its X-GitHub-Event type. Event types
// outside the handled set succeed without effect; a malformed payload of a
// handled type is a validation error.
func (d *Dispatcher) HandleEvent(ctx context.Context, eventType string, payload []byte) error {
	switch eventType {
	case "installation", "installation_repositories", "issues", "pull_request", "push", "issue_comment":
	default:
		return nil
	}

	event, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		return apperror.Validation("malformed webhook payload: " + err.Error())
	}

	switch ev := event.(type) {
	case *gh.InstallationEvent:
		return d.handleInstallation(ev)
	case *gh.InstallationRepositoriesEvent:
		return d.handleInstallationRepositories(ev)
	case *gh.IssuesEvent:
		return d.handleIssues(ev)
	case *gh.PullRequestEvent:
		return d.handlePullRequest(ev)
	case *gh.PushEvent:
		return d.handlePush(ctx, ev)
	case *gh.IssueCommentEvent:
		return d.handleIssueComment(ev)
	}
	return nil
}
