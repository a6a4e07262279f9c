package webhook

import (
	"context"
	"errors"

	gh "github.com/google/go-github/v68/github"

	"github.com/vernite/vernite/internal/apperror"
	"github.com/vernite/vernite/internal/commitref"
	"github.com/vernite/vernite/internal/db"
)

// ignoreNotFound drops not-found errors; deliveries about state the engine
// never tracked succeed silently.
func ignoreNotFound(err error) error {
	if errors.Is(err, apperror.ErrNotFound) {
		return nil
	}
	return err
}

func (d *Dispatcher) handleInstallation(ev *gh.InstallationEvent) error {
	id := ev.GetInstallation().GetID()
	switch ev.GetAction() {
	case "suspend":
		return ignoreNotFound(d.db.SetInstallationSuspended(id, true))
	case "unsuspend":
		return ignoreNotFound(d.db.SetInstallationSuspended(id, false))
	case "deleted":
		return ignoreNotFound(d.db.DeleteInstallation(id))
	}
	return nil
}

func (d *Dispatcher) handleInstallationRepositories(ev *gh.InstallationRepositoriesEvent) error {
	for _, repo := range ev.RepositoriesRemoved {
		if err := d.db.DeleteIntegrationsByRepository(repo.GetFullName()); err != nil {
			return err
		}
	}
	return nil
}

// taskFor resolves the local task mapped to a remote issue or pull request
// number within one integration. ok is false when no mapping exists.
func (d *Dispatcher) taskFor(integration db.Integration, typ string, number int) (db.TaskIntegration, bool, error) {
	mappings, err := d.db.ListTaskIntegrationsByNumber(integration.ID, number)
	if err != nil {
		return db.TaskIntegration{}, false, err
	}
	for _, ti := range mappings {
		if ti.Type == typ {
			return ti, true, nil
		}
	}
	return db.TaskIntegration{}, false, nil
}

// localAssignee maps a remote account id to the local user owning a matching
// connected account, provided that user is a member of the project. Empty
// when no connected member matches.
func (d *Dispatcher) localAssignee(projectID string, remoteID int64) (string, error) {
	auth, err := d.db.GetAuthorization(remoteID)
	if errors.Is(err, apperror.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	member, err := d.db.IsProjectMember(projectID, auth.UserID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", nil
	}
	return auth.UserID, nil
}

func (d *Dispatcher) handleIssues(ev *gh.IssuesEvent) error {
	integrations, err := d.db.ListIntegrationsByRepository(ev.GetRepo().GetFullName())
	if err != nil {
		return err
	}
	issue := ev.GetIssue()

	for _, integration := range integrations {
		if ev.GetAction() == "opened" {
			if err := d.importIssue(integration, issue); err != nil {
				return err
			}
			continue
		}

		ti, ok, err := d.taskFor(integration, db.TypeIssue, issue.GetNumber())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		switch ev.GetAction() {
		case "edited":
			err = d.db.UpdateTaskContent(ti.TaskID, issue.GetTitle(), issue.GetBody())
		case "closed":
			err = d.db.SetTaskOpen(ti.TaskID, false)
		case "reopened":
			err = d.db.SetTaskOpen(ti.TaskID, true)
		case "deleted":
			err = d.db.DeleteTaskWithIntegrations(ti.TaskID)
		case "assigned":
			var userID string
			userID, err = d.localAssignee(integration.ProjectID, ev.GetAssignee().GetID())
			if err == nil && userID != "" {
				err = d.db.SetTaskAssignee(ti.TaskID, userID)
			}
		case "unassigned":
			err = d.db.SetTaskAssignee(ti.TaskID, "")
		}
		if err != nil {
			return ignoreNotFound(err)
		}
	}
	return nil
}

// importIssue creates the local task for a newly opened remote issue,
// assigned to the reserved system user. A redelivered open is a no-op; the
// task and its mapping land in one transaction, so racing deliveries cannot
// leave an orphaned duplicate task behind.
func (d *Dispatcher) importIssue(integration db.Integration, issue *gh.Issue) error {
	if _, ok, err := d.taskFor(integration, db.TypeIssue, issue.GetNumber()); err != nil || ok {
		return err
	}

	begin, err := d.db.BeginStatus(integration.ProjectID)
	if err != nil {
		return err
	}
	system, err := d.db.EnsureSystemUser()
	if err != nil {
		return err
	}
	_, _, err = d.db.CreateTaskWithIntegration(db.Task{
		ProjectID:   integration.ProjectID,
		Title:       issue.GetTitle(),
		Description: issue.GetBody(),
		StatusID:    begin.ID,
		AssigneeID:  system.ID,
	}, db.TaskIntegration{
		IntegrationID: integration.ID,
		Type:          db.TypeIssue,
		IssueNumber:   issue.GetNumber(),
	})
	return err
}

func (d *Dispatcher) handlePullRequest(ev *gh.PullRequestEvent) error {
	integrations, err := d.db.ListIntegrationsByRepository(ev.GetRepo().GetFullName())
	if err != nil {
		return err
	}
	pr := ev.GetPullRequest()

	for _, integration := range integrations {
		ti, ok, err := d.taskFor(integration, db.TypePullRequest, pr.GetNumber())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		switch ev.GetAction() {
		case "closed":
			if err := d.db.SetTaskOpen(ti.TaskID, false); err != nil {
				return ignoreNotFound(err)
			}
			err = d.db.SetTaskIntegrationMerged(ti.TaskID, integration.ID, pr.GetMerged())
		case "reopened":
			err = d.db.SetTaskOpen(ti.TaskID, true)
		case "edited":
			err = d.db.UpdateTaskContent(ti.TaskID, pr.GetTitle(), pr.GetBody())
		case "assigned":
			var userID string
			userID, err = d.localAssignee(integration.ProjectID, ev.GetAssignee().GetID())
			if err == nil && userID != "" {
				err = d.db.SetTaskAssignee(ti.TaskID, userID)
			}
		case "unassigned":
			err = d.db.SetTaskAssignee(ti.TaskID, "")
		}
		if err != nil {
			return ignoreNotFound(err)
		}
	}
	return nil
}

// handlePush scans pushed commit messages for status directives and applies
// them to the referenced tasks. Every local transition lands first; pushing
// the new state back to mapped issues happens afterwards, best-effort and
// only logged on failure.
func (d *Dispatcher) handlePush(ctx context.Context, ev *gh.PushEvent) error {
	integrations, err := d.db.ListIntegrationsByRepository(ev.GetRepo().GetFullName())
	if err != nil {
		return err
	}

	var affected []string
	seen := make(map[string]bool)
	for _, integration := range integrations {
		for _, commit := range ev.Commits {
			ref, ok := commitref.Parse(commit.GetMessage())
			if !ok {
				continue
			}
			task, err := d.db.GetTaskByNumber(integration.ProjectID, ref.TaskNumber)
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := d.db.SetTaskOpen(task.ID, ref.Action == commitref.ActionReopen); err != nil {
				return err
			}
			if !seen[task.ID] {
				seen[task.ID] = true
				affected = append(affected, task.ID)
			}
		}
	}

	if d.patcher == nil {
		return nil
	}
	for _, taskID := range affected {
		if err := d.patcher.PatchTaskIssue(ctx, taskID); err != nil {
			d.logger.Warn("pushing commit directive to remote issue failed",
				"task", taskID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) handleIssueComment(ev *gh.IssueCommentEvent) error {
	integrations, err := d.db.ListIntegrationsByRepository(ev.GetRepo().GetFullName())
	if err != nil {
		return err
	}
	comment := ev.GetComment()

	for _, integration := range integrations {
		// GitHub delivers issue_comment for pull request comments too;
		// resolve the mapping by number regardless of type.
		mappings, err := d.db.ListTaskIntegrationsByNumber(integration.ID, ev.GetIssue().GetNumber())
		if err != nil {
			return err
		}
		if len(mappings) == 0 {
			continue
		}
		ti := mappings[0]

		switch ev.GetAction() {
		case "created":
			err = d.importComment(ti.TaskID, comment)
		case "edited":
			var ci db.CommentIntegration
			ci, err = d.db.GetCommentIntegration(comment.GetID())
			if err == nil {
				err = d.db.UpdateCommentContent(ci.CommentID, comment.GetBody())
			}
		case "deleted":
			err = d.db.DeleteCommentIntegration(comment.GetID())
		}
		if err != nil {
			return ignoreNotFound(err)
		}
	}
	return nil
}

// importComment mirrors a remote comment locally, attributed to the reserved
// system user.
func (d *Dispatcher) importComment(taskID string, comment *gh.IssueComment) error {
	if _, err := d.db.GetCommentIntegration(comment.GetID()); err == nil {
		return nil
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	system, err := d.db.EnsureSystemUser()
	if err != nil {
		return err
	}
	local, err := d.db.CreateComment(db.Comment{
		TaskID:   taskID,
		AuthorID: system.ID,
		Content:  comment.GetBody(),
	})
	if err != nil {
		return err
	}
	return d.db.CreateCommentIntegration(db.CommentIntegration{
		RemoteCommentID: comment.GetID(),
		CommentID:       local.ID,
	})
}
