package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/vernite/vernite/internal/apperror"
	"github.com/vernite/vernite/internal/db"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	secret := "hunter2"
	body := []byte(`{"action":"opened"}`)

	if err := Verify(secret, body, sign(secret, body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	valid := sign(secret, body)
	flip := "0"
	if valid[len(valid)-1] == '0' {
		flip = "1"
	}
	cases := map[string]string{
		"empty":          "",
		"no prefix":      hex.EncodeToString([]byte("deadbeef")),
		"wrong secret":   sign("other", body),
		"flipped nibble": valid[:len(valid)-1] + flip,
	}
	for name, sig := range cases {
		if err := Verify(secret, body, sig); !errors.Is(err, apperror.ErrAuthentication) {
			t.Errorf("%s: error = %v, want authentication", name, err)
		}
	}
}

func TestVerifyDistinguishesBodies(t *testing.T) {
	secret := "hunter2"
	sig := sign(secret, []byte("original"))
	if err := Verify(secret, []byte("tampered"), sig); !errors.Is(err, apperror.ErrAuthentication) {
		t.Errorf("tampered body accepted: %v", err)
	}
}

type fakePatcher struct {
	taskIDs []string
	err     error
	onPatch func(taskID string)
}

func (f *fakePatcher) PatchTaskIssue(_ context.Context, taskID string) error {
	f.taskIDs = append(f.taskIDs, taskID)
	if f.onPatch != nil {
		f.onPatch(taskID)
	}
	return f.err
}

type fixture struct {
	db          *db.DB
	dispatcher  *Dispatcher
	patcher     *fakePatcher
	user        db.User
	project     db.Project
	integration db.Integration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	user, err := database.CreateUser(db.User{Name: "Alice", Username: "alice", Email: "alice@example.test"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := database.UpsertInstallation(db.Installation{ID: 1, UserID: user.ID, AccountLogin: "acme"}); err != nil {
		t.Fatalf("upsert installation: %v", err)
	}
	project, err := database.CreateProject("Widgets")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	integration, err := database.CreateIntegration(db.Integration{
		ProjectID:          project.ID,
		InstallationID:     1,
		RepositoryFullName: "acme/widgets",
	})
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}

	patcher := &fakePatcher{}
	return &fixture{
		db:          database,
		dispatcher:  NewDispatcher(database, patcher, nil),
		patcher:     patcher,
		user:        user,
		project:     project,
		integration: integration,
	}
}

func (f *fixture) handle(t *testing.T, eventType, payload string) {
	t.Helper()
	if err := f.dispatcher.HandleEvent(context.Background(), eventType, []byte(payload)); err != nil {
		t.Fatalf("handle %s: %v", eventType, err)
	}
}

// newTask seeds a local task attached to a remote issue or pull request.
func (f *fixture) newTask(t *testing.T, typ string, number int) db.Task {
	t.Helper()
	begin, err := f.db.BeginStatus(f.project.ID)
	if err != nil {
		t.Fatalf("begin status: %v", err)
	}
	task, err := f.db.CreateTask(db.Task{ProjectID: f.project.ID, Title: "Task", StatusID: begin.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	err = f.db.CreateTaskIntegration(db.TaskIntegration{
		TaskID:        task.ID,
		IntegrationID: f.integration.ID,
		Type:          typ,
		IssueNumber:   number,
	})
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	return task
}

func TestUnknownEventTypeIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "star", `{"action":"created"}`)
	f.handle(t, "workflow_run", `not even json`)
}

func TestMalformedPayloadIsValidationError(t *testing.T) {
	f := newFixture(t)
	err := f.dispatcher.HandleEvent(context.Background(), "issues", []byte(`{"action":`))
	if !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestIssueOpenedCreatesTaskOnce(t *testing.T) {
	f := newFixture(t)
	payload := `{"action":"opened","issue":{"number":5,"title":"Broken gear","body":"It broke"},"repository":{"full_name":"acme/widgets"}}`

	f.handle(t, "issues", payload)
	f.handle(t, "issues", payload) // redelivery

	mappings, err := f.db.ListTaskIntegrationsByIntegration(f.integration.ID)
	if err != nil {
		t.Fatalf("list mappings: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("got %d tasks for the issue, want 1", len(mappings))
	}
	task, err := f.db.GetTask(mappings[0].TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Title != "Broken gear" || task.Description != "It broke" {
		t.Errorf("task = %+v", task)
	}
	open, err := f.db.TaskOpen(task.ID)
	if err != nil || !open {
		t.Errorf("open = %v, %v; want true", open, err)
	}
	system, err := f.db.GetUserByUsername(db.SystemUsername)
	if err != nil {
		t.Fatalf("get system user: %v", err)
	}
	if task.AssigneeID != system.ID {
		t.Errorf("assignee = %q, want system user %q", task.AssigneeID, system.ID)
	}
}

func TestIssueClosedAndReopened(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)

	f.handle(t, "issues", `{"action":"closed","issue":{"number":5},"repository":{"full_name":"acme/widgets"}}`)
	if open, _ := f.db.TaskOpen(task.ID); open {
		t.Error("task still open after close event")
	}

	f.handle(t, "issues", `{"action":"reopened","issue":{"number":5},"repository":{"full_name":"acme/widgets"}}`)
	if open, _ := f.db.TaskOpen(task.ID); !open {
		t.Error("task still closed after reopen event")
	}
}

func TestIssueEditedUpdatesContent(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)

	f.handle(t, "issues", `{"action":"edited","issue":{"number":5,"title":"New title","body":"New body"},"repository":{"full_name":"acme/widgets"}}`)

	got, err := f.db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "New title" || got.Description != "New body" {
		t.Errorf("task = %+v", got)
	}
}

func TestIssueEventForUnmappedNumberIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "issues", `{"action":"closed","issue":{"number":99},"repository":{"full_name":"acme/widgets"}}`)
	f.handle(t, "issues", `{"action":"closed","issue":{"number":5},"repository":{"full_name":"someone/else"}}`)
}

func TestIssueAssignedMapsConnectedAccount(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)
	if _, err := f.db.UpsertAuthorization(db.Authorization{ID: 55, UserID: f.user.ID, Login: "alice"}); err != nil {
		t.Fatalf("upsert authorization: %v", err)
	}
	if err := f.db.AddProjectMember(f.project.ID, f.user.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	f.handle(t, "issues", `{"action":"assigned","issue":{"number":5},"assignee":{"id":55},"repository":{"full_name":"acme/widgets"}}`)
	got, _ := f.db.GetTask(task.ID)
	if got.AssigneeID != f.user.ID {
		t.Errorf("assignee = %q, want %q", got.AssigneeID, f.user.ID)
	}

	// An assignee with no connected local account is skipped.
	f.handle(t, "issues", `{"action":"assigned","issue":{"number":5},"assignee":{"id":999},"repository":{"full_name":"acme/widgets"}}`)
	got, _ = f.db.GetTask(task.ID)
	if got.AssigneeID != f.user.ID {
		t.Errorf("assignee after unknown account = %q, want unchanged", got.AssigneeID)
	}

	f.handle(t, "issues", `{"action":"unassigned","issue":{"number":5},"repository":{"full_name":"acme/widgets"}}`)
	got, _ = f.db.GetTask(task.ID)
	if got.AssigneeID != "" {
		t.Errorf("assignee after unassign = %q, want empty", got.AssigneeID)
	}
}

func TestIssueAssignedRequiresMembership(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)
	// Connected account, but not a project member.
	if _, err := f.db.UpsertAuthorization(db.Authorization{ID: 55, UserID: f.user.ID, Login: "alice"}); err != nil {
		t.Fatalf("upsert authorization: %v", err)
	}

	f.handle(t, "issues", `{"action":"assigned","issue":{"number":5},"assignee":{"id":55},"repository":{"full_name":"acme/widgets"}}`)
	got, _ := f.db.GetTask(task.ID)
	if got.AssigneeID != "" {
		t.Errorf("non-member assigned: %q", got.AssigneeID)
	}
}

func TestPullRequestClosedRecordsMerged(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypePullRequest, 8)

	f.handle(t, "pull_request", `{"action":"closed","pull_request":{"number":8,"merged":true},"repository":{"full_name":"acme/widgets"}}`)

	if open, _ := f.db.TaskOpen(task.ID); open {
		t.Error("task still open after merge")
	}
	ti, err := f.db.GetTaskIntegration(task.ID, f.integration.ID, db.TypePullRequest)
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if !ti.Merged {
		t.Error("merged flag not recorded")
	}
}

func TestPushDirectiveClosesTaskAndPatchesRemote(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)
	taskNumber := mustTaskNumber(t, f, task.ID)

	payload := fmt.Sprintf(`{"repository":{"full_name":"acme/widgets"},"commits":[{"message":"fix bug close!%d"},{"message":"unrelated"}]}`, taskNumber)
	f.handle(t, "push", payload)

	if open, _ := f.db.TaskOpen(task.ID); open {
		t.Error("task still open after close directive")
	}
	if len(f.patcher.taskIDs) != 1 || f.patcher.taskIDs[0] != task.ID {
		t.Errorf("patched tasks = %v, want [%s]", f.patcher.taskIDs, task.ID)
	}
}

// Remote patches are issued only after every local transition in the event
// has landed, and each task is patched once no matter how many commits
// reference it.
func TestPushDirectivesPatchAfterAllLocalTransitions(t *testing.T) {
	f := newFixture(t)
	first := f.newTask(t, db.TypeIssue, 5)
	second := f.newTask(t, db.TypeIssue, 6)
	n1 := mustTaskNumber(t, f, first.ID)
	n2 := mustTaskNumber(t, f, second.ID)

	var bothClosed []bool
	f.patcher.onPatch = func(string) {
		open1, _ := f.db.TaskOpen(first.ID)
		open2, _ := f.db.TaskOpen(second.ID)
		bothClosed = append(bothClosed, !open1 && !open2)
	}

	payload := fmt.Sprintf(
		`{"repository":{"full_name":"acme/widgets"},"commits":[{"message":"close!%d"},{"message":"close!%d"},{"message":"also close!%d"}]}`,
		n1, n2, n1)
	f.handle(t, "push", payload)

	if len(f.patcher.taskIDs) != 2 {
		t.Fatalf("patched tasks = %v, want one patch per task", f.patcher.taskIDs)
	}
	for i, closed := range bothClosed {
		if !closed {
			t.Errorf("patch %d issued before all local transitions landed", i)
		}
	}
}

func TestPushDirectiveReopens(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)
	if err := f.db.SetTaskOpen(task.ID, false); err != nil {
		t.Fatalf("close task: %v", err)
	}
	taskNumber := mustTaskNumber(t, f, task.ID)

	payload := fmt.Sprintf(`{"repository":{"full_name":"acme/widgets"},"commits":[{"message":"reopen!%d"}]}`, taskNumber)
	f.handle(t, "push", payload)

	if open, _ := f.db.TaskOpen(task.ID); !open {
		t.Error("task still closed after reopen directive")
	}
}

func TestPushRemotePatchFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.patcher.err = errors.New("api down")
	task := f.newTask(t, db.TypeIssue, 5)
	taskNumber := mustTaskNumber(t, f, task.ID)

	payload := fmt.Sprintf(`{"repository":{"full_name":"acme/widgets"},"commits":[{"message":"close!%d"}]}`, taskNumber)
	f.handle(t, "push", payload)

	if open, _ := f.db.TaskOpen(task.ID); open {
		t.Error("local transition lost when the remote patch failed")
	}
}

func TestPushDirectiveUnknownTaskNumberIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "push", `{"repository":{"full_name":"acme/widgets"},"commits":[{"message":"close!424242"}]}`)
	if len(f.patcher.taskIDs) != 0 {
		t.Errorf("patched tasks = %v, want none", f.patcher.taskIDs)
	}
}

func TestInstallationSuspendAndDelete(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)

	f.handle(t, "installation", `{"action":"suspend","installation":{"id":1}}`)
	inst, err := f.db.GetInstallation(1)
	if err != nil {
		t.Fatalf("get installation: %v", err)
	}
	if !inst.Suspended {
		t.Error("installation not suspended")
	}

	f.handle(t, "installation", `{"action":"unsuspend","installation":{"id":1}}`)
	inst, _ = f.db.GetInstallation(1)
	if inst.Suspended {
		t.Error("installation still suspended")
	}

	f.handle(t, "installation", `{"action":"deleted","installation":{"id":1}}`)
	if _, err := f.db.GetInstallation(1); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("installation error = %v, want not found", err)
	}
	if _, err := f.db.GetIntegration(f.integration.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("integration error = %v, want not found", err)
	}
	if _, err := f.db.GetTaskIntegration(task.ID, f.integration.ID, db.TypeIssue); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("mapping error = %v, want not found", err)
	}
	// Local task survives the cascade.
	if _, err := f.db.GetTask(task.ID); err != nil {
		t.Errorf("task lost in cascade: %v", err)
	}

	// Delivery for an installation the engine never tracked.
	f.handle(t, "installation", `{"action":"deleted","installation":{"id":777}}`)
}

func TestInstallationRepositoriesRemovedCascades(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)

	f.handle(t, "installation_repositories", `{"action":"removed","repositories_removed":[{"full_name":"acme/widgets"}]}`)

	if _, err := f.db.GetIntegration(f.integration.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("integration error = %v, want not found", err)
	}
	if _, err := f.db.GetTaskIntegration(task.ID, f.integration.ID, db.TypeIssue); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("mapping error = %v, want not found", err)
	}
	if _, err := f.db.GetTask(task.ID); err != nil {
		t.Errorf("task lost in cascade: %v", err)
	}
}

func TestIssueCommentLifecycle(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypeIssue, 5)

	created := `{"action":"created","issue":{"number":5},"comment":{"id":900,"body":"looks good","user":{"id":55}},"repository":{"full_name":"acme/widgets"}}`
	f.handle(t, "issue_comment", created)
	f.handle(t, "issue_comment", created) // redelivery

	ci, err := f.db.GetCommentIntegration(900)
	if err != nil {
		t.Fatalf("get comment mapping: %v", err)
	}
	comment, err := f.db.GetComment(ci.CommentID)
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	system, err := f.db.GetUserByUsername(db.SystemUsername)
	if err != nil {
		t.Fatalf("get system user: %v", err)
	}
	if comment.TaskID != task.ID || comment.Content != "looks good" || comment.AuthorID != system.ID {
		t.Errorf("comment = %+v", comment)
	}

	f.handle(t, "issue_comment", `{"action":"edited","issue":{"number":5},"comment":{"id":900,"body":"changed my mind"},"repository":{"full_name":"acme/widgets"}}`)
	comment, _ = f.db.GetComment(ci.CommentID)
	if comment.Content != "changed my mind" {
		t.Errorf("content = %q", comment.Content)
	}

	f.handle(t, "issue_comment", `{"action":"deleted","issue":{"number":5},"comment":{"id":900},"repository":{"full_name":"acme/widgets"}}`)
	if _, err := f.db.GetComment(ci.CommentID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("comment error = %v, want not found", err)
	}
}

// issue_comment events fire for pull request comments as well; the mapping
// lookup must not be limited to issue-typed mappings.
func TestCommentOnMappedPullRequestIsMirrored(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(t, db.TypePullRequest, 9)

	f.handle(t, "issue_comment", `{"action":"created","issue":{"number":9},"comment":{"id":501,"body":"ship it","user":{"id":55}},"repository":{"full_name":"acme/widgets"}}`)

	ci, err := f.db.GetCommentIntegration(501)
	if err != nil {
		t.Fatalf("get comment mapping: %v", err)
	}
	comment, err := f.db.GetComment(ci.CommentID)
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	if comment.TaskID != task.ID || comment.Content != "ship it" {
		t.Errorf("comment = %+v", comment)
	}
}

func TestCommentFromUnconnectedAccountUsesSystemUser(t *testing.T) {
	f := newFixture(t)
	f.newTask(t, db.TypeIssue, 5)

	f.handle(t, "issue_comment", `{"action":"created","issue":{"number":5},"comment":{"id":901,"body":"drive-by","user":{"id":999}},"repository":{"full_name":"acme/widgets"}}`)

	ci, err := f.db.GetCommentIntegration(901)
	if err != nil {
		t.Fatalf("get comment mapping: %v", err)
	}
	comment, err := f.db.GetComment(ci.CommentID)
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	system, err := f.db.GetUserByUsername(db.SystemUsername)
	if err != nil {
		t.Fatalf("get system user: %v", err)
	}
	if comment.AuthorID != system.ID {
		t.Errorf("author = %q, want system user %q", comment.AuthorID, system.ID)
	}
}

func mustTaskNumber(t *testing.T, f *fixture, taskID string) int64 {
	t.Helper()
	task, err := f.db.GetTask(taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Number
}
