// Package sync implements the user-triggered side of the GitHub
// integration: connecting accounts, discovering installations and
// repositories, binding projects to repositories, and attaching local tasks
// to remote issues and pull requests. Within one operation the credential is
// refreshed and committed before the dependent remote call; independent
// per-installation lookups fan out concurrently and merge.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vernite/vernite/internal/apperror"
	"github.com/vernite/vernite/internal/db"
	"github.com/vernite/vernite/internal/github"
)

// Client is the slice of the GitHub API the service needs for one bearer
// token.
type Client interface {
	GetAuthenticatedUser(ctx context.Context) (github.Account, error)
	ListUserInstallations(ctx context.Context) ([]github.InstallationInfo, error)
	ListInstallationRepositories(ctx context.Context) ([]github.Repository, error)
	ListIssues(ctx context.Context, owner, repo string) ([]github.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (github.Issue, error)
	CreateIssue(ctx context.Context, owner, repo string, issue github.Issue) (github.Issue, error)
	PatchIssue(ctx context.Context, owner, repo string, issue github.Issue) (github.Issue, error)
	ListPullRequests(ctx context.Context, owner, repo string) ([]github.PullRequest, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (github.PullRequest, error)
	PatchPullRequest(ctx context.Context, owner, repo string, pr github.PullRequest) (github.PullRequest, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int) (bool, error)
	ListCollaborators(ctx context.Context, owner, repo string) ([]github.Collaborator, error)
	ListBranches(ctx context.Context, owner, repo string) ([]string, error)
	CreateRelease(ctx context.Context, owner, repo string, release github.Release) (int64, error)
}

// TokenEnsurer validates a credential before use, persisting any renewal.
type TokenEnsurer interface {
	EnsureInstallation(ctx context.Context, inst db.Installation) (db.Installation, error)
	EnsureAuthorization(ctx context.Context, auth db.Authorization) (db.Authorization, error)
}

// CodeExchanger runs the OAuth install/connect flow.
type CodeExchanger interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (github.OAuthToken, error)
}

// Service wires the engine's user-triggered flows together.
type Service struct {
	db        *db.DB
	tokens    TokenEnsurer
	oauth     CodeExchanger
	appID     int64
	newClient func(token string) Client
	logger    *slog.Logger
}

// New creates a Service. newClient builds an API client for a bearer token;
// pass nil to use the real GitHub client.
func New(database *db.DB, tokens TokenEnsurer, oauth CodeExchanger, appID int64, newClient func(token string) Client, logger *slog.Logger) *Service {
	if newClient == nil {
		newClient = func(token string) Client { return github.New(token) }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        database,
		tokens:    tokens,
		oauth:     oauth,
		appID:     appID,
		newClient: newClient,
		logger:    logger,
	}
}

// AuthorizeURL returns the provider URL the user visits to connect an
// account.
func (s *Service) AuthorizeURL(state string) string {
	return s.oauth.AuthorizeURL(state)
}

// CreateAuthorization exchanges the OAuth code, resolves the remote account
// and upserts the Authorization owned by the local user.
func (s *Service) CreateAuthorization(ctx context.Context, userID, code string) (db.Authorization, error) {
	token, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return db.Authorization{}, err
	}
	account, err := s.newClient(token.AccessToken).GetAuthenticatedUser(ctx)
	if err != nil {
		return db.Authorization{}, err
	}
	return s.db.UpsertAuthorization(db.Authorization{
		ID:               account.ID,
		UserID:           userID,
		Login:            account.Login,
		AvatarURL:        account.AvatarURL,
		AccessToken:      token.AccessToken,
		ExpiresAt:        token.ExpiresAt,
		RefreshToken:     token.RefreshToken,
		RefreshExpiresAt: token.RefreshExpiresAt,
		TokenType:        token.TokenType,
		Scope:            token.Scope,
	})
}

// ListAuthorizations returns the user's connected accounts.
func (s *Service) ListAuthorizations(userID string) ([]db.Authorization, error) {
	return s.db.ListAuthorizationsByUser(userID)
}

// DeleteAuthorization removes one of the user's connected accounts.
func (s *Service) DeleteAuthorization(userID string, id int64) error {
	auth, err := s.db.GetAuthorization(id)
	if err != nil {
		return err
	}
	if auth.UserID != userID {
		return apperror.NotFound("authorization", id)
	}
	return s.db.DeleteAuthorization(id)
}

// ListInstallations returns the user's locally known installations.
func (s *Service) ListInstallations(userID string) ([]db.Installation, error) {
	return s.db.ListInstallationsByUser(userID)
}

// DeleteInstallation removes one of the user's installations, cascading its
// integrations and task mappings.
func (s *Service) DeleteInstallation(userID string, id int64) error {
	inst, err := s.db.GetInstallation(id)
	if err != nil {
		return err
	}
	if inst.UserID != userID {
		return apperror.NotFound("installation", id)
	}
	return s.db.DeleteInstallation(id)
}

// SyncInstallations discovers the user's app installations through each
// connected account and upserts the local rows. Discovery across accounts
// runs concurrently; within one account the refresh strictly precedes the
// listing call.
func (s *Service) SyncInstallations(ctx context.Context, userID string) ([]db.Installation, error) {
	auths, err := s.db.ListAuthorizationsByUser(userID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	seen := make(map[int64]bool)

	g, gctx := errgroup.WithContext(ctx)
	for _, auth := range auths {
		g.Go(func() error {
			auth, err := s.tokens.EnsureAuthorization(gctx, auth)
			if err != nil {
				return err
			}
			infos, err := s.newClient(auth.AccessToken).ListUserInstallations(gctx)
			if err != nil {
				return err
			}
			for _, info := range infos {
				if info.AppID != s.appID {
					continue
				}
				mu.Lock()
				dup := seen[info.ID]
				seen[info.ID] = true
				mu.Unlock()
				if dup {
					continue
				}
				if _, err := s.db.UpsertInstallation(db.Installation{
					ID:           info.ID,
					UserID:       userID,
					Suspended:    info.Suspended,
					AccountLogin: info.Account.Login,
					AccountType:  info.Account.Type,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return s.db.ListInstallationsByUser(userID)
}

// ListRepositories returns every repository the user's installations can
// see. Suspended installations are skipped silently. Lookups fan out per
// installation and the results are merged.
func (s *Service) ListRepositories(ctx context.Context, userID string) ([]github.Repository, error) {
	installations, err := s.SyncInstallations(ctx, userID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var all []github.Repository

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range installations {
		if inst.Suspended {
			continue
		}
		g.Go(func() error {
			inst, err := s.tokens.EnsureInstallation(gctx, inst)
			if err != nil {
				return err
			}
			repos, err := s.newClient(inst.Token).ListInstallationRepositories(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, repos...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].FullName < all[j].FullName })
	return all, nil
}

// CreateIntegration binds the project to the repository through the first of
// the user's installations that can see it.
func (s *Service) CreateIntegration(ctx context.Context, userID, projectID, repositoryFullName string) (db.Integration, error) {
	if _, err := s.db.GetProject(projectID); err != nil {
		return db.Integration{}, err
	}

	installations, err := s.SyncInstallations(ctx, userID)
	if err != nil {
		return db.Integration{}, err
	}

	for _, inst := range installations {
		if inst.Suspended {
			continue
		}
		inst, err := s.tokens.EnsureInstallation(ctx, inst)
		if err != nil {
			return db.Integration{}, err
		}
		repos, err := s.newClient(inst.Token).ListInstallationRepositories(ctx)
		if err != nil {
			return db.Integration{}, err
		}
		for _, repo := range repos {
			if repo.FullName == repositoryFullName {
				return s.db.CreateIntegration(db.Integration{
					ProjectID:          projectID,
					InstallationID:     inst.ID,
					RepositoryFullName: repositoryFullName,
				})
			}
		}
	}
	return db.Integration{}, apperror.NotFound("repository", repositoryFullName)
}

// DeleteIntegration tombstones the project's active integration.
func (s *Service) DeleteIntegration(projectID string) error {
	integration, err := s.db.GetIntegrationByProject(projectID)
	if err != nil {
		return err
	}
	return s.db.SoftDeleteIntegration(integration.ID)
}

// integrationClient resolves the project's integration and a client carrying
// a valid installation token. ok is false when the project has no active
// integration or its installation is suspended; both are silent no-ops for
// sync flows.
func (s *Service) integrationClient(ctx context.Context, projectID string) (db.Integration, Client, bool, error) {
	integration, err := s.db.GetIntegrationByProject(projectID)
	if errors.Is(err, apperror.ErrNotFound) {
		return db.Integration{}, nil, false, nil
	}
	if err != nil {
		return db.Integration{}, nil, false, err
	}

	inst, err := s.db.GetInstallation(integration.InstallationID)
	if err != nil {
		return db.Integration{}, nil, false, err
	}
	if inst.Suspended {
		return db.Integration{}, nil, false, nil
	}

	inst, err = s.tokens.EnsureInstallation(ctx, inst)
	if err != nil {
		return db.Integration{}, nil, false, err
	}
	return integration, s.newClient(inst.Token), true, nil
}

// ListProjectIssues lists the integrated repository's issues. Returns empty
// without remote calls when the project has no usable integration.
func (s *Service) ListProjectIssues(ctx context.Context, projectID string) ([]github.Issue, error) {
	integration, client, ok, err := s.integrationClient(ctx, projectID)
	if err != nil || !ok {
		return nil, err
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return nil, err
	}
	return client.ListIssues(ctx, owner, name)
}

// ListProjectPullRequests lists the integrated repository's pull requests.
func (s *Service) ListProjectPullRequests(ctx context.Context, projectID string) ([]github.PullRequest, error) {
	integration, client, ok, err := s.integrationClient(ctx, projectID)
	if err != nil || !ok {
		return nil, err
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return nil, err
	}
	return client.ListPullRequests(ctx, owner, name)
}

// ListProjectBranches lists the integrated repository's branch names.
func (s *Service) ListProjectBranches(ctx context.Context, projectID string) ([]string, error) {
	integration, client, ok, err := s.integrationClient(ctx, projectID)
	if err != nil || !ok {
		return nil, err
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return nil, err
	}
	return client.ListBranches(ctx, owner, name)
}

// AttachIssue binds the task to an existing remote issue, then pushes the
// task's current state out to it.
func (s *Service) AttachIssue(ctx context.Context, taskID string, number int) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	integration, client, ok, err := s.integrationClient(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.NotFound("integration for project", task.ProjectID)
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return err
	}

	if _, err := client.GetIssue(ctx, owner, name, number); err != nil {
		return err
	}
	if err := s.db.CreateTaskIntegration(db.TaskIntegration{
		TaskID:        taskID,
		IntegrationID: integration.ID,
		Type:          db.TypeIssue,
		IssueNumber:   number,
	}); err != nil {
		return err
	}
	return s.PatchTaskIssue(ctx, taskID)
}

// CreateTaskIssue creates a remote issue from the task and binds them.
func (s *Service) CreateTaskIssue(ctx context.Context, taskID string) (github.Issue, error) {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return github.Issue{}, err
	}
	integration, client, ok, err := s.integrationClient(ctx, task.ProjectID)
	if err != nil {
		return github.Issue{}, err
	}
	if !ok {
		return github.Issue{}, apperror.NotFound("integration for project", task.ProjectID)
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return github.Issue{}, err
	}

	assignees, err := s.assigneeLogins(ctx, client, owner, name, task)
	if err != nil {
		return github.Issue{}, err
	}

	created, err := client.CreateIssue(ctx, owner, name, github.Issue{
		Title:     task.Title,
		Body:      task.Description,
		Assignees: assignees,
	})
	if err != nil {
		return github.Issue{}, err
	}

	if err := s.db.CreateTaskIntegration(db.TaskIntegration{
		TaskID:        taskID,
		IntegrationID: integration.ID,
		Type:          db.TypeIssue,
		IssueNumber:   created.Number,
	}); err != nil {
		return github.Issue{}, err
	}
	return created, nil
}

// DetachIssue removes the task↔issue binding, leaving the remote issue
// untouched.
func (s *Service) DetachIssue(taskID string) error {
	return s.detach(taskID, db.TypeIssue)
}

// AttachPullRequest binds the task to an existing remote pull request.
func (s *Service) AttachPullRequest(ctx context.Context, taskID string, number int) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	integration, client, ok, err := s.integrationClient(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.NotFound("integration for project", task.ProjectID)
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return err
	}

	if _, err := client.GetPullRequest(ctx, owner, name, number); err != nil {
		return err
	}
	return s.db.CreateTaskIntegration(db.TaskIntegration{
		TaskID:        taskID,
		IntegrationID: integration.ID,
		Type:          db.TypePullRequest,
		IssueNumber:   number,
	})
}

// DetachPullRequest removes the task↔pull-request binding.
func (s *Service) DetachPullRequest(taskID string) error {
	return s.detach(taskID, db.TypePullRequest)
}

func (s *Service) detach(taskID, typ string) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	integration, err := s.db.GetIntegrationByProject(task.ProjectID)
	if err != nil {
		return err
	}
	return s.db.DeleteTaskIntegration(taskID, integration.ID, typ)
}

// PatchTaskIssue pushes the task's title, description, assignees and
// open/closed state to the mapped remote issue. A task without an issue
// mapping, or on a suspended installation, is a silent no-op.
func (s *Service) PatchTaskIssue(ctx context.Context, taskID string) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	integration, client, ok, err := s.integrationClient(ctx, task.ProjectID)
	if err != nil || !ok {
		return err
	}
	ti, err := s.db.GetTaskIntegration(taskID, integration.ID, db.TypeIssue)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return err
	}

	open, err := s.db.TaskOpen(taskID)
	if err != nil {
		return err
	}
	state := "closed"
	if open {
		state = "open"
	}

	assignees, err := s.assigneeLogins(ctx, client, owner, name, task)
	if err != nil {
		return err
	}

	_, err = client.PatchIssue(ctx, owner, name, github.Issue{
		Number:    ti.IssueNumber,
		State:     state,
		Title:     task.Title,
		Body:      task.Description,
		Assignees: assignees,
	})
	return err
}

// PatchTaskPullRequest pushes the task's state to the mapped pull request.
// A task in the final status merges the pull request and records the merged
// flag; otherwise the title and body are patched.
func (s *Service) PatchTaskPullRequest(ctx context.Context, taskID string) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return err
	}
	integration, client, ok, err := s.integrationClient(ctx, task.ProjectID)
	if err != nil || !ok {
		return err
	}
	ti, err := s.db.GetTaskIntegration(taskID, integration.ID, db.TypePullRequest)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return err
	}

	open, err := s.db.TaskOpen(taskID)
	if err != nil {
		return err
	}

	if !open {
		merged, err := client.MergePullRequest(ctx, owner, name, ti.IssueNumber)
		if err != nil {
			return err
		}
		return s.db.SetTaskIntegrationMerged(taskID, integration.ID, merged)
	}

	_, err = client.PatchPullRequest(ctx, owner, name, github.PullRequest{
		Number: ti.IssueNumber,
		Title:  task.Title,
		Body:   task.Description,
	})
	return err
}

// PublishRelease publishes the project release on the integrated repository
// and returns its remote id.
func (s *Service) PublishRelease(ctx context.Context, projectID string, release github.Release) (int64, error) {
	integration, client, ok, err := s.integrationClient(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, apperror.NotFound("integration for project", projectID)
	}
	owner, name, err := github.SplitFullName(integration.RepositoryFullName)
	if err != nil {
		return 0, err
	}
	return client.CreateRelease(ctx, owner, name, release)
}

// assigneeLogins maps the task's local assignee to remote collaborator
// logins via the assignee's connected accounts.
func (s *Service) assigneeLogins(ctx context.Context, client Client, owner, name string, task db.Task) ([]string, error) {
	if task.AssigneeID == "" {
		return nil, nil
	}
	auths, err := s.db.ListAuthorizationsByUser(task.AssigneeID)
	if err != nil {
		return nil, err
	}
	if len(auths) == 0 {
		return nil, nil
	}
	remoteIDs := make(map[int64]bool, len(auths))
	for _, auth := range auths {
		remoteIDs[auth.ID] = true
	}

	collaborators, err := client.ListCollaborators(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	var logins []string
	for _, c := range collaborators {
		if remoteIDs[c.ID] {
			logins = append(logins, c.Login)
		}
	}
	return logins, nil
}
