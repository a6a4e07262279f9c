// Package github is the typed client for the GitHub REST API used by the
// integration engine. It wraps go-github, converts resources to engine
// structs, and reports every non-2xx or transport failure as an external
// API error tagged with the provider name. The client performs no retries;
// retry policy belongs to the caller.
package github

import (
	"context"
	"fmt"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/vernite/vernite/internal/apperror"
)

// Provider is the provider tag carried by external API errors.
const Provider = "github"

// Repository is a remote repository visible to an installation.
type Repository struct {
	ID       int64
	Name     string
	FullName string
	HTMLURL  string
	Private  bool
}

// Issue is a remote issue.
type Issue struct {
	Number      int
	HTMLURL     string
	State       string
	Title       string
	Body        string
	Assignees   []string
	PullRequest bool
}

// PullRequest is a remote pull request.
type PullRequest struct {
	Number  int
	HTMLURL string
	State   string
	Title   string
	Body    string
	Merged  bool
}

// Account is a remote user or organization account.
type Account struct {
	ID        int64
	Login     string
	AvatarURL string
	Type      string
}

// InstallationInfo describes an app installation as reported by the
// provider.
type InstallationInfo struct {
	ID        int64
	AppID     int64
	Account   Account
	Suspended bool
}

// Collaborator is a repository collaborator.
type Collaborator struct {
	ID    int64
	Login string
}

// Release is the request to publish a repository release.
type Release struct {
	TagName string
	Name    string
	Body    string
	Branch  string
}

// Client is a stateless, typed wrapper over the provider's REST endpoints.
// Each Client is bound to one bearer token; construct a fresh one after a
// token refresh.
type Client struct {
	gh *gh.Client
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL string
}

// WithBaseURL overrides the GitHub API base URL (mock servers in tests).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// New creates a client authenticated with the given bearer token.
func New(token string, opts ...Option) *Client {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	client := gh.NewClient(nil).WithAuthToken(token)
	if cfg.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}
	return &Client{gh: client}
}

// GetAuthenticatedUser returns the account the token belongs to.
func (c *Client) GetAuthenticatedUser(ctx context.Context) (Account, error) {
	u, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return Account{}, externalErr("getting authenticated user", err)
	}
	return accountFromGH(u), nil
}

// ListUserInstallations returns the app installations accessible to the
// token's user.
func (c *Client) ListUserInstallations(ctx context.Context) ([]InstallationInfo, error) {
	var all []InstallationInfo
	opts := &gh.ListOptions{PerPage: 100}
	for {
		installations, resp, err := c.gh.Apps.ListUserInstallations(ctx, opts)
		if err != nil {
			return nil, externalErr("listing user installations", err)
		}
		for _, inst := range installations {
			info := InstallationInfo{
				ID:        inst.GetID(),
				AppID:     inst.GetAppID(),
				Suspended: inst.SuspendedAt != nil,
			}
			if inst.Account != nil {
				info.Account = accountFromGH(inst.Account)
			}
			all = append(all, info)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ListInstallationRepositories returns the repositories the installation
// token grants access to.
func (c *Client) ListInstallationRepositories(ctx context.Context) ([]Repository, error) {
	var all []Repository
	opts := &gh.ListOptions{PerPage: 100}
	for {
		result, resp, err := c.gh.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, externalErr("listing installation repositories", err)
		}
		for _, r := range result.Repositories {
			all = append(all, repositoryFromGH(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ListIssues returns the repository's issues.
func (c *Client) ListIssues(ctx context.Context, owner, repo string) ([]Issue, error) {
	var all []Issue
	opts := &gh.IssueListByRepoOptions{
		State:       "all",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, externalErr("listing issues", err)
		}
		for _, i := range issues {
			all = append(all, issueFromGH(i))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetIssue returns a single issue.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return Issue{}, externalErr("getting issue", err)
	}
	return issueFromGH(issue), nil
}

// CreateIssue creates a new issue.
func (c *Client) CreateIssue(ctx context.Context, owner, repo string, issue Issue) (Issue, error) {
	created, _, err := c.gh.Issues.Create(ctx, owner, repo, &gh.IssueRequest{
		Title:     gh.Ptr(issue.Title),
		Body:      gh.Ptr(issue.Body),
		Assignees: &issue.Assignees,
	})
	if err != nil {
		return Issue{}, externalErr("creating issue", err)
	}
	return issueFromGH(created), nil
}

// PatchIssue updates an issue's title, body, state and assignees.
func (c *Client) PatchIssue(ctx context.Context, owner, repo string, issue Issue) (Issue, error) {
	req := &gh.IssueRequest{
		Title:     gh.Ptr(issue.Title),
		Body:      gh.Ptr(issue.Body),
		Assignees: &issue.Assignees,
	}
	if issue.State != "" {
		req.State = gh.Ptr(issue.State)
	}
	patched, _, err := c.gh.Issues.Edit(ctx, owner, repo, issue.Number, req)
	if err != nil {
		return Issue{}, externalErr("patching issue", err)
	}
	return issueFromGH(patched), nil
}

// ListPullRequests returns the repository's pull requests.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error) {
	var all []PullRequest
	opts := &gh.PullRequestListOptions{
		State:       "all",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		pulls, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, externalErr("listing pull requests", err)
		}
		for _, p := range pulls {
			all = append(all, pullRequestFromGH(p))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetPullRequest returns a single pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return PullRequest{}, externalErr("getting pull request", err)
	}
	return pullRequestFromGH(pr), nil
}

// PatchPullRequest updates a pull request's title and body.
func (c *Client) PatchPullRequest(ctx context.Context, owner, repo string, pr PullRequest) (PullRequest, error) {
	patched, _, err := c.gh.PullRequests.Edit(ctx, owner, repo, pr.Number, &gh.PullRequest{
		Title: gh.Ptr(pr.Title),
		Body:  gh.Ptr(pr.Body),
	})
	if err != nil {
		return PullRequest{}, externalErr("patching pull request", err)
	}
	return pullRequestFromGH(patched), nil
}

// MergePullRequest merges the pull request and reports whether the merge
// happened.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int) (bool, error) {
	result, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", nil)
	if err != nil {
		return false, externalErr("merging pull request", err)
	}
	return result.GetMerged(), nil
}

// ListCollaborators returns the repository's collaborators.
func (c *Client) ListCollaborators(ctx context.Context, owner, repo string) ([]Collaborator, error) {
	var all []Collaborator
	opts := &gh.ListCollaboratorsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		users, resp, err := c.gh.Repositories.ListCollaborators(ctx, owner, repo, opts)
		if err != nil {
			return nil, externalErr("listing collaborators", err)
		}
		for _, u := range users {
			all = append(all, Collaborator{ID: u.GetID(), Login: u.GetLogin()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ListBranches returns the repository's branch names.
func (c *Client) ListBranches(ctx context.Context, owner, repo string) ([]string, error) {
	var all []string
	opts := &gh.BranchListOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		branches, resp, err := c.gh.Repositories.ListBranches(ctx, owner, repo, opts)
		if err != nil {
			return nil, externalErr("listing branches", err)
		}
		for _, b := range branches {
			all = append(all, b.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CreateRelease publishes a release and returns its remote id.
func (c *Client) CreateRelease(ctx context.Context, owner, repo string, release Release) (int64, error) {
	req := &gh.RepositoryRelease{
		TagName: gh.Ptr(release.TagName),
		Name:    gh.Ptr(release.Name),
		Body:    gh.Ptr(release.Body),
	}
	if release.Branch != "" {
		req.TargetCommitish = gh.Ptr(release.Branch)
	}
	created, _, err := c.gh.Repositories.CreateRelease(ctx, owner, repo, req)
	if err != nil {
		return 0, externalErr("creating release", err)
	}
	return created.GetID(), nil
}

// SplitFullName splits an "owner/name" repository identifier.
func SplitFullName(fullName string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("malformed repository full name %q", fullName)
	}
	return owner, name, nil
}

func externalErr(op string, err error) error {
	return apperror.ExternalAPI(Provider, fmt.Errorf("%s: %w", op, err))
}

func accountFromGH(u *gh.User) Account {
	return Account{
		ID:        u.GetID(),
		Login:     u.GetLogin(),
		AvatarURL: u.GetAvatarURL(),
		Type:      u.GetType(),
	}
}

func repositoryFromGH(r *gh.Repository) Repository {
	return Repository{
		ID:       r.GetID(),
		Name:     r.GetName(),
		FullName: r.GetFullName(),
		HTMLURL:  r.GetHTMLURL(),
		Private:  r.GetPrivate(),
	}
}

func issueFromGH(i *gh.Issue) Issue {
	issue := Issue{
		Number:      i.GetNumber(),
		HTMLURL:     i.GetHTMLURL(),
		State:       i.GetState(),
		Title:       i.GetTitle(),
		Body:        i.GetBody(),
		PullRequest: i.PullRequestLinks != nil,
	}
	for _, a := range i.Assignees {
		issue.Assignees = append(issue.Assignees, a.GetLogin())
	}
	return issue
}

func pullRequestFromGH(p *gh.PullRequest) PullRequest {
	return PullRequest{
		Number:  p.GetNumber(),
		HTMLURL: p.GetHTMLURL(),
		State:   p.GetState(),
		Title:   p.GetTitle(),
		Body:    p.GetBody(),
		Merged:  p.GetMerged(),
	}
}

// tokenExpiryFallback is used when the provider omits an expiry; app tokens
// normally live one hour.
const tokenExpiryFallback = time.Hour
