package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vernite/vernite/internal/apperror"
	"github.com/vernite/vernite/internal/db"
	"github.com/vernite/vernite/internal/github"
	"github.com/vernite/vernite/internal/sync"
	"github.com/vernite/vernite/internal/webhook"
)

// userHeader carries the authenticated local user id. Session handling lives
// in front of this service; the engine only needs the resolved id.
const userHeader = "X-Vernite-User"

const maxWebhookBody = 5 << 20

type webhookHandler struct {
	secret     string
	dispatcher Dispatcher
	logger     *slog.Logger
}

// handleDelivery authenticates and applies one provider delivery. The body
// is read raw before any parsing so the signature covers exactly the bytes
// received.
func (h *webhookHandler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading delivery body")
		return
	}

	if err := webhook.Verify(h.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if err := h.dispatcher.HandleEvent(r.Context(), eventType, body); err != nil {
		h.logger.Error("webhook delivery failed", "event", eventType, "error", err)
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type apiHandler struct {
	sync   *sync.Service
	logger *slog.Logger
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, apperror.Status(err), err.Error())
}

// userID resolves the request's local user, writing a 401 when absent.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return "", false
	}
	return id, true
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func (h *apiHandler) handleAuthorizeURL(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": h.sync.AuthorizeURL(user)})
}

func (h *apiHandler) handleCreateAuthorization(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	auth, err := h.sync.CreateAuthorization(r.Context(), user, req.Code)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, authorizationResponse(auth))
}

func (h *apiHandler) handleListAuthorizations(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	auths, err := h.sync.ListAuthorizations(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(auths))
	for _, a := range auths {
		out = append(out, authorizationResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *apiHandler) handleDeleteAuthorization(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if err := h.sync.DeleteAuthorization(user, id); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	installations, err := h.sync.SyncInstallations(r.Context(), user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(installations))
	for _, inst := range installations {
		out = append(out, map[string]any{
			"id":            inst.ID,
			"account_login": inst.AccountLogin,
			"account_type":  inst.AccountType,
			"suspended":     inst.Suspended,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *apiHandler) handleDeleteInstallation(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if err := h.sync.DeleteInstallation(user, id); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	repos, err := h.sync.ListRepositories(r.Context(), user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if repos == nil {
		repos = []github.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h *apiHandler) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Repository string `json:"repository"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Repository == "" {
		writeError(w, http.StatusBadRequest, "missing repository")
		return
	}
	integration, err := h.sync.CreateIntegration(r.Context(), user, r.PathValue("id"), req.Repository)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         integration.ID,
		"project_id": integration.ProjectID,
		"repository": integration.RepositoryFullName,
	})
}

func (h *apiHandler) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	if err := h.sync.DeleteIntegration(r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	issues, err := h.sync.ListProjectIssues(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if issues == nil {
		issues = []github.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (h *apiHandler) handleListPullRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	pulls, err := h.sync.ListProjectPullRequests(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if pulls == nil {
		pulls = []github.PullRequest{}
	}
	writeJSON(w, http.StatusOK, pulls)
}

func (h *apiHandler) handleListBranches(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	branches, err := h.sync.ListProjectBranches(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, branches)
}

func (h *apiHandler) handlePublishRelease(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	var req struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name"`
		Body    string `json:"body"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TagName == "" {
		writeError(w, http.StatusBadRequest, "missing tag_name")
		return
	}
	id, err := h.sync.PublishRelease(r.Context(), r.PathValue("id"), github.Release{
		TagName: req.TagName,
		Name:    req.Name,
		Body:    req.Body,
		Branch:  req.Branch,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// handleAttachIssue attaches the task to an existing issue when a number is
// given, or creates a fresh remote issue from the task when it is omitted.
func (h *apiHandler) handleAttachIssue(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	var req struct {
		Number int `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	taskID := r.PathValue("id")

	if req.Number == 0 {
		issue, err := h.sync.CreateTaskIssue(r.Context(), taskID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, issue)
		return
	}
	if err := h.sync.AttachIssue(r.Context(), taskID, req.Number); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"number": req.Number})
}

func (h *apiHandler) handleDetachIssue(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	if err := h.sync.DetachIssue(r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleAttachPullRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	var req struct {
		Number int `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == 0 {
		writeError(w, http.StatusBadRequest, "missing number")
		return
	}
	if err := h.sync.AttachPullRequest(r.Context(), r.PathValue("id"), req.Number); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"number": req.Number})
}

func (h *apiHandler) handleDetachPullRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}
	if err := h.sync.DetachPullRequest(r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizationResponse hides credential fields; only account identity
// leaves the service.
func authorizationResponse(a db.Authorization) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"login":      a.Login,
		"avatar_url": a.AvatarURL,
	}
}
