package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"protracker/board"
	"protracker/domain"
	"protracker/remote"
	"protracker/storage"
	"protracker/visibility"
)

type stubAuth map[string]Actor

func (a stubAuth) ActorFromAuthHeader(h string) (Actor, error) {
	actor, ok := a[h]
	if !ok {
		return Actor{}, errMissingAuthorization
	}
	return actor, nil
}

var testActors = stubAuth{
	"Bearer admin": {User: domain.User{ID: "u1", Role: domain.RoleAdmin, Company: "Acme", Department: "Design"}, Token: "admin"},
	"Bearer peer":  {User: domain.User{ID: "u2", Role: domain.RoleAdmin, Company: "Acme", Department: "Design"}, Token: "peer"},
	"Bearer user":  {User: domain.User{ID: "u3", Role: domain.RoleUser, Company: "Acme", Department: "Design"}, Token: "user"},
	"Bearer guest": {User: domain.User{ID: "u4", Role: domain.RoleExternal, AccessibleProjects: []string{"P2"}}, Token: "guest"},
	"Bearer root":  {User: domain.User{ID: "u5", Role: domain.RoleSuperadmin}, Token: "root"},
	"Bearer brand": {User: domain.User{ID: "u6", Role: domain.RoleExternal, AccessibleBrands: []string{"B1"}}, Token: "brand"},
}

// fakeBackend answers "tasks" and "my-tasks" with every task it holds.
type fakeBackend struct {
	mu      sync.Mutex
	tasks   []domain.Task
	fetches int
	update  func(ctx context.Context, taskID string, status domain.Status) error
}

func newFakeBackend(tasks ...domain.Task) *fakeBackend {
	return &fakeBackend{tasks: tasks}
}

func (f *fakeBackend) FetchView(_ context.Context, key board.ViewKey) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	switch key {
	case "tasks", "my-tasks":
		return append([]domain.Task(nil), f.tasks...), nil
	}
	return nil, storage.ErrUnsupportedView
}

func (f *fakeBackend) UpdateStatus(ctx context.Context, taskID string, status domain.Status) error {
	if f.update != nil {
		if err := f.update(ctx, taskID, status); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := domain.IndexOf(f.tasks, taskID)
	if i < 0 {
		return storage.ErrTaskNotFound
	}
	f.tasks[i].Status = status
	return nil
}

func (f *fakeBackend) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type stubExtras struct {
	mu      sync.Mutex
	emails  []remote.TasksEmail
	invites []remote.Invite
}

func (s *stubExtras) SendTasksEmail(_ context.Context, req remote.TasksEmail) (remote.EmailReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, req)
	return remote.EmailReport{TasksCount: 2, Accepted: req.To}, nil
}

func (s *stubExtras) Invite(_ context.Context, inv remote.Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites = append(s.invites, inv)
	return nil
}

type testGateway struct {
	e        *echo.Echo
	sessions *Sessions
	backend  *fakeBackend
	extras   *stubExtras
}

func newTestGateway(t *testing.T, backend *fakeBackend, opts ...GatewayOption) *testGateway {
	t.Helper()
	return newTestGatewayWith(t, backend, nil, opts...)
}

// newTestGatewayWith lets a test adjust every session's backing.
func newTestGatewayWith(t *testing.T, backend *fakeBackend, adjust func(*Backing), opts ...GatewayOption) *testGateway {
	t.Helper()
	logger, _ := test.NewNullLogger()
	extras := &stubExtras{}
	sessions := NewSessions(func(actor Actor, _ visibility.Filter) (Backing, error) {
		b := Backing{Backend: backend, Mailer: extras, Inviter: extras}
		if adjust != nil {
			adjust(&b)
		}
		return b, nil
	}, SessionOptions{Timeout: time.Second, StreamBuffer: 8}, logger)
	t.Cleanup(sessions.Close)

	e := echo.New()
	Register(e, sessions, testActors, logger, opts...)
	return &testGateway{e: e, sessions: sessions, backend: backend, extras: extras}
}

func (g *testGateway) do(t *testing.T, method, target, auth, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+auth)
	}
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	g.e.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) viewResponse {
	t.Helper()
	var resp viewResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode view: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func seedTasks() []domain.Task {
	return []domain.Task{
		{ID: "t1", Title: "Brief", ProjectID: "P1", Status: domain.StatusYetToStart, AssignedTo: domain.AssigneeRef("u3")},
		{ID: "t2", Title: "Mockups", ProjectID: "P2", Status: domain.StatusInProgress, AssignedTo: domain.AssigneeRef("u1")},
	}
}

func TestGetViewLoadsOnceAndServesFromStore(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))

	rec := g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeView(t, rec); resp.Key != "my-tasks" || len(resp.Tasks) != 2 {
		t.Fatalf("unexpected view: %+v", resp)
	}

	_ = g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")
	if got := g.backend.Fetches(); got != 1 {
		t.Fatalf("expected the second read to be served from the store, fetches=%d", got)
	}

	_ = g.do(t, http.MethodGet, "/api/views/my-tasks?refresh=true", "admin", "")
	if got := g.backend.Fetches(); got != 2 {
		t.Fatalf("expected a forced refetch, fetches=%d", got)
	}
}

func TestGetViewErrors(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))

	if rec := g.do(t, http.MethodGet, "/api/views/my-tasks", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := g.do(t, http.MethodGet, "/api/views/tasks/assigned-by-me", "admin", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unsupported view, got %d", rec.Code)
	}
}

func TestGetViewAppliesRoleScope(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))

	resp := decodeView(t, g.do(t, http.MethodGet, "/api/views/tasks", "user", ""))
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("user must only see own tasks, got %+v", resp.Tasks)
	}

	resp = decodeView(t, g.do(t, http.MethodGet, "/api/views/tasks", "guest", ""))
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t2" {
		t.Fatalf("external must only see accessible projects, got %+v", resp.Tasks)
	}

	resp = decodeView(t, g.do(t, http.MethodGet, "/api/views/tasks?projectIds=P1", "guest", ""))
	if len(resp.Tasks) != 0 {
		t.Fatalf("narrowing must never widen access, got %+v", resp.Tasks)
	}

	resp = decodeView(t, g.do(t, http.MethodGet, "/api/views/tasks?projectIds=P1,P9", "admin", ""))
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("admin narrowing by project failed, got %+v", resp.Tasks)
	}
}

type stubProjects map[string]domain.Project

func (p stubProjects) Projects(context.Context) (map[string]domain.Project, error) {
	return p, nil
}

func brandProjects() stubProjects {
	return stubProjects{
		"P1": {ID: "P1", BrandID: "B1", Company: "Acme", Department: "Design"},
		"P2": {ID: "P2", BrandID: "B2", Company: "Globex", Department: "Ops"},
	}
}

// stubQuery stands in for a backend that filters on the server by brand.
type stubQuery struct {
	mu       sync.Mutex
	projects stubProjects
	tasks    []domain.Task
	filters  []visibility.Filter
}

func (q *stubQuery) FetchFiltered(_ context.Context, _ board.ViewKey, f visibility.Filter) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.filters = append(q.filters, f)
	return f.FilterTasks(q.tasks, q.projects), nil
}

func TestBrandNarrowingOnServerFilteredBacking(t *testing.T) {
	backend := newFakeBackend(seedTasks()...)
	query := &stubQuery{projects: brandProjects(), tasks: seedTasks()}
	g := newTestGatewayWith(t, backend, func(b *Backing) {
		b.ServerFiltered = true
		b.Query = query
	})

	rec := g.do(t, http.MethodGet, "/api/views/tasks?brandIds=B1", "root", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeView(t, rec)
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("expected the brand's task, got %+v", resp.Tasks)
	}

	query.mu.Lock()
	defer query.mu.Unlock()
	if len(query.filters) != 1 {
		t.Fatalf("expected one narrowed fetch, got %d", len(query.filters))
	}
	if f := query.filters[0]; !f.BrandsRestricted || len(f.BrandIDs) != 1 || f.BrandIDs[0] != "B1" {
		t.Fatalf("narrowing was not sent to the server: %+v", f)
	}
}

func TestBrandScopeOnLocalBacking(t *testing.T) {
	backend := newFakeBackend(seedTasks()...)
	g := newTestGatewayWith(t, backend, func(b *Backing) { b.Projects = brandProjects() })

	resp := decodeView(t, g.do(t, http.MethodGet, "/api/views/tasks", "brand", ""))
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("brand access must show the brand's tasks, got %+v", resp.Tasks)
	}

	resp = decodeView(t, g.do(t, http.MethodGet, "/api/views/tasks?brandIds=B2", "root", ""))
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t2" {
		t.Fatalf("superadmin brand narrowing failed, got %+v", resp.Tasks)
	}

	resp = decodeView(t, g.do(t, http.MethodGet, "/api/views/tasks", "admin", ""))
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("admin must be pinned to their company, got %+v", resp.Tasks)
	}

	rec := g.do(t, http.MethodGet, "/api/dashboard/stats", "brand", "")
	var stats domain.DashboardStats
	if err := sonic.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalTasks != 1 || stats.TotalProjects != 1 {
		t.Fatalf("stats must follow the brand scope: %+v", stats)
	}
}

func TestBrandNarrowingWithoutProjects(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))

	rec := g.do(t, http.MethodGet, "/api/views/tasks?brandIds=B1", "root", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOutOfScopeTaskCannotTransition(t *testing.T) {
	backend := newFakeBackend(seedTasks()...)
	g := newTestGateway(t, backend)
	_ = g.do(t, http.MethodGet, "/api/views/tasks", "guest", "")

	rec := g.do(t, http.MethodPost, "/api/tasks/t1/status?wait=true", "guest", `{"status":"completed"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a task outside the guest's projects, got %d: %s", rec.Code, rec.Body.String())
	}
	backend.mu.Lock()
	status := backend.tasks[0].Status
	backend.mu.Unlock()
	if status != domain.StatusYetToStart {
		t.Fatalf("backend must not be touched, t1 is %s", status)
	}

	rec = g.do(t, http.MethodPost, "/api/tasks/t2/status?wait=true", "guest", `{"status":"completed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the guest's own project task to move, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostStatusAppliesBeforeCommit(t *testing.T) {
	backend := newFakeBackend(seedTasks()...)
	release := make(chan struct{})
	backend.update = func(ctx context.Context, _ string, _ domain.Status) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g := newTestGateway(t, backend)
	_ = g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")

	rec := g.do(t, http.MethodPost, "/api/tasks/t1/status", "admin", `{"status":"completed"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted acceptedResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.TaskID != "t1" || accepted.Status != domain.StatusCompleted || accepted.Pending != 1 {
		t.Fatalf("unexpected accepted response: %+v", accepted)
	}

	resp := decodeView(t, g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", ""))
	if resp.Tasks[domain.IndexOf(resp.Tasks, "t1")].Status != domain.StatusCompleted {
		t.Fatalf("expected optimistic status to be visible before the commit")
	}
	close(release)
}

func TestPostStatusWaitReportsRollback(t *testing.T) {
	backend := newFakeBackend(seedTasks()...)
	backend.update = func(context.Context, string, domain.Status) error {
		return &domain.RemoteError{StatusCode: http.StatusForbidden, Message: "Forbidden"}
	}
	g := newTestGateway(t, backend)
	_ = g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")

	rec := g.do(t, http.MethodPost, "/api/tasks/t1/status?wait=true", "admin", `{"status":"completed"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	var res resultEvent
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.OK || res.Message != "Forbidden" || res.TaskID != "t1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	resp := decodeView(t, g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", ""))
	if resp.Tasks[domain.IndexOf(resp.Tasks, "t1")].Status != domain.StatusYetToStart {
		t.Fatalf("expected rollback to the original status")
	}
}

func TestPostStatusWaitSuccess(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))
	_ = g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")

	rec := g.do(t, http.MethodPost, "/api/tasks/t1/status?wait=true", "admin", `{"status":"on-hold"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res resultEvent
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK || res.Status != string(domain.StatusOnHold) || len(res.Invalidated) == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = g.do(t, http.MethodPost, "/api/tasks/t1/status?wait=true", "admin", `{"status":"on-hold"}`)
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || !res.NoOp {
		t.Fatalf("expected a no-op for an unchanged status, got %d %+v", rec.Code, res)
	}
}

func TestPostStatusValidation(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))

	if rec := g.do(t, http.MethodPost, "/api/tasks/t1/status", "admin", `{"status":"completed"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any view holds the task, got %d", rec.Code)
	}
	_ = g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")

	cases := map[string]string{
		"unknown status": `{"status":"done"}`,
		"unknown field":  `{"status":"completed","extra":1}`,
		"not json":       `status=completed`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if rec := g.do(t, http.MethodPost, "/api/tasks/t1/status", "admin", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestPostStatusIdempotencyKey(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := newFakeBackend(seedTasks()...)
	var fail bool
	var mu sync.Mutex
	backend.update = func(context.Context, string, domain.Status) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("backend unavailable")
		}
		return nil
	}
	g := newTestGateway(t, backend, WithDeduper(NewRedisDeduper(client, time.Minute)))
	_ = g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")

	first := g.do(t, http.MethodPost, "/api/tasks/t1/status?wait=true", "admin", `{"status":"completed"}`, idempotencyHeader, "k1")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	dup := g.do(t, http.MethodPost, "/api/tasks/t1/status?wait=true", "admin", `{"status":"completed"}`, idempotencyHeader, "k1")
	if dup.Code != http.StatusConflict {
		t.Fatalf("expected duplicate to be rejected, got %d", dup.Code)
	}

	mu.Lock()
	fail = true
	mu.Unlock()
	failed := g.do(t, http.MethodPost, "/api/tasks/t1/status?wait=true", "admin", `{"status":"on-hold"}`, idempotencyHeader, "k2")
	if failed.Code != http.StatusInternalServerError {
		t.Fatalf("expected failure, got %d", failed.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Exists("u1:transition:k2") {
		if time.Now().After(deadline) {
			t.Fatalf("failed request must release its idempotency key")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !m.Exists("u1:transition:k1") {
		t.Fatalf("successful request must keep its idempotency key")
	}
}

func TestInvite(t *testing.T) {
	g := newTestGateway(t, newFakeBackend())

	body := `{"email":"guest@example.com","targetType":"project","targetId":"P2"}`
	if rec := g.do(t, http.MethodPost, "/api/auth/invite", "user", body); rec.Code != http.StatusForbidden {
		t.Fatalf("expected users to be forbidden, got %d", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, "/api/auth/invite", "admin", `{"email":"nope","targetType":"project","targetId":"P2"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad email to be rejected, got %d", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, "/api/auth/invite", "admin", `{"email":"a@b.c","targetType":"team","targetId":"T"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad target type to be rejected, got %d", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, "/api/auth/invite", "admin", body); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.extras.invites) != 1 || g.extras.invites[0].TargetID != "P2" {
		t.Fatalf("unexpected invites: %+v", g.extras.invites)
	}
}

func TestSendEmailPinsDepartment(t *testing.T) {
	g := newTestGateway(t, newFakeBackend())

	rec := g.do(t, http.MethodPost, "/api/tasks/send-email", "admin", `{"to":["lead@example.com"],"department":"Finance"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.extras.emails) != 1 || g.extras.emails[0].Department != "Design" {
		t.Fatalf("department must be pinned for admins: %+v", g.extras.emails)
	}
	if rec := g.do(t, http.MethodPost, "/api/tasks/send-email", "guest", `{"to":["x@example.com"]}`); rec.Code != http.StatusForbidden {
		t.Fatalf("expected externals to be forbidden, got %d", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, "/api/tasks/send-email", "admin", `{"to":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing recipients to be rejected, got %d", rec.Code)
	}
}

func TestDashboardStatsFromTasksView(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))

	rec := g.do(t, http.MethodGet, "/api/dashboard/stats", "admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats domain.DashboardStats
	if err := sonic.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalTasks != 2 || stats.TotalProjects != 2 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.TasksByStatus[domain.StatusYetToStart] != 1 || stats.TasksByStatus[domain.StatusInProgress] != 1 {
		t.Fatalf("unexpected counts: %+v", stats.TasksByStatus)
	}
	if _, ok := stats.TasksByStatus[domain.StatusCancelled]; !ok {
		t.Fatalf("every status must be present")
	}
}

func TestLogoutEndsSession(t *testing.T) {
	g := newTestGateway(t, newFakeBackend(seedTasks()...))
	_ = g.do(t, http.MethodGet, "/api/views/my-tasks", "admin", "")
	if g.sessions.Len() != 1 {
		t.Fatalf("expected one session")
	}
	if rec := g.do(t, http.MethodPost, "/api/logout", "admin", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if g.sessions.Len() != 0 {
		t.Fatalf("expected the session to be gone")
	}
}

func TestHealthz(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sessions := NewSessions(func(Actor, visibility.Filter) (Backing, error) { return Backing{}, nil }, SessionOptions{}, logger)
	t.Cleanup(sessions.Close)

	var healthy = true
	e := echo.New()
	Register(e, sessions, testActors, logger, WithHealthCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("db down")
	}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning, got %+v", entry)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: domain.ErrInvalidStatus, want: http.StatusBadRequest},
		{err: board.ErrUnknownTask, want: http.StatusNotFound},
		{err: storage.ErrUnsupportedView, want: http.StatusNotFound},
		{err: remote.ErrUnsupportedView, want: http.StatusNotFound},
		{err: storage.ErrNoOwner, want: http.StatusUnauthorized},
		{err: board.ErrClosed, want: http.StatusServiceUnavailable},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: &board.TransitionError{Message: "Forbidden", Err: &domain.RemoteError{StatusCode: 403, Message: "Forbidden"}}, want: http.StatusForbidden},
		{err: &domain.RemoteError{StatusCode: 500}, want: http.StatusBadGateway},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
