// Package api is the board gateway: it keeps a task store and transition
// manager per signed-in user and exposes them over HTTP and SSE.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"protracker/board"
	"protracker/domain"
	"protracker/remote"
	"protracker/storage"
	"protracker/visibility"
)

const (
	maxBodySize       = 64 << 10
	idempotencyHeader = "Idempotency-Key"
	streamKeepAlive   = 15 * time.Second
	healthTimeout     = 2 * time.Second
)

var ErrForbidden = errors.New("forbidden")

// Gateway holds the handlers' shared dependencies.
type Gateway struct {
	sessions  *Sessions
	auth      Authenticator
	deduper   Deduper
	logger    *log.Logger
	checks    []func(context.Context) error
	keepAlive time.Duration
}

type GatewayOption func(*Gateway)

// WithDeduper enables Idempotency-Key handling on status changes.
func WithDeduper(d Deduper) GatewayOption {
	return func(g *Gateway) { g.deduper = d }
}

// WithHealthCheck adds a dependency probe to /healthz.
func WithHealthCheck(fn func(context.Context) error) GatewayOption {
	return func(g *Gateway) {
		if fn != nil {
			g.checks = append(g.checks, fn)
		}
	}
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, sessions *Sessions, auth Authenticator, logger *log.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	g := &Gateway{sessions: sessions, auth: auth, logger: logger, keepAlive: streamKeepAlive}
	for _, opt := range opts {
		opt(g)
	}

	e.GET("/healthz", g.healthz)
	grp := e.Group("/api")
	grp.GET("/views/*", g.getView)
	grp.POST("/tasks/:id/status", g.postStatus)
	grp.POST("/tasks/send-email", g.sendEmail)
	grp.POST("/auth/invite", g.invite)
	grp.GET("/dashboard/stats", g.dashboardStats)
	grp.GET("/stream", g.stream)
	grp.POST("/logout", g.logout)
	return g
}

func (g *Gateway) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	for _, check := range g.checks {
		if err := check(ctx); err != nil {
			g.logger.WithError(err).Warn("health check failed")
			return c.String(http.StatusServiceUnavailable, "unhealthy")
		}
	}
	return c.NoContent(http.StatusOK)
}

// session authenticates the request and returns the caller's session.
func (g *Gateway) session(header string) (*session, int, error) {
	actor, err := g.auth.ActorFromAuthHeader(header)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}
	s, err := g.sessions.Get(actor)
	if err != nil {
		return nil, statusFor(err), err
	}
	return s, 0, nil
}

type viewResponse struct {
	Key   board.ViewKey `json:"key"`
	Tasks []domain.Task `json:"tasks"`
	Stale bool          `json:"stale,omitempty"`
}

func (g *Gateway) getView(c echo.Context) error {
	s, code, err := g.session(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.String(code, err.Error())
	}
	key := board.ViewKey(strings.Trim(c.Param("*"), "/"))
	if key == "" {
		return c.String(http.StatusBadRequest, "missing view key")
	}
	force, _ := strconv.ParseBool(c.QueryParam("refresh"))
	ctx := c.Request().Context()

	narrow := narrowingFromQuery(c)
	filter, err := visibility.Gate(s.scope, narrow)
	if err != nil {
		return c.String(statusFor(err), err.Error())
	}
	if len(filter.Ignored) > 0 {
		g.logger.WithFields(log.Fields{"user": s.actor.User.ID, "ignored": filter.Ignored}).Debug("narrowing not permitted for role")
	}
	narrowed := !narrowingEmpty(narrow)
	serverNarrowed := narrowed && s.backing.ServerFiltered && s.backing.Query != nil
	if narrowed && len(narrow.BrandIDs) > 0 && !serverNarrowed && s.backing.Projects == nil {
		return c.String(http.StatusBadRequest, ErrBrandFilterUnsupported.Error())
	}

	tasks, err := g.loadView(ctx, s, key, force)
	if err != nil {
		return c.String(statusFor(err), err.Error())
	}
	switch {
	case serverNarrowed:
		// The server decides membership; the store supplies current state.
		matched, err := s.backing.Query.FetchFiltered(ctx, key, filter)
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		tasks = keepIDs(tasks, matched)
	case narrowed:
		if tasks, err = scopeTasks(ctx, filter, s.backing.Projects, tasks); err != nil {
			return c.String(statusFor(err), err.Error())
		}
	}
	return c.JSON(http.StatusOK, viewResponse{Key: key, Tasks: tasks, Stale: s.store.Stale(key)})
}

func keepIDs(tasks, matched []domain.Task) []domain.Task {
	ids := make(map[string]struct{}, len(matched))
	for _, t := range matched {
		ids[t.ID] = struct{}{}
	}
	out := make([]domain.Task, 0, len(matched))
	for _, t := range tasks {
		if _, ok := ids[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// loadView serves key from the session store, fetching it when missing,
// stale or forced. A stale copy is served when the refetch fails.
func (g *Gateway) loadView(ctx context.Context, s *session, key board.ViewKey, force bool) ([]domain.Task, error) {
	tasks, ok := s.store.Get(key)
	if ok && !force && !s.store.Stale(key) {
		return tasks, nil
	}
	err := s.store.Refresh(ctx, key)
	if err != nil && !errors.Is(err, board.ErrRefreshSuperseded) {
		if !ok {
			return nil, err
		}
		g.logger.WithError(err).WithField("view", string(key)).Warn("serving stale view")
	}
	if tasks, ok = s.store.Get(key); !ok {
		return nil, fmt.Errorf("%w: view %s is not loaded yet", board.ErrRefreshSuperseded, key)
	}
	return tasks, nil
}

type statusRequest struct {
	Status string `json:"status"`
}

type acceptedResponse struct {
	TaskID  string        `json:"taskId"`
	Status  domain.Status `json:"status"`
	Pending int           `json:"pending"`
}

func (g *Gateway) postStatus(c echo.Context) error {
	s, code, err := g.session(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.String(code, err.Error())
	}
	ctx := c.Request().Context()
	taskID := c.Param("id")

	var body statusRequest
	if err := decodeBody(c, &body); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	target, err := domain.ParseStatus(body.Status)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	userID := s.actor.User.ID
	key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
	if key != "" && g.deduper != nil {
		added, derr := g.deduper.Add(ctx, userID, key)
		switch {
		case derr != nil:
			g.logger.WithError(derr).WithField("user", userID).Warn("idempotency check failed; accepting request")
			key = ""
		case !added:
			return c.String(http.StatusConflict, "duplicate request")
		}
	}

	ch, err := s.manager.Submit(ctx, taskID, target)
	if err != nil {
		g.forget(userID, key)
		return c.String(statusFor(err), err.Error())
	}

	// A failed transition frees its idempotency key; a retry is a new request.
	done := make(chan board.Result, 1)
	go func() {
		res := <-ch
		if !res.OK() {
			g.forget(userID, key)
		}
		done <- res
	}()

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); !wait {
		return c.JSON(http.StatusAccepted, acceptedResponse{TaskID: taskID, Status: target, Pending: s.manager.Pending(taskID)})
	}
	select {
	case res := <-done:
		if !res.OK() {
			return c.JSON(statusFor(res.Err), newResultEvent(res))
		}
		return c.JSON(http.StatusOK, newResultEvent(res))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) forget(userID, key string) {
	if key == "" || g.deduper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.deduper.Remove(ctx, userID, key); err != nil {
		g.logger.WithError(err).WithField("user", userID).Warn("release idempotency key")
	}
}

func (g *Gateway) sendEmail(c echo.Context) error {
	s, code, err := g.session(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.String(code, err.Error())
	}
	var req remote.TasksEmail
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if len(req.To) == 0 {
		return c.String(http.StatusBadRequest, "at least one recipient is required")
	}
	switch s.scope.Role {
	case domain.RoleExternal:
		return c.String(http.StatusForbidden, ErrForbidden.Error())
	case domain.RoleAdmin, domain.RoleUser:
		req.Department = s.filter.Department
	}
	if s.backing.Mailer == nil {
		return c.String(http.StatusNotImplemented, "email reports are not available on this backend")
	}
	rep, err := s.backing.Mailer.SendTasksEmail(c.Request().Context(), req)
	if err != nil {
		return c.String(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}

func (g *Gateway) invite(c echo.Context) error {
	s, code, err := g.session(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.String(code, err.Error())
	}
	if !s.scope.Role.CanInvite() {
		return c.String(http.StatusForbidden, ErrForbidden.Error())
	}
	var inv remote.Invite
	if err := decodeBody(c, &inv); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if _, err := mail.ParseAddress(inv.Email); err != nil {
		return c.String(http.StatusBadRequest, "invalid email")
	}
	if (inv.TargetType != "brand" && inv.TargetType != "project") || inv.TargetID == "" {
		return c.String(http.StatusBadRequest, "targetType must be brand or project with a targetId")
	}
	if s.backing.Inviter == nil {
		return c.String(http.StatusNotImplemented, "invitations are not available on this backend")
	}
	if err := s.backing.Inviter.Invite(c.Request().Context(), inv); err != nil {
		return c.String(statusFor(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (g *Gateway) dashboardStats(c echo.Context) error {
	s, code, err := g.session(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.String(code, err.Error())
	}
	ctx := c.Request().Context()
	if s.backing.Stats != nil {
		stats, err := s.backing.Stats.DashboardStats(ctx)
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		return c.JSON(http.StatusOK, stats)
	}

	// The session store only holds tasks in the actor's scope.
	tasks, err := g.loadView(ctx, s, "tasks", false)
	if err != nil {
		return c.String(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, statsFromTasks(tasks))
}

func statsFromTasks(tasks []domain.Task) domain.DashboardStats {
	projects := make(map[string]struct{})
	for _, t := range tasks {
		if t.ProjectID != "" {
			projects[t.ProjectID] = struct{}{}
		}
	}
	return domain.DashboardStats{
		TotalProjects: len(projects),
		TotalTasks:    len(tasks),
		TasksByStatus: domain.CountByStatus(tasks),
	}
}

func (g *Gateway) stream(c echo.Context) error {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); header == "" && token != "" {
		header = "Bearer " + token
	}
	s, code, err := g.session(header)
	if err != nil {
		return c.String(code, err.Error())
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	ch := s.events.subscribe()
	if ch == nil {
		return c.String(http.StatusServiceUnavailable, ErrSessionsClosed.Error())
	}
	defer s.events.unsubscribe(ch)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(res, ": connected\n\n"); err != nil {
		return nil
	}
	flusher.Flush()

	ctx := c.Request().Context()
	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(res, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(res, ev); err != nil {
				g.logger.WithError(err).WithField("user", s.actor.User.ID).Debug("stream write failed")
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev streamEvent) error {
	data, err := sonic.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

func (g *Gateway) logout(c echo.Context) error {
	actor, err := g.auth.ActorFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	g.sessions.End(actor.User.ID)
	return c.NoContent(http.StatusNoContent)
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func narrowingFromQuery(c echo.Context) visibility.Narrowing {
	q := c.QueryParams()
	return visibility.Narrowing{
		Company:    q.Get("company"),
		Department: q.Get("department"),
		EmployeeID: q.Get("employeeId"),
		BrandIDs:   splitIDs(q["brandIds"]),
		ProjectIDs: splitIDs(q["projectIds"]),
	}
}

func narrowingEmpty(n visibility.Narrowing) bool {
	return n.Company == "" && n.Department == "" && n.EmployeeID == "" && len(n.BrandIDs) == 0 && len(n.ProjectIDs) == 0
}

func splitIDs(values []string) []string {
	var out []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

func statusFor(err error) int {
	var remoteErr *domain.RemoteError
	switch {
	case errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, visibility.ErrUnknownRole),
		errors.Is(err, ErrBrandFilterUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNoOwner):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, board.ErrUnknownTask), errors.Is(err, storage.ErrTaskNotFound),
		errors.Is(err, storage.ErrUnsupportedView), errors.Is(err, remote.ErrUnsupportedView):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, board.ErrClosed), errors.Is(err, board.ErrStoreClosed),
		errors.Is(err, board.ErrRefreshSuperseded), errors.Is(err, ErrSessionsClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &remoteErr):
		if remoteErr.StatusCode >= 400 && remoteErr.StatusCode < 500 {
			return remoteErr.StatusCode
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
