// Package api exposes accounts, projects, tasks and live dashboards over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"projecthub/aggregate"
	"projecthub/domain"
	"projecthub/identity"
	"projecthub/livesync"
)

// Server holds the services behind the HTTP routes.
type Server struct {
	Accounts *domain.AccountService
	Projects *domain.ProjectService
	Tasks    *domain.TaskService
	Views    *aggregate.Aggregator
	Changes  livesync.Subscriber
	Verifier identity.Verifier
	Logger   *log.Logger

	// Ready reports backend health for /healthz. Nil means always healthy.
	Ready func(ctx context.Context) error
}

// Register wires every route onto e.
func (s *Server) Register(e *echo.Echo) {
	e.JSONSerializer = sonicSerializer{}
	e.Use(MetricsMiddleware(s.Logger), GzipRequestMiddleware())
	e.GET("/healthz", s.healthz)

	g := e.Group("/api", Authenticate(s.Verifier))
	g.POST("/account", s.postAccount)
	g.GET("/profile", s.getProfile)
	g.PATCH("/profile", s.patchProfile)
	g.POST("/profile/photo", s.postPhoto)
	g.GET("/dashboard", s.getDashboard)
	g.GET("/projects", s.getProjects)
	g.POST("/projects", s.postProject)
	g.GET("/projects/:id", s.getProject)
	g.PATCH("/projects/:id", s.patchProject)
	g.DELETE("/projects/:id", s.deleteProject)
	g.POST("/projects/:id/members", s.postMember)
	g.DELETE("/projects/:id/members/:memberId", s.deleteMember)
	g.GET("/projects/:id/tasks", s.getTasks)
	g.POST("/projects/:id/tasks", s.postTask)
	g.POST("/tasks/:id/toggle", s.toggleTask)
	g.DELETE("/tasks/:id", s.deleteTask)

	e.GET("/stream/dashboard", s.streamDashboard, Authenticate(s.Verifier))
}

func (s *Server) healthz(c echo.Context) error {
	if s.Ready != nil {
		if err := s.Ready(c.Request().Context()); err != nil {
			metricsFrom(c).SetErrorStage("health")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		}
	}
	return c.NoContent(http.StatusOK)
}

type accountRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) postAccount(c echo.Context) error {
	p := principal(c)
	var req accountRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, "decode", err)
	}
	if p.Email == "" {
		return fail(c, "decode", &domain.ValidationError{Field: "email", Reason: "token carries no email"})
	}
	if req.Email != "" && domain.NormalizeEmail(req.Email) != domain.NormalizeEmail(p.Email) {
		return fail(c, "decode", &domain.ValidationError{Field: "email", Reason: "must match the signed-in account"})
	}
	u, err := s.Accounts.Register(c.Request().Context(), p.ID, p.Email, req.Name)
	if err != nil {
		return fail(c, "register", err)
	}
	return c.JSON(http.StatusOK, u)
}

func (s *Server) getProfile(c echo.Context) error {
	u, err := s.Accounts.Get(c.Request().Context(), principal(c).ID)
	if err != nil {
		return fail(c, "fetch", err)
	}
	return c.JSON(http.StatusOK, u)
}

type profilePatch struct {
	Name string `json:"name"`
}

func (s *Server) patchProfile(c echo.Context) error {
	var req profilePatch
	if err := decodeBody(c, &req); err != nil {
		return fail(c, "decode", err)
	}
	u, err := s.Accounts.UpdateProfile(c.Request().Context(), principal(c).ID, req.Name)
	if err != nil {
		return fail(c, "update", err)
	}
	return c.JSON(http.StatusOK, u)
}

func (s *Server) postPhoto(c echo.Context) error {
	data, err := readPhoto(c)
	if err != nil {
		return fail(c, "read", err)
	}
	url, err := s.Accounts.UploadPhoto(c.Request().Context(), principal(c).ID, data, c.Request().Header.Get(echo.HeaderContentType))
	if err != nil {
		return fail(c, "upload", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"photoUrl": url})
}

func (s *Server) getDashboard(c echo.Context) error {
	crit, err := aggregate.ParseSortCriterion(c.QueryParam("sort"))
	if err != nil {
		return fail(c, "decode", err)
	}
	d, err := s.Views.Dashboard(c.Request().Context(), principal(c).ID, crit)
	if err != nil {
		return fail(c, "aggregate", err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) getProjects(c echo.Context) error {
	crit, err := aggregate.ParseSortCriterion(c.QueryParam("sort"))
	if err != nil {
		return fail(c, "decode", err)
	}
	views, err := s.Views.Projects(c.Request().Context(), principal(c).ID, crit)
	if err != nil {
		return fail(c, "aggregate", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"projects": views})
}

type projectRequest struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	StartDate    *time.Time `json:"startDate"`
	EndDate      *time.Time `json:"endDate"`
	Priority     string     `json:"priority"`
	MemberEmails []string   `json:"memberEmails"`
}

func (r projectRequest) input() domain.ProjectInput {
	in := domain.ProjectInput{
		Name:         r.Name,
		Description:  r.Description,
		Priority:     r.Priority,
		MemberEmails: r.MemberEmails,
	}
	if r.StartDate != nil {
		in.StartDate = *r.StartDate
	}
	if r.EndDate != nil {
		in.EndDate = *r.EndDate
	}
	return in
}

func (s *Server) postProject(c echo.Context) error {
	var req projectRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, "decode", err)
	}
	p, err := s.Projects.Create(c.Request().Context(), principal(c).ID, req.input())
	if err != nil {
		return fail(c, "create", err)
	}
	return c.JSON(http.StatusCreated, p)
}

// visibleProject returns the project when the caller created it or is assigned to it.
func (s *Server) visibleProject(ctx context.Context, uid, id string) (domain.Project, error) {
	p, err := s.Projects.Get(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if p.CreatorID == uid {
		return p, nil
	}
	for _, m := range p.AssignedMembers {
		if m == uid {
			return p, nil
		}
	}
	return domain.Project{}, domain.ErrForbidden
}

func (s *Server) getProject(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.visibleProject(ctx, principal(c).ID, c.Param("id")); err != nil {
		return fail(c, "fetch", err)
	}
	v, err := s.Views.Project(ctx, c.Param("id"))
	if err != nil {
		return fail(c, "aggregate", err)
	}
	return c.JSON(http.StatusOK, v)
}

type projectPatchRequest struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	StartDate   *time.Time `json:"startDate"`
	EndDate     *time.Time `json:"endDate"`
	Priority    *string    `json:"priority"`
}

func (s *Server) patchProject(c echo.Context) error {
	var req projectPatchRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, "decode", err)
	}
	p, err := s.Projects.Update(c.Request().Context(), principal(c).ID, c.Param("id"), domain.ProjectPatch{
		Name:        req.Name,
		Description: req.Description,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Priority:    req.Priority,
	})
	if err != nil {
		return fail(c, "update", err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) deleteProject(c echo.Context) error {
	if err := s.Projects.Delete(c.Request().Context(), principal(c).ID, c.Param("id")); err != nil {
		return fail(c, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type memberRequest struct {
	Email string `json:"email"`
}

func (s *Server) postMember(c echo.Context) error {
	var req memberRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, "decode", err)
	}
	outcome, err := s.Projects.AddMember(c.Request().Context(), principal(c).ID, c.Param("id"), req.Email)
	if err != nil {
		return fail(c, "add_member", err)
	}
	status := http.StatusCreated
	if outcome == domain.MemberAlreadyPresent {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]string{"outcome": outcome.String()})
}

func (s *Server) deleteMember(c echo.Context) error {
	err := s.Projects.RemoveMember(c.Request().Context(), principal(c).ID, c.Param("id"), c.Param("memberId"))
	if err != nil {
		return fail(c, "remove_member", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getTasks(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.visibleProject(ctx, principal(c).ID, c.Param("id")); err != nil {
		return fail(c, "fetch", err)
	}
	tasks, err := s.Views.ProjectTasks(ctx, c.Param("id"))
	if err != nil {
		return fail(c, "aggregate", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}

type taskRequest struct {
	Details  string     `json:"details"`
	Deadline *time.Time `json:"deadline"`
}

func (s *Server) postTask(c echo.Context) error {
	var req taskRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, "decode", err)
	}
	ctx := c.Request().Context()
	if _, err := s.visibleProject(ctx, principal(c).ID, c.Param("id")); err != nil {
		return fail(c, "fetch", err)
	}
	t, err := s.Tasks.Create(ctx, c.Param("id"), domain.TaskInput{Details: req.Details, Deadline: req.Deadline})
	if err != nil {
		return fail(c, "create", err)
	}
	return c.JSON(http.StatusCreated, t)
}

// visibleTask checks that the caller can see the task's project.
func (s *Server) visibleTask(ctx context.Context, uid, id string) error {
	t, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.visibleProject(ctx, uid, t.ProjectID)
	return err
}

func (s *Server) toggleTask(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.visibleTask(ctx, principal(c).ID, c.Param("id")); err != nil {
		return fail(c, "fetch", err)
	}
	checked, err := s.Tasks.Toggle(ctx, c.Param("id"))
	if err != nil {
		return fail(c, "toggle", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"checked": checked})
}

func (s *Server) deleteTask(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.visibleTask(ctx, principal(c).ID, c.Param("id")); err != nil {
		return fail(c, "fetch", err)
	}
	if err := s.Tasks.Delete(ctx, c.Param("id")); err != nil {
		return fail(c, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}
