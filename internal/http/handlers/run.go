package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/codegraph-triangulation/internal/data/repos"
	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/http/response"
	"github.com/yungbote/codegraph-triangulation/internal/platform/ctxutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/dbctx"
	"github.com/yungbote/codegraph-triangulation/internal/services"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/coordinator"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/manifest"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/supervisor"
)

type RunPlanner interface {
	PlanRoot(ctx context.Context, root string) (*types.Run, *manifest.Plan, error)
}

type RunReporter interface {
	RunSummary(ctx context.Context, runID uuid.UUID) (*supervisor.Summary, error)
}

type RelationshipTracker interface {
	ForceReconcile(ctx context.Context, runID string) (int64, error)
	State(ctx context.Context, runID, hash string) (coordinator.RelationshipState, error)
}

type RunHandler struct {
	planner   RunPlanner
	reporter  RunReporter
	tracker   RelationshipTracker
	jobs      services.JobService
	runs      repos.RunRepo
	validated repos.ValidatedRepo
}

func NewRunHandler(
	planner RunPlanner,
	reporter RunReporter,
	tracker RelationshipTracker,
	jobs services.JobService,
	runs repos.RunRepo,
	validated repos.ValidatedRepo,
) *RunHandler {
	return &RunHandler{
		planner:   planner,
		reporter:  reporter,
		tracker:   tracker,
		jobs:      jobs,
		runs:      runs,
		validated: validated,
	}
}

type createRunRequest struct {
	Root string `json:"root" binding:"required"`
}

// POST /api/runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	root := strings.TrimSpace(req.Root)
	if root == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("root is required"))
		return
	}
	run, plan, err := h.planner.PlanRoot(c.Request.Context(), root)
	if err != nil {
		if run == nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_root", err)
			return
		}
		_ = c.Error(err)
		response.RespondError(c, http.StatusUnprocessableEntity, "plan_failed", err)
		return
	}
	ctxutil.ScopeFrom(c.Request.Context()).SetRunID(run.ID.String())
	response.RespondCreated(c, gin.H{
		"run":           run,
		"files":         len(plan.Manifest.JobGraph.File),
		"directories":   len(plan.Manifest.JobGraph.Directory),
		"relationships": len(plan.Candidates),
	})
}

// GET /api/runs/:id/summary
func (h *RunHandler) GetSummary(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	summary, err := h.reporter.RunSummary(c.Request.Context(), runID)
	if err != nil {
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "summary_failed", err)
		return
	}
	if summary == nil {
		response.RespondError(c, http.StatusNotFound, "run_not_found", errors.New("run not found"))
		return
	}
	response.RespondOK(c, gin.H{"summary": summary})
}

// GET /api/runs/:id/dead-letters
func (h *RunHandler) ListDeadLetters(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	if !h.requireRun(c, runID) {
		return
	}
	jobs, err := h.jobs.ListDeadLetters(dbctx.Context{Ctx: c.Request.Context()}, runID)
	if err != nil {
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "dead_letters_failed", err)
		return
	}
	if jobs == nil {
		jobs = []*types.JobRun{}
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/runs/:id/relationships/:hash
func (h *RunHandler) GetRelationship(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	hash := strings.TrimSpace(c.Param("hash"))
	if !h.requireRun(c, runID) {
		return
	}
	ctx := c.Request.Context()
	dbc := dbctx.Context{Ctx: ctx}

	state, err := h.tracker.State(ctx, runID.String(), hash)
	if err != nil {
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "state_failed", err)
		return
	}
	record, err := h.validated.Get(dbc, runID, hash)
	if err != nil {
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "relationship_failed", err)
		return
	}
	audit, err := h.validated.ListAudit(dbc, runID, hash)
	if err != nil {
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "relationship_failed", err)
		return
	}
	conflict, err := h.validated.GetConflict(dbc, runID, hash)
	if err != nil {
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "relationship_failed", err)
		return
	}
	if audit == nil {
		audit = []*types.ValidatedEvidence{}
	}
	response.RespondOK(c, gin.H{
		"state":        state,
		"relationship": record,
		"evidence":     audit,
		"conflict":     conflict,
	})
}

// POST /api/runs/:id/force-reconcile
func (h *RunHandler) ForceReconcile(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	if !h.requireRun(c, runID) {
		return
	}
	n, err := h.tracker.ForceReconcile(c.Request.Context(), runID.String())
	if err != nil {
		if errors.Is(err, coordinator.ErrRunAborted) {
			response.RespondError(c, http.StatusConflict, "run_aborted", err)
			return
		}
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "force_reconcile_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"enqueued": n})
}

func (h *RunHandler) requireRun(c *gin.Context, runID uuid.UUID) bool {
	run, err := h.runs.GetByID(dbctx.Context{Ctx: c.Request.Context()}, runID)
	if err != nil {
		_ = c.Error(err)
		response.RespondError(c, http.StatusInternalServerError, "run_lookup_failed", err)
		return false
	}
	if run == nil {
		response.RespondError(c, http.StatusNotFound, "run_not_found", errors.New("run not found"))
		return false
	}
	return true
}

func parseRunID(c *gin.Context) (uuid.UUID, bool) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return uuid.Nil, false
	}
	ctxutil.ScopeFrom(c.Request.Context()).SetRunID(runID.String())
	return runID, true
}
