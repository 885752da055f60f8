// Package web provides the REST API for workflows, runs, approvals,
// connections and compliance verification.
package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/services"
)

type APIHandlers struct {
	workflowService   *services.Workflow
	runService        *services.Run
	approvalService   *services.Approval
	connectionService *services.Connection
	complianceService *services.Compliance
	validator         *validator.Validate
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	runService *services.Run,
	approvalService *services.Approval,
	connectionService *services.Connection,
	complianceService *services.Compliance,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflowService:   workflowService,
		runService:        runService,
		approvalService:   approvalService,
		connectionService: connectionService,
		complianceService: complianceService,
		validator:         validator,
	}
}

func tenantOf(c fiber.Ctx) string {
	return strings.TrimSpace(c.Get(HeaderTenantID))
}

func actorOf(c fiber.Ctx) models.Actor {
	actor := models.Actor{ID: strings.TrimSpace(c.Get(HeaderActorID))}

	for _, role := range strings.Split(c.Get(HeaderActorRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			actor.Roles = append(actor.Roles, role)
		}
	}

	return actor
}

// bind decodes and validates a JSON body. An empty body leaves req untouched.
func (h *APIHandlers) bind(c fiber.Ctx, req any) error {
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(req); err != nil {
			return err
		}
	}

	return h.validator.Struct(req)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	check, ok := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   check,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	created, replayed, err := h.workflowService.Create(c.Context(), services.CreateWorkflowRequest{
		TenantID:       tenantOf(c),
		Actor:          actorOf(c).ID,
		IdempotencyKey: c.Get(HeaderIdempotencyKey),
		Workflow:       req.workflow(),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	if replayed {
		return c.JSON(created)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) CreateWorkflowVersion(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflowService.NewVersion(c.Context(), tenantOf(c), c.Params("id"), actorOf(c).ID, req.workflow())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	if raw := c.Query("version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil || version < 1 {
			return badRequest(c, "version must be a positive integer")
		}

		workflow, err := h.workflowService.FetchVersion(c.Context(), tenantOf(c), id, version)
		if err != nil {
			return handleServiceError(c, err)
		}

		return c.JSON(workflow)
	}

	workflow, err := h.workflowService.FetchByID(c.Context(), tenantOf(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) EnableWorkflow(c fiber.Ctx) error {
	return h.setEnabled(c, true)
}

func (h *APIHandlers) DisableWorkflow(c fiber.Ctx) error {
	return h.setEnabled(c, false)
}

func (h *APIHandlers) setEnabled(c fiber.Ctx, enabled bool) error {
	workflow, err := h.workflowService.SetEnabled(c.Context(), tenantOf(c), c.Params("id"), actorOf(c).ID, enabled,
		c.Get(HeaderIdempotencyKey))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) TriggerWorkflow(c fiber.Ctx) error {
	key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
	if key == "" {
		return badRequest(c, HeaderIdempotencyKey+" header is required")
	}

	var req TriggerRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	return h.trigger(c, engine.TriggerRequest{
		TenantID:       tenantOf(c),
		WorkflowID:     c.Params("id"),
		Payload:        req.Payload,
		IdempotencyKey: key,
		TriggerType:    models.TriggerTypeManual,
		Actor:          actorOf(c).ID,
	})
}

// Webhook triggers a webhook workflow with the raw JSON body as payload. The
// sender's delivery id deduplicates redeliveries.
func (h *APIHandlers) Webhook(c fiber.Ctx) error {
	key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
	if key == "" {
		key = strings.TrimSpace(c.Get(HeaderWebhookID))
	}

	if key == "" {
		return badRequest(c, HeaderIdempotencyKey+" or "+HeaderWebhookID+" header is required")
	}

	workflow, err := h.workflowService.FetchByID(c.Context(), tenantOf(c), c.Params("workflowId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if workflow.TriggerType != models.TriggerTypeWebhook {
		return badRequest(c, "workflow is not webhook-triggered")
	}

	payload := map[string]any{}
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	return h.trigger(c, engine.TriggerRequest{
		TenantID:       workflow.TenantID,
		WorkflowID:     workflow.ID,
		Payload:        payload,
		IdempotencyKey: key,
		TriggerType:    models.TriggerTypeWebhook,
		Actor:          "webhook",
	})
}

func (h *APIHandlers) trigger(c fiber.Ctx, req engine.TriggerRequest) error {
	run, existing, err := h.runService.Trigger(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusCreated
	if existing {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(RunResponse{Run: run, Existing: existing})
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	runs, err := h.runService.List(c.Context(), tenantOf(c), models.RunStatus(c.Query("status")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs, "total_count": len(runs)})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runService.FetchByID(c.Context(), tenantOf(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.runService.Cancel(c.Context(), engine.CancelRequest{
		TenantID: tenantOf(c),
		RunID:    c.Params("id"),
		Reason:   req.Reason,
		Actor:    actorOf(c).ID,
		Rollback: req.Rollback,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"run":              result.Run,
		"rolled_back":      result.RolledBack,
		"rollback_failed":  result.RollbackFailed,
		"rollback_skipped": result.RollbackSkipped,
	})
}

func (h *APIHandlers) RetryRun(c fiber.Ctx) error {
	var req RetryRunRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.Retry(c.Context(), engine.RetryRequest{
		TenantID:     tenantOf(c),
		RunID:        c.Params("id"),
		Mode:         req.Mode,
		ResetContext: req.ResetContext,
		Actor:        actorOf(c).ID,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) ListApprovals(c fiber.Ctx) error {
	approvals, err := h.approvalService.List(c.Context(), tenantOf(c), models.ApprovalState(c.Query("state")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"approvals": approvals, "total_count": len(approvals)})
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	approval, err := h.approvalService.FetchByID(c.Context(), tenantOf(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(approval)
}

func (h *APIHandlers) DecideApproval(c fiber.Ctx) error {
	var req DecisionRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	approval, err := h.approvalService.Decide(c.Context(), services.DecideRequest{
		TenantID:   tenantOf(c),
		ApprovalID: c.Params("id"),
		Decision:   req.Decision,
		Actor:      actorOf(c),
		Comment:    req.Comment,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(approval)
}

func (h *APIHandlers) StoreConnection(c fiber.Ctx) error {
	var req StoreConnectionRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	conn, err := h.connectionService.Store(c.Context(), services.StoreConnectionRequest{
		TenantID:       tenantOf(c),
		ConnectionID:   req.ID,
		Provider:       req.Provider,
		Credentials:    req.Credentials,
		Actor:          actorOf(c).ID,
		IdempotencyKey: c.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(conn)
}

func (h *APIHandlers) RotateConnection(c fiber.Ctx) error {
	var req RotateConnectionRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	conn, err := h.connectionService.Rotate(c.Context(), services.StoreConnectionRequest{
		TenantID:       tenantOf(c),
		ConnectionID:   c.Params("id"),
		Credentials:    req.Credentials,
		Actor:          actorOf(c).ID,
		IdempotencyKey: c.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(conn)
}

func (h *APIHandlers) GetConnection(c fiber.Ctx) error {
	conn, err := h.connectionService.FetchByID(c.Context(), tenantOf(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(conn)
}

func (h *APIHandlers) DeleteConnection(c fiber.Ctx) error {
	err := h.connectionService.Delete(c.Context(), tenantOf(c), c.Params("id"), actorOf(c).ID, c.Get(HeaderIdempotencyKey))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) TestConnection(c fiber.Ctx) error {
	var req TestConnectionRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	ok, err := h.connectionService.Test(c.Context(), req.Provider, req.Credentials)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"provider": req.Provider, "healthy": ok})
}

func (h *APIHandlers) TestStoredConnection(c fiber.Ctx) error {
	ok, err := h.connectionService.TestStored(c.Context(), tenantOf(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"connection_id": c.Params("id"), "healthy": ok})
}

func (h *APIHandlers) VerifyChain(c fiber.Ctx) error {
	var rng models.EventRange

	for name, target := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}

		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, name+" must be an RFC 3339 timestamp")
		}

		*target = parsed
	}

	report, err := h.complianceService.VerifyChain(c.Context(), tenantOf(c), rng)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(report)
}

func (h *APIHandlers) ComputeAnchor(c fiber.Ctx) error {
	var req ComputeAnchorRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	anchor, err := h.complianceService.ComputeAnchor(c.Context(), tenantOf(c), req.Period)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(anchor)
}

func (h *APIHandlers) VerifyAnchor(c fiber.Ctx) error {
	report, err := h.complianceService.VerifyAnchor(c.Context(), tenantOf(c), c.Params("period"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(report)
}
