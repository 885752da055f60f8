package web

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
)

// Register mounts every endpoint on router. A nil metrics handler leaves
// /metrics unmounted.
func (h *APIHandlers) Register(router fiber.Router, metrics http.Handler) {
	router.Get("/health", h.HealthCheck)

	if metrics != nil {
		router.Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	w := router.Group("/workflows")
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Post("/:id/versions", h.CreateWorkflowVersion)
	w.Post("/:id/enable", h.EnableWorkflow)
	w.Post("/:id/disable", h.DisableWorkflow)
	w.Post("/:id/trigger", h.TriggerWorkflow)

	router.Post("/hooks/:workflowId", h.Webhook)

	r := router.Group("/runs")
	r.Get("/", h.ListRuns)
	r.Get("/:id", h.GetRun)
	r.Post("/:id/cancel", h.CancelRun)
	r.Post("/:id/retry", h.RetryRun)

	a := router.Group("/approvals")
	a.Get("/", h.ListApprovals)
	a.Get("/:id", h.GetApproval)
	a.Post("/:id/decision", h.DecideApproval)

	c := router.Group("/connections")
	c.Post("/", h.StoreConnection)
	c.Post("/test", h.TestConnection)
	c.Get("/:id", h.GetConnection)
	c.Put("/:id", h.RotateConnection)
	c.Delete("/:id", h.DeleteConnection)
	c.Post("/:id/test", h.TestStoredConnection)

	cp := router.Group("/compliance")
	cp.Get("/verify", h.VerifyChain)
	cp.Post("/anchors", h.ComputeAnchor)
	cp.Get("/anchors/:period/verify", h.VerifyAnchor)
}
