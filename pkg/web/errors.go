package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/datachoreography/choreo/pkg/faults"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func problem(c fiber.Ctx, status int, kind string, err error) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(faults.CodeOf(err, kind)).
		WithDetail(err.Error())

	return c.Status(status).JSON(p)
}

// handleServiceError maps the error taxonomy onto RFC 7807 responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case faults.IsValidation(err):
		return problem(c, fiber.StatusBadRequest, "validation_error", err)

	case faults.IsForbidden(err):
		return problem(c, fiber.StatusForbidden, "forbidden", err)

	case faults.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, "not_found", err)

	case faults.IsConflict(err):
		return problem(c, fiber.StatusConflict, "conflict", err)

	case faults.IsGone(err):
		return problem(c, fiber.StatusGone, "gone", err)

	case faults.IsExecution(err):
		return problem(c, fiber.StatusUnprocessableEntity, "execution_failed", err)

	default:
		// Integrity and unexpected errors do not expose details.
		p := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType(faults.CodeOf(err, "internal_error"))

		return c.Status(fiber.StatusInternalServerError).JSON(p)
	}
}
