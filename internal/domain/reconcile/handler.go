package reconcile

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(admin *echo.Group) {
	admin.POST("/reconcile", h.TriggerPass)
}

// TriggerPass runs a reconciliation pass synchronously and returns its
// summary. A pass already running answers 409; the caller's work is being
// done either way.
func (h *Handler) TriggerPass(c echo.Context) error {
	sum, err := h.engine.Run(c.Request().Context())
	if errors.Is(err, ErrPassInProgress) {
		return echo.NewHTTPError(http.StatusConflict, "reconciliation pass already in progress")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}
