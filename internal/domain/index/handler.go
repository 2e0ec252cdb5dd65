package index

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/radview/radview/pkg/pagination"
)

// CachePurger removes a study's on-disk cache directory. Satisfied by the
// frame cache; the handler depends on the capability, not the cache type.
type CachePurger interface {
	PurgeStudy(studyUID string) error
}

type Handler struct {
	svc   *Service
	cache CachePurger
}

func NewHandler(svc *Service, cache CachePurger) *Handler {
	return &Handler{svc: svc, cache: cache}
}

func (h *Handler) RegisterRoutes(api *echo.Group, admin *echo.Group) {
	api.GET("/studies", h.ListStudies)
	api.GET("/studies/:studyUID", h.GetStudy)
	admin.DELETE("/studies/:studyUID", h.PurgeStudy)
}

func (h *Handler) ListStudies(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for _, k := range []string{"modality", "patient_id", "patient_name"} {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	items, total, err := h.svc.ListStudies(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStudy(c echo.Context) error {
	md, err := h.svc.GetStudyMetadata(c.Request().Context(), c.Param("studyUID"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, md)
}

func (h *Handler) PurgeStudy(c echo.Context) error {
	studyUID := c.Param("studyUID")
	deleted, err := h.svc.PurgeStudy(c.Request().Context(), studyUID)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.cache.PurgeStudy(studyUID); err != nil {
		// Index rows are gone; a leftover cache directory is re-created or
		// re-purged on the next request, so report success with a warning.
		return c.JSON(http.StatusOK, map[string]interface{}{
			"study_instance_uid": studyUID,
			"frames_deleted":     deleted,
			"cache_purged":       false,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"study_instance_uid": studyUID,
		"frames_deleted":     deleted,
		"cache_purged":       true,
	})
}
