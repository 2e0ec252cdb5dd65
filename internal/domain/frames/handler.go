package frames

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radview/radview/internal/platform/detect"
)

// Classifier is the slice of the detection node client the handler consumes.
// A nil Classifier disables the findings routes.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (*detect.Classification, error)
}

type Handler struct {
	resolver   *Resolver
	classifier Classifier
	log        zerolog.Logger
}

func NewHandler(resolver *Resolver, classifier Classifier, log zerolog.Logger) *Handler {
	return &Handler{resolver: resolver, classifier: classifier, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/studies/:studyUID/frames/:frameIndex", h.GetFrame)
	api.GET("/studies/:studyUID/series/:seriesUID/frames/:frameIndex", h.GetFrame)
	if h.classifier != nil {
		api.GET("/studies/:studyUID/frames/:frameIndex/findings", h.GetFindings)
		api.GET("/studies/:studyUID/series/:seriesUID/frames/:frameIndex/findings", h.GetFindings)
	}
}

// GetFrame serves one frame as PNG. The series-less route is the legacy
// addressing form; both land here.
func (h *Handler) GetFrame(c echo.Context) error {
	studyUID := c.Param("studyUID")
	seriesUID := c.Param("seriesUID")
	frameIndex, err := strconv.Atoi(c.Param("frameIndex"))
	if err != nil || frameIndex < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid frame index")
	}

	quality := DefaultQuality
	if q := c.QueryParam("quality"); q != "" {
		quality, err = strconv.Atoi(q)
		if err != nil || quality < 1 || quality > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "quality must be 1-100")
		}
	}

	data, err := h.resolver.Resolve(c.Request().Context(), studyUID, seriesUID, frameIndex, quality)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		h.log.Debug().Str("study_uid", studyUID).Int("frame_index", frameIndex).
			Str("failed_step", nf.Step).Msg("frame not resolvable")
		return echo.NewHTTPError(http.StatusNotFound, nf.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "image/png", data)
}

// GetFindings resolves a frame and proxies it to the detection node for
// classification. The node is a separate deployment; its failures surface
// as 502 so callers can tell them from a missing frame.
func (h *Handler) GetFindings(c echo.Context) error {
	if h.classifier == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "detection node not configured")
	}
	studyUID := c.Param("studyUID")
	seriesUID := c.Param("seriesUID")
	frameIndex, err := strconv.Atoi(c.Param("frameIndex"))
	if err != nil || frameIndex < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid frame index")
	}

	data, err := h.resolver.Resolve(c.Request().Context(), studyUID, seriesUID, frameIndex, DefaultQuality)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return echo.NewHTTPError(http.StatusNotFound, nf.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	result, err := h.classifier.Classify(c.Request().Context(), data)
	if err != nil {
		h.log.Warn().Err(err).Str("study_uid", studyUID).Int("frame_index", frameIndex).
			Msg("frame classification failed")
		return echo.NewHTTPError(http.StatusBadGateway, "detection node request failed")
	}
	return c.JSON(http.StatusOK, result)
}
