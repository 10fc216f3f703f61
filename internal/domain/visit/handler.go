package visit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/radiology/dashboard/pkg/pagination"
)

type Handler struct {
	svc      *Service
	defaults SeedRequest
	// seedMu serializes seed runs; the service does not.
	seedMu sync.Mutex
}

// NewHandler creates a handler. defaults supplies count and window when a
// seed request omits them.
func NewHandler(svc *Service, defaults SeedRequest) *Handler {
	return &Handler{svc: svc, defaults: defaults}
}

// RegisterRoutes mounts the dashboard API. seedMiddleware wraps only the
// seed endpoint.
func (h *Handler) RegisterRoutes(api *echo.Group, seedMiddleware ...echo.MiddlewareFunc) {
	api.GET("/dashboard", h.GetDashboard)
	api.GET("/visits", h.ListVisits)
	api.GET("/reports", h.GetReports)
	api.GET("/summary", h.GetSummary)
	api.POST("/seed", h.Seed, seedMiddleware...)
}

func (h *Handler) GetDashboard(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListVisits(c echo.Context) error {
	var f Filter
	if m := c.QueryParam("modality"); m != "" {
		mod, err := ParseModality(m)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Modality = mod
	}
	if e := c.QueryParam("exam_type"); e != "" {
		exam, err := ParseExamType(e)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.ExamType = exam
	}
	if em := c.QueryParam("emergency"); em != "" {
		b, err := strconv.ParseBool(em)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid emergency flag")
		}
		f.Emergency = &b
	}

	pg := pagination.FromContext(c)
	page, err := h.svc.ListVisits(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(page.Visits, page.Total, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"page":       resp,
		"links":      pg.Links(c.Request().URL.Path, page.Total),
		"modalities": page.Modalities,
		"exam_types": page.ExamTypes,
	})
}

func (h *Handler) GetReports(c echo.Context) error {
	r, err := h.svc.Reports(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetSummary(c echo.Context) error {
	s, err := h.svc.Summary(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

type seedBody struct {
	Count      *int  `json:"count"`
	WindowDays *int  `json:"window_days"`
	Seed       int64 `json:"seed"`
}

func (h *Handler) Seed(c echo.Context) error {
	var body seedBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req := h.defaults
	req.Seed = body.Seed
	if body.Count != nil {
		req.Count = *body.Count
	}
	if body.WindowDays != nil {
		req.WindowDays = *body.WindowDays
	}

	h.seedMu.Lock()
	defer h.seedMu.Unlock()

	res, err := h.svc.Seed(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error()).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
