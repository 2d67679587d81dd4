package administration

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carecircle/medadmin/internal/platform/auth"
	"github.com/carecircle/medadmin/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	caregivers := api.Group("", auth.RequireRole(auth.RoleFamily, auth.RoleProfessional))
	caregivers.GET("/care-plans/:carePlanId/doses", h.DosesForDate)
	caregivers.POST("/medications/:id/administrations", h.RecordAdministration)
	caregivers.POST("/administrations/batch", h.RecordBatch)
	caregivers.GET("/medications/:id/administrations", h.ListAdministrations)
	caregivers.GET("/administrations/:id", h.GetAdministration)
}

type administrationRequest struct {
	AdministeredAt        time.Time          `json:"administered_at"`
	Notes                 *string            `json:"notes,omitempty" validate:"omitempty,max=2000"`
	Resolution            *ResolutionRequest `json:"resolution,omitempty"`
	AcknowledgedConflicts []uuid.UUID        `json:"acknowledged_conflicts,omitempty"`
}

type batchItemRequest struct {
	MedicationID uuid.UUID `json:"medication_id" validate:"required"`
	administrationRequest
}

type batchRequest struct {
	Items []batchItemRequest `json:"items" validate:"required,min=1,max=100,dive"`
}

func (h *Handler) toInput(c echo.Context, medID uuid.UUID, req administrationRequest) (Input, error) {
	res, err := req.Resolution.Resolution()
	if err != nil {
		return Input{}, err
	}
	ctx := c.Request().Context()
	return Input{
		MedicationID:          medID,
		AdministeredAt:        req.AdministeredAt,
		CaregiverID:           auth.UserIDFromContext(ctx),
		Role:                  auth.CaregiverRoleFromContext(ctx),
		Notes:                 req.Notes,
		Resolution:            res,
		AcknowledgedConflicts: req.AcknowledgedConflicts,
	}, nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	var ve *ValidationError
	var se *StorageError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrInvalidResolution):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &se):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "administration store unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) RecordAdministration(c echo.Context) error {
	medID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid medication id")
	}
	var req administrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	in, err := h.toInput(c, medID, req)
	if err != nil {
		return httpError(err)
	}

	res, err := h.svc.RecordAdministration(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	if res.Outcome == OutcomeRecorded {
		return c.JSON(http.StatusCreated, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RecordBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	items := make([]Input, len(req.Items))
	for i, it := range req.Items {
		in, err := h.toInput(c, it.MedicationID, it.administrationRequest)
		if err != nil {
			return httpError(err)
		}
		items[i] = in
	}
	return c.JSON(http.StatusOK, h.svc.RecordBatch(c.Request().Context(), items))
}

func parseTimeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC3339")
	}
	return t, nil
}

func (h *Handler) ListAdministrations(c echo.Context) error {
	medID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid medication id")
	}
	from, err := parseTimeParam(c, "from")
	if err != nil {
		return err
	}
	to, err := parseTimeParam(c, "to")
	if err != nil {
		return err
	}

	records, err := h.svc.ListAdministrations(c.Request().Context(), medID, from, to)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(records))

	extra := url.Values{}
	if !from.IsZero() {
		extra.Set("from", from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		extra.Set("to", to.Format(time.RFC3339))
	}
	resp := pagination.NewResponse(records[start:end], len(records), pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, extra.Encode(), len(records))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetAdministration(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.GetAdministration(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DosesForDate(c echo.Context) error {
	date := DateOf(time.Now().In(h.svc.Location()))
	if v := c.QueryParam("date"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date: expected YYYY-MM-DD")
		}
		date = d
	}
	doses, err := h.svc.DosesForDate(c.Request().Context(), c.Param("carePlanId"), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"care_plan_id": c.Param("carePlanId"),
		"date":         date,
		"doses":        doses,
	})
}
