package encounter

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/encounter/internal/domain/exam"
	"github.com/ehr/encounter/internal/domain/visit"
	"github.com/ehr/encounter/internal/platform/auth"
	"github.com/ehr/encounter/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleTechnician))

	g.GET("/patients/:patientId/visits", h.ListVisits)
	g.POST("/visits", h.CreateVisit)
	g.GET("/visits/:id/compose", h.ComposeVisit)

	g.POST("/visits/:id/start", h.StartVisit)
	g.POST("/visits/:id/lock", h.LockVisit)
	g.POST("/visits/:id/unlock", h.UnlockVisit)
	g.POST("/visits/:id/sign", h.SignVisit)
	g.POST("/visits/:id/complete", h.CompleteVisit)

	g.POST("/visits/:id/exams", h.AddExam)
	g.PUT("/visits/:id/exams/:examId", h.StoreExam)
	g.POST("/visits/:id/exams/:examId/hide", h.HideExam)
	g.POST("/visits/:id/exams/:examId/unhide", h.UnhideExam)
	g.POST("/visits/:id/exams/:examId/select", h.SelectExam)
}

// session identifies the caller from the token claims. Privileges come from
// the token or the role policy, never from a request body.
func session(c echo.Context) SessionContext {
	ctx := c.Request().Context()
	granted := auth.PrivilegesFromContext(ctx)
	return SessionContext{
		DoctorID:   auth.UserIDFromContext(ctx),
		DoctorName: auth.UserNameFromContext(ctx),
		ReadOnly:   auth.ReadOnlyFromContext(ctx),
		Privileges: visit.Privileges{
			MedicalData: visit.Privilege(granted.MedicalData),
			Pretest:     visit.Privilege(granted.Pretest),
			FinalRx:     visit.Privilege(granted.FinalRx),
			Fitting:     visit.Privilege(granted.Fitting),
		},
	}
}

type createVisitRequest struct {
	PatientID     string    `json:"patient_id"`
	StoreID       string    `json:"store_id"`
	AppointmentID *string   `json:"appointment_id"`
	Date          time.Time `json:"date"`
	Pretest       bool      `json:"pretest"`
}

type startVisitRequest struct {
	VisitTypeID string `json:"visit_type_id"`
	TypeName    string `json:"type_name"`
}

type overrideRequest struct {
	Override bool `json:"override"`
}

type addExamRequest struct {
	Label string `json:"label"`
}

type storeExamRequest struct {
	Values    map[string]any `json:"values"`
	IsInvalid *bool          `json:"is_invalid"`
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	visits, total, err := h.svc.ListVisits(c.Request().Context(), c.Param("patientId"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(visits, total, pg, c.Request().URL.Path))
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var req createVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	draft := visit.Visit{
		PatientID:     req.PatientID,
		StoreID:       req.StoreID,
		AppointmentID: req.AppointmentID,
		Date:          req.Date,
	}
	v, err := h.svc.CreateVisit(c.Request().Context(), session(c), draft, req.Pretest)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ComposeVisit(c echo.Context) error {
	comp, err := h.svc.Compose(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !comp.Readable {
		return echo.NewHTTPError(http.StatusForbidden, "no read access to this visit")
	}
	return c.JSON(http.StatusOK, comp)
}

// loaded is a visit with its exams and the caller's session.
type loaded struct {
	sess  SessionContext
	visit visit.Visit
	exams []exam.Exam
}

func (h *Handler) load(c echo.Context) (loaded, error) {
	v, exams, err := h.svc.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		return loaded{}, httpError(err)
	}
	return loaded{sess: session(c), visit: v, exams: exams}, nil
}

func (h *Handler) loadExam(c echo.Context) (loaded, exam.Exam, error) {
	l, err := h.load(c)
	if err != nil {
		return loaded{}, exam.Exam{}, err
	}
	e, ok := FindExam(l.exams, c.Param("examId"))
	if !ok {
		return loaded{}, exam.Exam{}, echo.NewHTTPError(http.StatusNotFound, "exam not found in visit")
	}
	return l, e, nil
}

func (h *Handler) StartVisit(c echo.Context) error {
	var req startVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.VisitTypeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "visit_type_id is required")
	}
	l, err := h.load(c)
	if err != nil {
		return err
	}
	res, err := h.svc.StartVisit(c.Request().Context(), l.sess, l.visit, l.exams, req.VisitTypeID, req.TypeName)
	return transitionResponse(c, res, err)
}

func (h *Handler) LockVisit(c echo.Context) error {
	var req overrideRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	l, err := h.load(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Lock(c.Request().Context(), l.sess, l.visit, l.exams, req.Override)
	return transitionResponse(c, res, err)
}

func (h *Handler) UnlockVisit(c echo.Context) error {
	l, err := h.load(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Unlock(c.Request().Context(), l.sess, l.visit)
	return transitionResponse(c, res, err)
}

func (h *Handler) SignVisit(c echo.Context) error {
	l, err := h.load(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Sign(c.Request().Context(), l.sess, l.visit)
	return transitionResponse(c, res, err)
}

func (h *Handler) CompleteVisit(c echo.Context) error {
	var req overrideRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	l, err := h.load(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Complete(c.Request().Context(), l.sess, l.visit, l.exams, req.Override)
	return transitionResponse(c, res, err)
}

func (h *Handler) AddExam(c echo.Context) error {
	var req addExamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Label == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "label is required")
	}
	l, err := h.load(c)
	if err != nil {
		return err
	}
	res, err := h.svc.AddExam(c.Request().Context(), l.sess, l.visit, l.exams, req.Label)
	return examResponse(c, res, err)
}

func (h *Handler) StoreExam(c echo.Context) error {
	var req storeExamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, e, err := h.loadExam(c)
	if err != nil {
		return err
	}
	e.Values = req.Values
	if req.IsInvalid != nil {
		e.IsInvalid = *req.IsInvalid
	}
	res, err := h.svc.StoreExam(c.Request().Context(), l.sess, l.visit, e)
	return examResponse(c, res, err)
}

func (h *Handler) HideExam(c echo.Context) error {
	l, e, err := h.loadExam(c)
	if err != nil {
		return err
	}
	res, err := h.svc.HideExam(c.Request().Context(), l.sess, l.visit, l.exams, e)
	return examResponse(c, res, err)
}

func (h *Handler) UnhideExam(c echo.Context) error {
	l, e, err := h.loadExam(c)
	if err != nil {
		return err
	}
	res, err := h.svc.UnhideExam(c.Request().Context(), l.sess, l.visit, l.exams, e)
	return examResponse(c, res, err)
}

func (h *Handler) SelectExam(c echo.Context) error {
	l, e, err := h.loadExam(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SelectExam(c.Request().Context(), l.sess, l.visit, e)
	return examResponse(c, res, err)
}

// bindOptional accepts an empty body.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func statusOf(o Outcome) int {
	switch o {
	case OutcomeRefused:
		return http.StatusConflict
	case OutcomeDenied:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

func transitionResponse(c echo.Context, res TransitionResult, err error) error {
	if err != nil {
		return httpError(err)
	}
	return c.JSON(statusOf(res.Outcome), res)
}

func examResponse(c echo.Context, res ExamResult, err error) error {
	var conflict *RemovalConflict
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, map[string]string{
			"error":   conflict.Error(),
			"exam_id": conflict.ExamID,
			"label":   conflict.Label,
		})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(statusOf(res.Outcome), res)
}

// httpError maps engine and store errors to HTTP statuses.
func httpError(err error) error {
	var pe *PersistenceError
	switch {
	case errors.Is(err, visit.ErrNotFound), errors.Is(err, exam.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownExamType), errors.Is(err, ErrUnknownVisitType),
		errors.Is(err, ErrInvalidVisit):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, visit.ErrVersionConflict), errors.Is(err, visit.ErrAlreadySigned),
		errors.Is(err, visit.ErrLocked), errors.Is(err, ErrRemovalConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrTransitionInFlight):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.As(err, &pe):
		return echo.NewHTTPError(http.StatusBadGateway, pe.Op+" failed").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
