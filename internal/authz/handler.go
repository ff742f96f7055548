package authz

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/audit"
)

// Handler exposes the engine as a decision service consumed by the host API
// layer. Every denial maps to 401 with one opaque body; configuration
// faults map to 500.
type Handler struct {
	authz    *Authorizer
	recorder audit.Recorder
	log      zerolog.Logger
}

func NewHandler(a *Authorizer, recorder audit.Recorder, log zerolog.Logger) *Handler {
	return &Handler{authz: a, recorder: recorder, log: log}
}

// Register mounts the decision endpoints on the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/authz")
	g.POST("/verify", h.verify)
	g.POST("/bundle", h.bundle)
	g.POST("/search-filter", h.searchFilter)
	g.POST("/read", h.read)
	g.POST("/write", h.write)
	g.POST("/export-job", h.exportJob)
	g.POST("/allowed-types/:operation", h.allowedTypes)
}

func (h *Handler) verify(c echo.Context) error {
	var req VerifyAccessTokenRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	identity, err := h.authz.VerifyAccessToken(c.Request().Context(), req)
	h.record(c, identity, string(req.Operation), req.ResourceType, err)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, identity)
}

type bundleRequest struct {
	Entries            []BundleEntry `json:"entries"`
	Identity           *UserIdentity `json:"identity"`
	FHIRServiceBaseURL string        `json:"fhirServiceBaseUrl,omitempty"`
}

func (h *Handler) bundle(c echo.Context) error {
	var req bundleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	err := h.authz.IsBundleRequestAuthorized(c.Request().Context(), req.Entries, req.Identity, req.FHIRServiceBaseURL)
	h.record(c, req.Identity, string(OperationTransaction), "", err)
	if err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type searchFilterRequest struct {
	Identity           *UserIdentity `json:"identity"`
	ResourceType       string        `json:"resourceType,omitempty"`
	FHIRServiceBaseURL string        `json:"fhirServiceBaseUrl,omitempty"`
}

func (h *Handler) searchFilter(c echo.Context) error {
	var req searchFilterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	filters, err := h.authz.GetSearchFilterBasedOnIdentity(c.Request().Context(), req.Identity, req.ResourceType, req.FHIRServiceBaseURL)
	h.record(c, req.Identity, string(OperationSearchType), req.ResourceType, err)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, filters)
}

type readRequest struct {
	Operation          Operation      `json:"operation"`
	Response           map[string]any `json:"response"`
	Identity           *UserIdentity  `json:"identity"`
	FHIRServiceBaseURL string         `json:"fhirServiceBaseUrl,omitempty"`
}

func (h *Handler) read(c echo.Context) error {
	var req readRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	filtered, err := h.authz.AuthorizeAndFilterReadResponse(c.Request().Context(), req.Operation, req.Response, req.Identity, req.FHIRServiceBaseURL)
	h.record(c, req.Identity, string(req.Operation), "", err)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, filtered)
}

type writeRequest struct {
	Operation          Operation      `json:"operation"`
	Body               map[string]any `json:"body"`
	Identity           *UserIdentity  `json:"identity"`
	FHIRServiceBaseURL string         `json:"fhirServiceBaseUrl,omitempty"`
}

func (h *Handler) write(c echo.Context) error {
	var req writeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	err := h.authz.IsWriteRequestAuthorized(c.Request().Context(), req.Operation, req.Body, req.Identity, req.FHIRServiceBaseURL)
	resourceType, _ := req.Body["resourceType"].(string)
	h.record(c, req.Identity, string(req.Operation), resourceType, err)
	if err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type exportJobRequest struct {
	Identity   *UserIdentity `json:"identity"`
	JobOwnerID string        `json:"jobOwnerId"`
}

func (h *Handler) exportJob(c echo.Context) error {
	var req exportJobRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	err := h.authz.IsAccessBulkDataJobAllowed(req.Identity, req.JobOwnerID)
	h.record(c, req.Identity, "get-status-export", "", err)
	if err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type allowedTypesRequest struct {
	Identity *UserIdentity `json:"identity"`
}

func (h *Handler) allowedTypes(c echo.Context) error {
	var req allowedTypesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	operation := Operation(c.Param("operation"))
	types, err := h.authz.GetAllowedResourceTypesForOperation(req.Identity, operation)
	if err != nil {
		return h.fail(c, err)
	}
	if types == nil {
		types = []string{}
	}
	return c.JSON(http.StatusOK, types)
}

// record appends the decision to the audit trail. Recording errors never
// fail the request.
func (h *Handler) record(c echo.Context, identity *UserIdentity, operation, resourceType string, decisionErr error) {
	if h.recorder == nil {
		return
	}
	d := audit.Decision{
		RequestID:    c.Response().Header().Get(echo.HeaderXRequestID),
		Operation:    operation,
		ResourceType: resourceType,
		Allowed:      decisionErr == nil,
	}
	if identity != nil {
		d.Subject = identity.Subject
	}
	if decisionErr != nil {
		d.Cause = "denied"
	}
	if err := h.recorder.Record(c.Request().Context(), audit.NewDecision(d)); err != nil {
		h.log.Warn().Err(err).Msg("audit record failed")
	}
}

func (h *Handler) fail(c echo.Context, err error) error {
	if IsConfigError(err) {
		h.log.Error().Err(err).Msg("configuration fault")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "configuration error"})
	}
	if !errors.Is(err, ErrUnauthorized) {
		h.log.Error().Err(err).Msg("unexpected decision error")
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func badRequest(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request"})
}
