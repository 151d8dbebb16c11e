package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	apikeydomain "github.com/smallbiznis/verdant/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"github.com/smallbiznis/verdant/internal/residency"
	scalerdomain "github.com/smallbiznis/verdant/internal/scaler/domain"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   "request",
				Code:    "invalid_request",
				Message: "invalid request",
			},
		},
	}
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Code:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Code:    "invalid_request",
			Message: "invalid request",
			Details: vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusUnprocessableEntity, errorPayload{
			Code:    "validation_error",
			Message: "validation error",
			Details: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Code:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Code:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Code:    conflictErrorCode(err),
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Code:    "not_found",
			Message: "not found",
		}
	case isResidencyConfigError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Code:    "residency_config_invalid",
			Message: err.Error(),
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Code:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Code:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Code:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// isValidationError covers the domain sentinels raised when a well-formed
// request carries a value the domain refuses.
func isValidationError(err error) bool {
	switch {
	case errors.Is(err, regiondomain.ErrInvalidID),
		errors.Is(err, regiondomain.ErrInvalidDisplayName),
		errors.Is(err, regiondomain.ErrInvalidCost),
		errors.Is(err, regiondomain.ErrInvalidRenewable),
		errors.Is(err, regiondomain.ErrInvalidBaseline),
		errors.Is(err, regiondomain.ErrInvalidScore),
		errors.Is(err, regiondomain.ErrInvalidWindow),
		errors.Is(err, regiondomain.ErrInvalidIntensity),
		errors.Is(err, regiondomain.ErrInvalidObservedAt):
		return true
	case errors.Is(err, tenantdomain.ErrInvalidID),
		errors.Is(err, tenantdomain.ErrInvalidName),
		errors.Is(err, tenantdomain.ErrInvalidResidencyClass),
		errors.Is(err, tenantdomain.ErrInvalidEnforcementMode),
		errors.Is(err, tenantdomain.ErrPrimaryRegionRequired),
		errors.Is(err, tenantdomain.ErrPrimaryRegionUnknown):
		return true
	case errors.Is(err, budgetdomain.ErrInvalidServiceID),
		errors.Is(err, budgetdomain.ErrInvalidLimit),
		errors.Is(err, budgetdomain.ErrInvalidThreshold),
		errors.Is(err, budgetdomain.ErrInvalidAction):
		return true
	case errors.Is(err, workloaddomain.ErrInvalidService),
		errors.Is(err, workloaddomain.ErrInvalidEnergy),
		errors.Is(err, workloaddomain.ErrInvalidTenant):
		return true
	case errors.Is(err, alertdomain.ErrInvalidType),
		errors.Is(err, alertdomain.ErrInvalidSeverity),
		errors.Is(err, alertdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return true
	case errors.Is(err, apikeydomain.ErrInvalidName):
		return true
	case errors.Is(err, residency.ErrUnknownResidencyClass),
		errors.Is(err, residency.ErrUnknownEnforcementMode):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, regiondomain.ErrNotFound),
		errors.Is(err, tenantdomain.ErrNotFound),
		errors.Is(err, budgetdomain.ErrNotFound),
		errors.Is(err, workloaddomain.ErrWorkloadNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, budgetdomain.ErrExceeded),
		errors.Is(err, decisiondomain.ErrDecisionImmutable),
		errors.Is(err, workloaddomain.ErrWorkloadTerminal),
		errors.Is(err, regiondomain.ErrAlreadyExists),
		errors.Is(err, scalerdomain.ErrRegionInactive):
		return true
	default:
		return false
	}
}

func conflictErrorCode(err error) string {
	switch {
	case errors.Is(err, budgetdomain.ErrExceeded):
		return "budget_exceeded"
	case errors.Is(err, decisiondomain.ErrDecisionImmutable):
		return "decision_immutable"
	case errors.Is(err, workloaddomain.ErrWorkloadTerminal):
		return "workload_terminal"
	case errors.Is(err, regiondomain.ErrAlreadyExists):
		return "region_already_exists"
	case errors.Is(err, scalerdomain.ErrRegionInactive):
		return "region_inactive"
	default:
		return "conflict"
	}
}

func isResidencyConfigError(err error) bool {
	return errors.Is(err, residency.ErrResidencyConfigEmpty)
}

func validationErrorField(code string) string {
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

// classifyErrorForLog labels request errors for the access log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server_error", payload.Code
	case status >= http.StatusBadRequest:
		return "client_error", payload.Code
	default:
		return "", ""
	}
}
