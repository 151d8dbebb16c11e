package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	"github.com/smallbiznis/verdant/pkg/db/pagination"
)

type listAuditQuery struct {
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
	WorkloadID string `form:"workload_id"`
	TenantID   string `form:"tenant_id"`
	Action     string `form:"action"`
	Since      string `form:"since"`
}

// ListAuditRecords pages through the decision audit trail, newest first.
func (s *Server) ListAuditRecords(c *gin.Context) {
	var query listAuditQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	workloadID, err := parseOptionalSnowflakeID(query.WorkloadID)
	if err != nil {
		AbortWithError(c, newValidationError("workload_id", "invalid_workload_id", "invalid workload_id"))
		return
	}

	tenantID, err := parseOptionalSnowflakeID(query.TenantID)
	if err != nil {
		AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant_id"))
		return
	}

	since, err := parseOptionalTime(query.Since, false)
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "invalid since"))
		return
	}

	req := auditdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Action: strings.TrimSpace(query.Action),
		Since:  since,
	}
	if workloadID != nil {
		req.WorkloadID = *workloadID
	}
	if tenantID != nil {
		req.TenantID = *tenantID
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Records, "page_info": resp.PageInfo})
}
