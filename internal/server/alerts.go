package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	"github.com/smallbiznis/verdant/pkg/db/pagination"
)

type listAlertsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Type      string `form:"type"`
	Severity  string `form:"severity"`
	ServiceID string `form:"service_id"`
	Since     string `form:"since"`
}

func (s *Server) ListAlerts(c *gin.Context) {
	var query listAlertsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	since, err := parseOptionalTime(query.Since, false)
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "invalid since"))
		return
	}

	resp, err := s.alertSvc.List(c.Request.Context(), alertdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Type:      strings.TrimSpace(query.Type),
		Severity:  strings.TrimSpace(query.Severity),
		ServiceID: strings.TrimSpace(query.ServiceID),
		Since:     since,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Alerts, "page_info": resp.PageInfo})
}
