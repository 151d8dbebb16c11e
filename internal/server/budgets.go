package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
)

// ConfigureBudget upserts a service's carbon budget for the current period.
func (s *Server) ConfigureBudget(c *gin.Context) {
	var req budgetdomain.ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ServiceID = c.Param("serviceId")

	resp, err := s.budgetSvc.Configure(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetBudget(c *gin.Context) {
	resp, err := s.budgetSvc.Current(c.Request.Context(), c.Param("serviceId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
