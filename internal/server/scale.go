package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

// GetScaleVerdict answers whether extra capacity for a workload class
// should be scheduled in a region right now.
func (s *Server) GetScaleVerdict(c *gin.Context) {
	class, ok := workloaddomain.Classify(c.Param("class"))
	if !ok {
		AbortWithError(c, newValidationError("class", "invalid_class", "invalid workload class"))
		return
	}

	verdict, err := s.scalerSvc.ShouldScale(c.Request.Context(), c.Param("regionId"), class)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": verdict})
}
