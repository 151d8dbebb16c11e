package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	"github.com/smallbiznis/verdant/internal/residency"
)

// SubmitWorkload accepts a placement request and runs one evaluation pass.
// Decided and deferred outcomes return 201; gate rejections return the
// persisted rejection outcome at the mapped status.
func (s *Server) SubmitWorkload(c *gin.Context) {
	var req decisiondomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.decisionSvc.Submit(c.Request.Context(), req)
	if err != nil {
		if rejected, status := rejectionOutcome(err); rejected != nil {
			c.JSON(status, gin.H{"data": decisiondomain.ToOutcomeResponse(rejected)})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": decisiondomain.ToOutcomeResponse(outcome)})
}

func (s *Server) GetWorkload(c *gin.Context) {
	id, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_workload_id", "invalid workload id"))
		return
	}

	view, err := s.decisionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decisiondomain.ToWorkloadResponse(view)})
}

// PollWorkload re-runs the evaluation pass. Terminal workloads replay the
// recorded outcome, so calling this repeatedly is safe.
func (s *Server) PollWorkload(c *gin.Context) {
	id, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_workload_id", "invalid workload id"))
		return
	}

	outcome, err := s.decisionSvc.Poll(c.Request.Context(), id)
	if err != nil {
		if rejected, status := rejectionOutcome(err); rejected != nil {
			c.JSON(status, gin.H{"data": decisiondomain.ToOutcomeResponse(rejected)})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decisiondomain.ToOutcomeResponse(outcome)})
}

func (s *Server) ReevaluateWorkload(c *gin.Context) {
	id, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_workload_id", "invalid workload id"))
		return
	}

	outcome, err := s.decisionSvc.Reevaluate(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decisiondomain.ToOutcomeResponse(outcome)})
}

func (s *Server) WithdrawWorkload(c *gin.Context) {
	id, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_workload_id", "invalid workload id"))
		return
	}

	outcome, err := s.decisionSvc.Withdraw(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decisiondomain.ToOutcomeResponse(outcome)})
}

// rejectionOutcome unwraps a persisted gate rejection. Budget exhaustion is
// a conflict; an empty residency region set is a tenant misconfiguration.
func rejectionOutcome(err error) (*decisiondomain.Outcome, int) {
	var rejected *decisiondomain.RejectionError
	if !errors.As(err, &rejected) || rejected.Outcome == nil {
		return nil, 0
	}
	switch {
	case errors.Is(rejected.Cause, residency.ErrResidencyConfigEmpty):
		return rejected.Outcome, http.StatusUnprocessableEntity
	case errors.Is(rejected.Cause, budgetdomain.ErrExceeded):
		return rejected.Outcome, http.StatusConflict
	default:
		return rejected.Outcome, http.StatusConflict
	}
}
