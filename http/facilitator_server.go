package x402http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402labs/go-x402"
)

// FacilitatorServer exposes a Facilitator over the standard HTTP endpoints:
// POST /verify, POST /settle, GET /supported.
type FacilitatorServer struct {
	facilitator *x402.Facilitator
}

// NewFacilitatorServer wraps a facilitator for HTTP serving.
func NewFacilitatorServer(facilitator *x402.Facilitator) *FacilitatorServer {
	return &FacilitatorServer{facilitator: facilitator}
}

// RegisterRoutes attaches the endpoints to a gin router group.
func (s *FacilitatorServer) RegisterRoutes(router gin.IRouter) {
	router.POST("/verify", s.HandleVerify)
	router.POST("/settle", s.HandleSettle)
	router.GET("/supported", s.HandleSupported)
}

// Handler returns a standalone gin engine serving the endpoints.
func (s *FacilitatorServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.RegisterRoutes(engine)
	return engine
}

// HandleVerify decodes the request envelope and runs verification. Invalid
// payments still answer 200; the body carries the verdict.
func (s *FacilitatorServer) HandleVerify(c *gin.Context) {
	var request x402.VerifyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{
			"detail": err.Error(),
		}))
		return
	}
	response, err := s.facilitator.Verify(c.Request.Context(), request.PaymentPayload, request.PaymentRequirements)
	if err != nil {
		c.JSON(http.StatusInternalServerError, x402.InvalidVerify(x402.ReasonUnexpectedVerifyError, map[string]interface{}{
			"detail": err.Error(),
		}))
		return
	}
	c.JSON(http.StatusOK, response)
}

// HandleSettle decodes the request envelope and executes settlement.
func (s *FacilitatorServer) HandleSettle(c *gin.Context) {
	var request x402.VerifyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, x402.FailedSettle(x402.ReasonInvalidPayload, "", map[string]interface{}{
			"detail": err.Error(),
		}))
		return
	}
	response, err := s.facilitator.Settle(c.Request.Context(), request.PaymentPayload, request.PaymentRequirements)
	if err != nil {
		c.JSON(http.StatusInternalServerError, x402.FailedSettle(x402.ReasonUnexpectedSettleError, "", map[string]interface{}{
			"detail": err.Error(),
		}))
		return
	}
	c.JSON(http.StatusOK, response)
}

// HandleSupported lists the facilitator's capabilities.
func (s *FacilitatorServer) HandleSupported(c *gin.Context) {
	response, err := s.facilitator.GetSupported(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, response)
}
