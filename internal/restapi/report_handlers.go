package restapi

import (
	"errors"
	"net/http"

	"tax_reporter/internal/entity"
	"tax_reporter/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BuildReportRequest is the body of POST /api/v1/reports.
type BuildReportRequest struct {
	WalletAddress string  `json:"walletAddress" binding:"required"`
	TaxYear       int     `json:"taxYear"`
	Chains        []int64 `json:"chains"`
}

// APIErrorResponse is the uniform error body.
type APIErrorResponse struct {
	Error string `json:"error"`
}

// ReportHandler handles HTTP requests for tax report generation.
type ReportHandler struct {
	reports *service.ReportService
	logger  *zap.Logger
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(reports *service.ReportService, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		reports: reports,
		logger:  logger.Named("ReportHandler"),
	}
}

// BuildReportHandler generates a tax report for one wallet.
func (h *ReportHandler) BuildReportHandler(c *gin.Context) {
	var req BuildReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	taxReport, err := h.reports.BuildReport(c.Request.Context(), req.WalletAddress, req.TaxYear, req.Chains)
	if err != nil {
		h.logger.Error("Report generation failed",
			zap.String("wallet", req.WalletAddress),
			zap.Int("taxYear", req.TaxYear),
			zap.Error(err))
		c.JSON(statusForError(err), APIErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, taxReport)
}

// HealthHandler reports process liveness.
func (h *ReportHandler) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, entity.ErrInvalidWalletAddress), errors.Is(err, entity.ErrUnknownChain):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrNoProvidersConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
