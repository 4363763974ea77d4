package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-analysis/apk-rgb-go/internal/repository"
	"github.com/apk-analysis/apk-rgb-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ScanHandler 扫描记录查询
type ScanHandler struct {
	scanService service.ScanService
	logger      *logrus.Logger
}

// NewScanHandler 创建扫描查询处理器
func NewScanHandler(scanService service.ScanService, logger *logrus.Logger) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
		logger:      logger,
	}
}

// ListScans GET /api/scans?limit=50
func (h *ScanHandler) ListScans(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	// 限制最大数量，防止过大的查询
	if limit > 500 {
		limit = 500
	}

	scans, err := h.scanService.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scans": scans,
		"count": len(scans),
	})
}

// GetScan GET /api/scans/:id
func (h *ScanHandler) GetScan(c *gin.Context) {
	scan, err := h.scanService.GetScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrScanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, scan)
}

// GetStats GET /api/stats
func (h *ScanHandler) GetStats(c *gin.Context) {
	stats, err := h.scanService.Statistics(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to load statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
