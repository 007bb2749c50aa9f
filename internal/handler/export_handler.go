package handler

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-letter-api/internal/dto"
	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/internal/service"
	"github.com/noah-isme/sma-letter-api/pkg/response"
)

type historyExporter interface {
	ExportHistory(ctx context.Context, actor models.Actor, letterID, format string) (*service.ExportResult, error)
	Download(token string) (*os.File, string, error)
}

// ExportHandler serves rendered audit history files.
type ExportHandler struct {
	exports historyExporter
}

// NewExportHandler constructs an export handler.
func NewExportHandler(exports historyExporter) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// ExportHistory godoc
// @Summary Render a letter's audit history
// @Description Returns a signed, expiring download link.
// @Tags Exports
// @Produce json
// @Param id path string true "Letter ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 201 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /letters/{id}/history/export [post]
func (h *ExportHandler) ExportHistory(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.exports.ExportHistory(c.Request.Context(), actor, c.Param("id"), c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.HistoryExportResponse{
		URL:       result.URL,
		Token:     result.Token,
		Format:    result.Format,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Download godoc
// @Summary Download a rendered export
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 404 {object} response.Envelope
// @Router /exports/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	file, contentType, err := h.exports.Download(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	c.Header("Content-Disposition", "attachment; filename=\""+filepath.Base(file.Name())+"\"")
	c.Header("Cache-Control", "no-store")
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, file)
}
