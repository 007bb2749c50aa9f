package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-letter-api/internal/dto"
	"github.com/noah-isme/sma-letter-api/internal/middleware"
	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
	"github.com/noah-isme/sma-letter-api/pkg/response"
)

type letterService interface {
	Submit(ctx context.Context, actor models.Actor, req dto.SubmitLetterRequest) (*models.Letter, error)
	Approve(ctx context.Context, actor models.Actor, letterID string, req dto.ApproveLetterRequest) (*models.Letter, error)
	Reject(ctx context.Context, actor models.Actor, letterID string, req dto.ReviewLetterRequest) (*models.Letter, error)
	Revise(ctx context.Context, actor models.Actor, letterID string, req dto.ReviewLetterRequest) (*models.Letter, error)
	SelfRevise(ctx context.Context, actor models.Actor, letterID string, req dto.SelfReviseLetterRequest) (*models.Letter, error)
	Resubmit(ctx context.Context, actor models.Actor, letterID string, req dto.ResubmitLetterRequest) (*models.Letter, error)
	Cancel(ctx context.Context, actor models.Actor, letterID string) (*models.Letter, error)
	SuggestNumber(ctx context.Context, actor models.Actor, letterID string, date time.Time) (*models.NumberSuggestion, error)
	AssignNumber(ctx context.Context, actor models.Actor, letterID string, req dto.AssignNumberRequest) (*models.Letter, error)
	Get(ctx context.Context, actor models.Actor, letterID string) (*dto.LetterDetail, error)
	History(ctx context.Context, actor models.Actor, letterID string) ([]models.AuditEntry, error)
	Inbox(ctx context.Context, actor models.Actor, query dto.LetterListQuery) ([]models.Letter, *models.Pagination, error)
	ListMine(ctx context.Context, actor models.Actor, query dto.LetterListQuery) ([]models.Letter, *models.Pagination, error)
}

// LetterHandler exposes the approval workflow.
type LetterHandler struct {
	letters letterService
}

// NewLetterHandler constructs a letter handler.
func NewLetterHandler(letters letterService) *LetterHandler {
	return &LetterHandler{letters: letters}
}

// Submit godoc
// @Summary Submit a letter
// @Description Opens a letter at step 1. A creator may have one letter in progress.
// @Tags Letters
// @Accept json
// @Produce json
// @Param payload body dto.SubmitLetterRequest true "Approvers and form values"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /letters [post]
func (h *LetterHandler) Submit(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.SubmitLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	letter, err := h.letters.Submit(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, letter)
}

// Mine godoc
// @Summary List my letters
// @Tags Letters
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /letters/mine [get]
func (h *LetterHandler) Mine(c *gin.Context) {
	h.list(c, h.letters.ListMine)
}

// Inbox godoc
// @Summary List letters awaiting my action
// @Description Defaults to letters in PROCESSING.
// @Tags Letters
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /letters/inbox [get]
func (h *LetterHandler) Inbox(c *gin.Context) {
	h.list(c, h.letters.Inbox)
}

type listFunc func(ctx context.Context, actor models.Actor, query dto.LetterListQuery) ([]models.Letter, *models.Pagination, error)

func (h *LetterHandler) list(c *gin.Context, fn listFunc) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	query, err := listQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	letters, pagination, err := fn(c.Request.Context(), actor, query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, letters, pagination, middleware.ExtractMeta(c))
}

// Get godoc
// @Summary Get a letter
// @Tags Letters
// @Produce json
// @Param id path string true "Letter ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /letters/{id} [get]
func (h *LetterHandler) Get(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	detail, err := h.letters.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// History godoc
// @Summary Audit history of a letter
// @Tags Letters
// @Produce json
// @Param id path string true "Letter ID"
// @Success 200 {object} response.Envelope
// @Router /letters/{id}/history [get]
func (h *LetterHandler) History(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	history, err := h.letters.History(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}

// Approve godoc
// @Summary Approve the current step
// @Description Step 7 requires a signature payload. Step 8 completes through number assignment.
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path string true "Letter ID"
// @Param payload body dto.ApproveLetterRequest true "Step and optional comment"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /letters/{id}/approve [post]
func (h *LetterHandler) Approve(c *gin.Context) {
	var req dto.ApproveLetterRequest
	h.command(c, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Letter, error) {
		return h.letters.Approve(ctx, actor, id, req)
	})
}

// Reject godoc
// @Summary Reject the letter
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path string true "Letter ID"
// @Param payload body dto.ReviewLetterRequest true "Step and comment (10+ characters)"
// @Success 200 {object} response.Envelope
// @Router /letters/{id}/reject [post]
func (h *LetterHandler) Reject(c *gin.Context) {
	var req dto.ReviewLetterRequest
	h.command(c, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Letter, error) {
		return h.letters.Reject(ctx, actor, id, req)
	})
}

// Revise godoc
// @Summary Send the letter back to the requester
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path string true "Letter ID"
// @Param payload body dto.ReviewLetterRequest true "Step and comment (10+ characters)"
// @Success 200 {object} response.Envelope
// @Router /letters/{id}/revise [post]
func (h *LetterHandler) Revise(c *gin.Context) {
	var req dto.ReviewLetterRequest
	h.command(c, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Letter, error) {
		return h.letters.Revise(ctx, actor, id, req)
	})
}

// SelfRevise godoc
// @Summary Pull an unsigned letter back for correction
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path string true "Letter ID"
// @Param payload body dto.SelfReviseLetterRequest false "Optional comment"
// @Success 200 {object} response.Envelope
// @Router /letters/{id}/self-revise [post]
func (h *LetterHandler) SelfRevise(c *gin.Context) {
	var req dto.SelfReviseLetterRequest
	h.command(c, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Letter, error) {
		return h.letters.SelfRevise(ctx, actor, id, req)
	})
}

// Resubmit godoc
// @Summary Resubmit corrected values
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path string true "Letter ID"
// @Param payload body dto.ResubmitLetterRequest true "Corrected form values"
// @Success 200 {object} response.Envelope
// @Router /letters/{id}/resubmit [post]
func (h *LetterHandler) Resubmit(c *gin.Context) {
	var req dto.ResubmitLetterRequest
	h.command(c, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Letter, error) {
		return h.letters.Resubmit(ctx, actor, id, req)
	})
}

// Cancel godoc
// @Summary Cancel an unsigned letter
// @Tags Workflow
// @Produce json
// @Param id path string true "Letter ID"
// @Success 200 {object} response.Envelope
// @Router /letters/{id}/cancel [post]
func (h *LetterHandler) Cancel(c *gin.Context) {
	h.command(c, nil, func(ctx context.Context, actor models.Actor, id string) (*models.Letter, error) {
		return h.letters.Cancel(ctx, actor, id)
	})
}

// SuggestNumber godoc
// @Summary Suggest the next document number
// @Description Advisory only; nothing is reserved.
// @Tags Numbering
// @Produce json
// @Param id path string true "Letter ID"
// @Param date query string false "Date (YYYY-MM-DD), defaults to today"
// @Success 200 {object} response.Envelope
// @Router /letters/{id}/number/suggestion [get]
func (h *LetterHandler) SuggestNumber(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var date time.Time
	if raw := c.Query("date"); raw != "" {
		date, err = time.Parse("2006-01-02", raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "date must be YYYY-MM-DD"))
			return
		}
	}
	suggestion, err := h.letters.SuggestNumber(c.Request.Context(), actor, c.Param("id"), date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, suggestion, nil)
}

// AssignNumber godoc
// @Summary Assign the document number and complete the letter
// @Tags Numbering
// @Accept json
// @Produce json
// @Param id path string true "Letter ID"
// @Param payload body dto.AssignNumberRequest true "Document number"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /letters/{id}/number [post]
func (h *LetterHandler) AssignNumber(c *gin.Context) {
	var req dto.AssignNumberRequest
	h.command(c, &req, func(ctx context.Context, actor models.Actor, id string) (*models.Letter, error) {
		return h.letters.AssignNumber(ctx, actor, id, req)
	})
}

type commandFunc func(ctx context.Context, actor models.Actor, letterID string) (*models.Letter, error)

// command binds an optional JSON body into req and runs fn for the caller.
func (h *LetterHandler) command(c *gin.Context, req interface{}, fn commandFunc) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if req != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
			return
		}
	}
	letter, err := fn(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, letter, nil)
}
