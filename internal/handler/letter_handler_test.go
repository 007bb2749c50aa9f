package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-letter-api/internal/dto"
	"github.com/noah-isme/sma-letter-api/internal/middleware"
	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

type letterServiceMock struct {
	letter     *models.Letter
	err        error
	lastActor  models.Actor
	lastID     string
	lastBody   interface{}
	lastDate   time.Time
	lastQuery  dto.LetterListQuery
	suggestion *models.NumberSuggestion
}

func (m *letterServiceMock) record(actor models.Actor, id string, body interface{}) (*models.Letter, error) {
	m.lastActor, m.lastID, m.lastBody = actor, id, body
	return m.letter, m.err
}

func (m *letterServiceMock) Submit(_ context.Context, actor models.Actor, req dto.SubmitLetterRequest) (*models.Letter, error) {
	return m.record(actor, "", req)
}

func (m *letterServiceMock) Approve(_ context.Context, actor models.Actor, id string, req dto.ApproveLetterRequest) (*models.Letter, error) {
	return m.record(actor, id, req)
}

func (m *letterServiceMock) Reject(_ context.Context, actor models.Actor, id string, req dto.ReviewLetterRequest) (*models.Letter, error) {
	return m.record(actor, id, req)
}

func (m *letterServiceMock) Revise(_ context.Context, actor models.Actor, id string, req dto.ReviewLetterRequest) (*models.Letter, error) {
	return m.record(actor, id, req)
}

func (m *letterServiceMock) SelfRevise(_ context.Context, actor models.Actor, id string, req dto.SelfReviseLetterRequest) (*models.Letter, error) {
	return m.record(actor, id, req)
}

func (m *letterServiceMock) Resubmit(_ context.Context, actor models.Actor, id string, req dto.ResubmitLetterRequest) (*models.Letter, error) {
	return m.record(actor, id, req)
}

func (m *letterServiceMock) Cancel(_ context.Context, actor models.Actor, id string) (*models.Letter, error) {
	return m.record(actor, id, nil)
}

func (m *letterServiceMock) SuggestNumber(_ context.Context, actor models.Actor, id string, date time.Time) (*models.NumberSuggestion, error) {
	m.lastActor, m.lastID, m.lastDate = actor, id, date
	return m.suggestion, m.err
}

func (m *letterServiceMock) AssignNumber(_ context.Context, actor models.Actor, id string, req dto.AssignNumberRequest) (*models.Letter, error) {
	return m.record(actor, id, req)
}

func (m *letterServiceMock) Get(_ context.Context, actor models.Actor, id string) (*dto.LetterDetail, error) {
	m.lastActor, m.lastID = actor, id
	if m.err != nil {
		return nil, m.err
	}
	return &dto.LetterDetail{Letter: *m.letter}, nil
}

func (m *letterServiceMock) History(_ context.Context, actor models.Actor, id string) ([]models.AuditEntry, error) {
	m.lastActor, m.lastID = actor, id
	return []models.AuditEntry{{Action: models.AuditActionSubmitted}}, m.err
}

func (m *letterServiceMock) Inbox(_ context.Context, actor models.Actor, query dto.LetterListQuery) ([]models.Letter, *models.Pagination, error) {
	m.lastActor, m.lastQuery = actor, query
	return []models.Letter{*m.letter}, &models.Pagination{Limit: 20, Count: 1}, m.err
}

func (m *letterServiceMock) ListMine(ctx context.Context, actor models.Actor, query dto.LetterListQuery) ([]models.Letter, *models.Pagination, error) {
	return m.Inbox(ctx, actor, query)
}

func newGinContext(method, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func authenticate(c *gin.Context, userID string) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: userID})
}

func sampleLetter() *models.Letter {
	return &models.Letter{ID: "L1", Status: models.LetterStatusProcessing, CurrentStep: models.StepCoordinator.Ptr(), CreatedByID: "creator"}
}

func TestLetterHandlerSubmit(t *testing.T) {
	svc := &letterServiceMock{letter: sampleLetter()}
	h := NewLetterHandler(svc)

	c, w := newGinContext(http.MethodPost, "/letters", []byte(`{"assignedApprovers":{"supervisor":"s1"},"values":{"purpose":"x"}}`))
	authenticate(c, "creator")
	h.Submit(c)

	require.Equal(t, http.StatusCreated, w.Code)
	req := svc.lastBody.(dto.SubmitLetterRequest)
	assert.Equal(t, "s1", req.AssignedApprovers.Supervisor)
	assert.JSONEq(t, `{"purpose":"x"}`, string(req.Values))
	assert.Equal(t, "creator", svc.lastActor.UserID)
}

func TestLetterHandlerRequiresActor(t *testing.T) {
	h := NewLetterHandler(&letterServiceMock{letter: sampleLetter()})
	c, w := newGinContext(http.MethodPost, "/letters/L1/cancel", nil)
	c.Params = gin.Params{{Key: "id", Value: "L1"}}
	h.Cancel(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLetterHandlerApproveBindsBody(t *testing.T) {
	svc := &letterServiceMock{letter: sampleLetter()}
	h := NewLetterHandler(svc)

	c, w := newGinContext(http.MethodPost, "/letters/L1/approve", []byte(`{"step":7,"signature":{"ref":"blob-1","data":"abc"}}`))
	c.Params = gin.Params{{Key: "id", Value: "L1"}}
	authenticate(c, "s7")
	h.Approve(c)

	require.Equal(t, http.StatusOK, w.Code)
	req := svc.lastBody.(dto.ApproveLetterRequest)
	assert.Equal(t, 7, req.Step)
	require.NotNil(t, req.Signature)
	assert.Equal(t, "blob-1", req.Signature.Ref)
	assert.Equal(t, "L1", svc.lastID)
}

func TestLetterHandlerMalformedBody(t *testing.T) {
	h := NewLetterHandler(&letterServiceMock{letter: sampleLetter()})
	c, w := newGinContext(http.MethodPost, "/letters/L1/reject", []byte(`{"step":`))
	c.Params = gin.Params{{Key: "id", Value: "L1"}}
	authenticate(c, "s1")
	h.Reject(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLetterHandlerMapsWorkflowErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: appErrors.ErrInvalidStep, status: http.StatusConflict, code: "INVALID_STEP"},
		{err: appErrors.ErrNotPermitted, status: http.StatusForbidden, code: "UNAUTHORIZED"},
		{err: appErrors.ErrDuplicateNumber, status: http.StatusConflict, code: "DUPLICATE_NUMBER"},
		{err: appErrors.ErrConflictRetryable, status: http.StatusConflict, code: "CONFLICT_RETRYABLE"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := NewLetterHandler(&letterServiceMock{err: tc.err})
			c, w := newGinContext(http.MethodPost, "/letters/L1/number", []byte(`{"numberString":"X-1/03/05/2025"}`))
			c.Params = gin.Params{{Key: "id", Value: "L1"}}
			authenticate(c, "s8")
			h.AssignNumber(c)

			require.Equal(t, tc.status, w.Code)
			var body struct {
				Error appErrors.Error `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error.Code)
			if tc.code == "CONFLICT_RETRYABLE" {
				assert.Equal(t, "0", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestLetterHandlerSuggestNumber(t *testing.T) {
	svc := &letterServiceMock{suggestion: &models.NumberSuggestion{NumberString: "X-4/03/05/2025", Counter: 4}}
	h := NewLetterHandler(svc)

	c, w := newGinContext(http.MethodGet, "/letters/L1/number/suggestion?date=2025-05-03", nil)
	c.Params = gin.Params{{Key: "id", Value: "L1"}}
	authenticate(c, "s8")
	h.SuggestNumber(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "X-4/03/05/2025")
	assert.Equal(t, time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC), svc.lastDate)

	c, w = newGinContext(http.MethodGet, "/letters/L1/number/suggestion?date=03-05-2025", nil)
	authenticate(c, "s8")
	h.SuggestNumber(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLetterHandlerInboxQuery(t *testing.T) {
	svc := &letterServiceMock{letter: sampleLetter()}
	h := NewLetterHandler(svc)

	c, w := newGinContext(http.MethodGet, "/letters/inbox?status=processing,REVISION&limit=5&offset=10", nil)
	authenticate(c, "s2")
	h.Inbox(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.LetterStatus{models.LetterStatusProcessing, models.LetterStatusRevision}, svc.lastQuery.Status)
	assert.Equal(t, 5, svc.lastQuery.Limit)
	assert.Equal(t, 10, svc.lastQuery.Offset)
	assert.Contains(t, w.Body.String(), `"pagination"`)

	c, w = newGinContext(http.MethodGet, "/letters/mine?status=ARCHIVED", nil)
	authenticate(c, "creator")
	h.Mine(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c, w = newGinContext(http.MethodGet, "/letters/mine?limit=-1", nil)
	authenticate(c, "creator")
	h.Mine(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLetterHandlerGetAndHistory(t *testing.T) {
	svc := &letterServiceMock{letter: sampleLetter()}
	h := NewLetterHandler(svc)

	c, w := newGinContext(http.MethodGet, "/letters/L1", nil)
	c.Params = gin.Params{{Key: "id", Value: "L1"}}
	authenticate(c, "creator")
	h.Get(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"awaitingResubmission":false`)

	c, w = newGinContext(http.MethodGet, "/letters/L1/history", nil)
	c.Params = gin.Params{{Key: "id", Value: "L1"}}
	authenticate(c, "creator")
	h.History(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SUBMITTED")
}
