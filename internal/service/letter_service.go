package service

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/noah-isme/sma-letter-api/internal/dto"
	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/internal/repository"
	"github.com/noah-isme/sma-letter-api/internal/workflow"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

type letterStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) error
	GetByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Letter, error)
	GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Letter, error)
	FindActiveByCreator(ctx context.Context, exec sqlx.ExtContext, creatorID string) (*models.Letter, error)
	UpdateState(ctx context.Context, exec sqlx.ExtContext, params repository.UpdateLetterStateParams) error
	List(ctx context.Context, filter models.LetterFilter) ([]models.Letter, error)
}

type auditStore interface {
	Append(ctx context.Context, exec sqlx.ExtContext, entry *models.AuditEntry) error
	History(ctx context.Context, exec sqlx.ExtContext, letterID string) ([]models.AuditEntry, error)
}

type numberingStore interface {
	Reserve(ctx context.Context, exec sqlx.ExtContext, record *models.NumberingRecord) error
	GetByLetter(ctx context.Context, exec sqlx.ExtContext, letterID string) (*models.NumberingRecord, error)
	NextCounter(ctx context.Context, prefix string, date time.Time) (int, error)
}

type unitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context, exec sqlx.ExtContext) error) error
}

type transitionPublisher interface {
	Publish(event TransitionEvent)
}

// LetterServiceConfig tunes numbering and rollback behaviour.
type LetterServiceConfig struct {
	NumberingPrefix string
	Location        *time.Location
	Rollback        workflow.RollbackPolicy
}

// LetterService is the workflow façade. Every command runs in one transaction:
// lock the row, compute the transition, conditionally update, append the audit
// entries, commit.
type LetterService struct {
	letters   letterStore
	audit     auditStore
	numbering numberingStore
	tx        unitOfWork
	machine   *workflow.Machine
	validator *validator.Validate
	cache     *CacheService
	metrics   *MetricsService
	events    transitionPublisher
	logger    *zap.Logger
	cfg       LetterServiceConfig
	now       func() time.Time
}

// LetterServiceOption configures the service.
type LetterServiceOption func(*LetterService)

// WithLetterCache enables the read cache for history and listings.
func WithLetterCache(cache *CacheService) LetterServiceOption {
	return func(s *LetterService) {
		s.cache = cache
	}
}

// WithLetterMetrics records transition counters.
func WithLetterMetrics(metrics *MetricsService) LetterServiceOption {
	return func(s *LetterService) {
		s.metrics = metrics
	}
}

// WithTransitionPublisher hands committed transitions to the notifier.
func WithTransitionPublisher(events transitionPublisher) LetterServiceOption {
	return func(s *LetterService) {
		s.events = events
	}
}

// WithLetterClock overrides the time source.
func WithLetterClock(now func() time.Time) LetterServiceOption {
	return func(s *LetterService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLetterService constructs the façade.
func NewLetterService(letters letterStore, audit auditStore, numbering numberingStore, tx unitOfWork, validate *validator.Validate, logger *zap.Logger, cfg LetterServiceConfig, opts ...LetterServiceOption) *LetterService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NumberingPrefix == "" {
		cfg.NumberingPrefix = "SK"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	svc := &LetterService{
		letters:   letters,
		audit:     audit,
		numbering: numbering,
		tx:        tx,
		machine:   workflow.NewMachine(cfg.Rollback),
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Submit opens a new letter at step 1.
func (s *LetterService) Submit(ctx context.Context, actor models.Actor, req dto.SubmitLetterRequest) (*models.Letter, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	values, err := s.validateValues(req.Values, req)
	if err != nil {
		return nil, err
	}

	var result *workflow.Transition
	err = s.run(ctx, "submit", func(ctx context.Context, exec sqlx.ExtContext) error {
		t, err := s.machine.Submit(uuid.NewString(), actor.UserID, req.AssignedApprovers, values, s.now().UTC())
		if err != nil {
			return err
		}
		existing, err := s.letters.FindActiveByCreator(ctx, exec, actor.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			return appErrors.Clone(appErrors.ErrActiveSubmission, "creator already has letter "+existing.ID+" in progress")
		}
		if err := s.letters.Create(ctx, exec, &t.Letter); err != nil {
			return err
		}
		if err := s.appendEntries(ctx, exec, t); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, actor, result)
	return &result.Letter, nil
}

// Approve advances the letter past the given step.
func (s *LetterService) Approve(ctx context.Context, actor models.Actor, letterID string, req dto.ApproveLetterRequest) (*models.Letter, error) {
	if err := s.validateRequest(actor, req, "invalid approve payload"); err != nil {
		return nil, err
	}
	step, err := parseStep(req.Step)
	if err != nil {
		return nil, err
	}
	var signature *workflow.Signature
	if step == models.SigningStep && req.Signature != nil {
		signature = &workflow.Signature{Ref: req.Signature.Ref, Digest: signatureDigest(req.Signature)}
	}
	return s.mutate(ctx, actor, letterID, string(workflow.ActionApprove), func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error) {
		return s.machine.Approve(letter, actor.UserID, step, req.Comment, signature, s.now().UTC())
	})
}

// Reject terminates the letter at the given step.
func (s *LetterService) Reject(ctx context.Context, actor models.Actor, letterID string, req dto.ReviewLetterRequest) (*models.Letter, error) {
	if err := s.validateRequest(actor, req, "invalid reject payload"); err != nil {
		return nil, err
	}
	step, err := parseStep(req.Step)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, letterID, string(workflow.ActionReject), func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error) {
		return s.machine.Reject(letter, actor.UserID, step, req.Comment, s.now().UTC())
	})
}

// Revise sends the letter back to the requester from the given step.
func (s *LetterService) Revise(ctx context.Context, actor models.Actor, letterID string, req dto.ReviewLetterRequest) (*models.Letter, error) {
	if err := s.validateRequest(actor, req, "invalid revise payload"); err != nil {
		return nil, err
	}
	step, err := parseStep(req.Step)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, letterID, string(workflow.ActionRevise), func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error) {
		return s.machine.Revise(letter, actor.UserID, step, req.Comment, s.now().UTC())
	})
}

// SelfRevise lets the creator pull an unsigned letter back for correction.
func (s *LetterService) SelfRevise(ctx context.Context, actor models.Actor, letterID string, req dto.SelfReviseLetterRequest) (*models.Letter, error) {
	if err := s.validateRequest(actor, req, "invalid self-revise payload"); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, letterID, string(workflow.ActionSelfRevise), func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error) {
		return s.machine.SelfRevise(letter, actor.UserID, req.Comment, s.now().UTC())
	})
}

// Resubmit replaces the form values and resumes processing at the rollback step.
func (s *LetterService) Resubmit(ctx context.Context, actor models.Actor, letterID string, req dto.ResubmitLetterRequest) (*models.Letter, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	values, err := s.validateValues(req.Values, req)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, letterID, string(workflow.ActionResubmit), func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error) {
		history, err := s.audit.History(ctx, exec, letter.ID)
		if err != nil {
			return nil, err
		}
		return s.machine.Resubmit(letter, history, actor.UserID, values, s.now().UTC())
	})
}

// Cancel withdraws an unsigned letter.
func (s *LetterService) Cancel(ctx context.Context, actor models.Actor, letterID string) (*models.Letter, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, letterID, string(workflow.ActionCancel), func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error) {
		return s.machine.Cancel(letter, actor.UserID, s.now().UTC())
	})
}

// SuggestNumber proposes the next free document number for the calendar day of
// date (today in the numbering location when zero). It reserves nothing, so
// repeated calls agree until a number is assigned.
func (s *LetterService) SuggestNumber(ctx context.Context, actor models.Actor, letterID string, date time.Time) (*models.NumberSuggestion, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	letter, err := s.letters.GetByID(ctx, nil, letterID)
	if err != nil {
		return nil, s.translate(err)
	}
	if err := s.machine.CheckNumbering(letter, actor.UserID, workflow.ActionSuggestNumber); err != nil {
		return nil, err
	}
	date = s.numberingDate(date)
	counter, err := s.numbering.NextCounter(ctx, s.cfg.NumberingPrefix, date)
	if err != nil {
		return nil, s.translate(err)
	}
	s.metrics.RecordNumberSuggestion()
	return &models.NumberSuggestion{
		NumberString: workflow.FormatNumber(s.cfg.NumberingPrefix, counter, date),
		Counter:      counter,
		Date:         date,
	}, nil
}

// numberingDate keeps the caller's year, month and day as given and anchors them
// at midnight in the numbering location.
func (s *LetterService) numberingDate(date time.Time) time.Time {
	if date.IsZero() {
		date = s.now().In(s.cfg.Location)
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
}

// AssignNumber reserves the document number and completes the letter.
func (s *LetterService) AssignNumber(ctx context.Context, actor models.Actor, letterID string, req dto.AssignNumberRequest) (*models.Letter, error) {
	if err := s.validateRequest(actor, req, "invalid numbering payload"); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, letterID, string(workflow.ActionAssignNumber), func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error) {
		return s.machine.AssignNumber(letter, actor.UserID, req.NumberString, s.now().UTC())
	})
}

// Get returns the letter with its numbering and resubmission flag.
func (s *LetterService) Get(ctx context.Context, actor models.Actor, letterID string) (*dto.LetterDetail, error) {
	letter, history, err := s.loadVisible(ctx, actor, letterID)
	if err != nil {
		return nil, err
	}
	if letter.Status == models.LetterStatusCompleted {
		record, err := s.numbering.GetByLetter(ctx, nil, letter.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, s.translate(err)
		}
		letter.Numbering = record
	}
	return &dto.LetterDetail{Letter: *letter, AwaitingResubmission: letter.Status == models.LetterStatusRevision && workflow.AwaitingResubmission(history)}, nil
}

// History returns the letter's audit entries oldest first.
func (s *LetterService) History(ctx context.Context, actor models.Actor, letterID string) ([]models.AuditEntry, error) {
	_, history, err := s.loadVisible(ctx, actor, letterID)
	if err != nil {
		return nil, err
	}
	return history, nil
}

// Inbox lists letters whose current step is assigned to the actor. Without a
// status filter it covers every actionable letter, PROCESSING and REVISION.
func (s *LetterService) Inbox(ctx context.Context, actor models.Actor, query dto.LetterListQuery) ([]models.Letter, *models.Pagination, error) {
	if err := requireActor(actor); err != nil {
		return nil, nil, err
	}
	filter := listFilter(query, []models.LetterStatus{models.LetterStatusProcessing, models.LetterStatusRevision})
	filter.AssigneeID = actor.UserID
	return s.list(ctx, "inbox", actor.UserID, filter)
}

// ListMine lists letters created by the actor.
func (s *LetterService) ListMine(ctx context.Context, actor models.Actor, query dto.LetterListQuery) ([]models.Letter, *models.Pagination, error) {
	if err := requireActor(actor); err != nil {
		return nil, nil, err
	}
	filter := listFilter(query, nil)
	filter.CreatedByID = actor.UserID
	return s.list(ctx, "mine", actor.UserID, filter)
}

func (s *LetterService) list(ctx context.Context, kind, userID string, filter models.LetterFilter) ([]models.Letter, *models.Pagination, error) {
	key := ListingKey(kind, userID, filter)
	var letters []models.Letter
	if !s.cache.Get(ctx, key, &letters) {
		var err error
		letters, err = s.letters.List(ctx, filter)
		if err != nil {
			return nil, nil, s.translate(err)
		}
		if letters == nil {
			letters = []models.Letter{}
		}
		s.cache.Set(ctx, key, letters)
	}
	return letters, &models.Pagination{Limit: filter.Limit, Offset: filter.Offset, Count: len(letters)}, nil
}

func (s *LetterService) loadVisible(ctx context.Context, actor models.Actor, letterID string) (*models.Letter, []models.AuditEntry, error) {
	if err := requireActor(actor); err != nil {
		return nil, nil, err
	}
	letter, err := s.letters.GetByID(ctx, nil, letterID)
	if err != nil {
		return nil, nil, s.translate(err)
	}
	var history []models.AuditEntry
	key := HistoryKey(letter.ID)
	cached := s.cache.Get(ctx, key, &history)
	if cached && !workflow.CanView(letter, history, actor.UserID) {
		// A cached log may predate the caller's own entry; only the stored one can deny.
		cached = false
	}
	if !cached {
		history, err = s.audit.History(ctx, nil, letter.ID)
		if err != nil {
			return nil, nil, s.translate(err)
		}
		s.cache.Set(ctx, key, history)
	}
	if !workflow.CanView(letter, history, actor.UserID) {
		return nil, nil, appErrors.Clone(appErrors.ErrNotPermitted, "actor may not view this letter")
	}
	return letter, history, nil
}

type computeFunc func(ctx context.Context, exec sqlx.ExtContext, letter *models.Letter) (*workflow.Transition, error)

// mutate runs a command against an existing letter under a row lock.
func (s *LetterService) mutate(ctx context.Context, actor models.Actor, letterID, action string, compute computeFunc) (*models.Letter, error) {
	var result *workflow.Transition
	err := s.run(ctx, action, func(ctx context.Context, exec sqlx.ExtContext) error {
		letter, err := s.letters.GetForUpdate(ctx, exec, letterID)
		if err != nil {
			return err
		}
		t, err := compute(ctx, exec, letter)
		if err != nil {
			return err
		}
		if t.Numbering != nil {
			if err := s.numbering.Reserve(ctx, exec, t.Numbering); err != nil {
				return err
			}
		}
		err = s.letters.UpdateState(ctx, exec, repository.UpdateLetterStateParams{
			Letter:         &t.Letter,
			ExpectedStatus: t.FromStatus,
			ExpectedStep:   t.FromStep,
		})
		if err != nil {
			return err
		}
		if err := s.appendEntries(ctx, exec, t); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, actor, result)
	return &result.Letter, nil
}

// run executes fn in a transaction, translating failures and recording metrics.
func (s *LetterService) run(ctx context.Context, action string, fn func(ctx context.Context, exec sqlx.ExtContext) error) error {
	start := time.Now()
	err := s.tx.Within(ctx, fn)
	elapsed := time.Since(start)
	if err != nil {
		err = s.translate(err)
		s.metrics.RecordTransition(action, outcomeOf(err), elapsed)
		s.logger.Debug("letter command refused", zap.String("action", action), zap.Error(err))
		return err
	}
	s.metrics.RecordTransition(action, OutcomeCommitted, elapsed)
	return nil
}

func (s *LetterService) appendEntries(ctx context.Context, exec sqlx.ExtContext, t *workflow.Transition) error {
	for i := range t.Entries {
		if err := s.audit.Append(ctx, exec, &t.Entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *LetterService) afterCommit(ctx context.Context, actor models.Actor, t *workflow.Transition) {
	letter := t.Letter
	actions := make([]models.AuditAction, len(t.Entries))
	for i, entry := range t.Entries {
		actions[i] = entry.Action
	}
	fields := []zap.Field{
		zap.String("letter_id", letter.ID),
		zap.Any("actions", actions),
		zap.String("actor_id", actor.UserID),
		zap.String("status", string(letter.Status)),
	}
	if letter.CurrentStep != nil {
		fields = append(fields, zap.Int("step", int(*letter.CurrentStep)))
	}
	s.logger.Info("letter transition committed", fields...)

	var previousAssignee *string
	if t.FromStep != nil {
		if approver := letter.AssignedApprovers.ForStep(*t.FromStep); approver != "" {
			previousAssignee = &approver
		}
	}
	s.cache.InvalidateLetter(ctx, &letter, previousAssignee)

	if s.events != nil {
		event := TransitionEvent{
			LetterID:          letter.ID,
			Actions:           actions,
			ActorUserID:       actor.UserID,
			CreatedByID:       letter.CreatedByID,
			FromStatus:        t.FromStatus,
			ToStatus:          letter.Status,
			FromStep:          t.FromStep,
			ToStep:            letter.CurrentStep,
			CurrentAssigneeID: letter.CurrentAssigneeID,
			OccurredAt:        letter.UpdatedAt,
		}
		if t.Numbering != nil {
			event.NumberString = t.Numbering.NumberString
		}
		s.events.Publish(event)
	}
}

func (s *LetterService) translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repository.ErrNumberTaken):
		return appErrors.Wrap(err, appErrors.ErrDuplicateNumber.Code, appErrors.ErrDuplicateNumber.Status, appErrors.ErrDuplicateNumber.Message)
	case errors.Is(err, repository.ErrActiveLetterExists):
		return appErrors.Wrap(err, appErrors.ErrActiveSubmission.Code, appErrors.ErrActiveSubmission.Status, appErrors.ErrActiveSubmission.Message)
	case repository.IsRetryable(err):
		return appErrors.Wrap(err, appErrors.ErrConflictRetryable.Code, appErrors.ErrConflictRetryable.Status, appErrors.ErrConflictRetryable.Message)
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "letter not found")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error("letter store failure", zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to process letter")
}

func (s *LetterService) validateRequest(actor models.Actor, req interface{}, message string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
	}
	return nil
}

func (s *LetterService) validateValues(raw json.RawMessage, req interface{}) (models.LetterValues, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "values are required")
	}
	trimmed := strings.TrimSpace(string(raw))
	if !json.Valid([]byte(trimmed)) || !strings.HasPrefix(trimmed, "{") {
		return nil, appErrors.Clone(appErrors.ErrValidation, "values must be a JSON object")
	}
	return models.LetterValues(trimmed), nil
}

func requireActor(actor models.Actor) error {
	if strings.TrimSpace(actor.UserID) == "" {
		return appErrors.ErrUnauthorized
	}
	return nil
}

func parseStep(raw int) (models.Step, error) {
	step, err := models.ParseStep(raw)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	return step, nil
}

// signatureDigest fingerprints the signature payload with BLAKE2b-256 so the
// audit log can later prove which payload was accepted.
func signatureDigest(sig *dto.SignaturePayload) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(sig.Ref) + "\x00" + sig.Data))
	return hex.EncodeToString(sum[:])
}

func listFilter(query dto.LetterListQuery, defaults []models.LetterStatus) models.LetterFilter {
	limit := query.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	statuses := query.Status
	if len(statuses) == 0 {
		statuses = defaults
	}
	return models.LetterFilter{Status: statuses, Limit: limit, Offset: offset}
}

func outcomeOf(err error) string {
	appErr := appErrors.FromError(err)
	switch {
	case appErr.Code == appErrors.ErrConflictRetryable.Code, appErr.Code == appErrors.ErrDuplicateNumber.Code:
		return OutcomeConflict
	case appErr.Status >= 500:
		return OutcomeFailed
	default:
		return OutcomeRejected
	}
}
