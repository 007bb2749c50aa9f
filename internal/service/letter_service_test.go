package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-letter-api/internal/dto"
	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/internal/repository"
	"github.com/noah-isme/sma-letter-api/internal/workflow"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

type txKey struct{}

// memoryStore is an in-process stand-in for the letter, audit and numbering
// tables. Within holds the store mutex for the whole unit of work, which
// serializes transactions the way the row lock does, and restores the
// snapshot when fn fails.
type memoryStore struct {
	mu        sync.Mutex
	letters   map[string]models.Letter
	entries   map[string][]models.AuditEntry
	numbers   map[string]models.NumberingRecord
	seq       int64
	staleOnce bool
	appendErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		letters: map[string]models.Letter{},
		entries: map[string][]models.AuditEntry{},
		numbers: map[string]models.NumberingRecord{},
	}
}

func (s *memoryStore) guard(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memoryStore) Within(ctx context.Context, fn func(ctx context.Context, exec sqlx.ExtContext) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	letters := make(map[string]models.Letter, len(s.letters))
	for k, v := range s.letters {
		letters[k] = v
	}
	entries := make(map[string][]models.AuditEntry, len(s.entries))
	for k, v := range s.entries {
		entries[k] = append([]models.AuditEntry(nil), v...)
	}
	numbers := make(map[string]models.NumberingRecord, len(s.numbers))
	for k, v := range s.numbers {
		numbers[k] = v
	}
	seq := s.seq

	if err := fn(context.WithValue(ctx, txKey{}, true), nil); err != nil {
		s.letters, s.entries, s.numbers, s.seq = letters, entries, numbers, seq
		return err
	}
	return nil
}

func (s *memoryStore) Create(ctx context.Context, _ sqlx.ExtContext, letter *models.Letter) error {
	defer s.guard(ctx)()
	for _, existing := range s.letters {
		if existing.CreatedByID == letter.CreatedByID && existing.Status.Active() {
			return repository.ErrActiveLetterExists
		}
	}
	s.letters[letter.ID] = *letter
	return nil
}

func (s *memoryStore) GetByID(ctx context.Context, _ sqlx.ExtContext, id string) (*models.Letter, error) {
	defer s.guard(ctx)()
	letter, ok := s.letters[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &letter, nil
}

func (s *memoryStore) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Letter, error) {
	return s.GetByID(ctx, exec, id)
}

func (s *memoryStore) FindActiveByCreator(ctx context.Context, _ sqlx.ExtContext, creatorID string) (*models.Letter, error) {
	defer s.guard(ctx)()
	for _, letter := range s.letters {
		if letter.CreatedByID == creatorID && letter.Status.Active() {
			found := letter
			return &found, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) UpdateState(ctx context.Context, _ sqlx.ExtContext, params repository.UpdateLetterStateParams) error {
	defer s.guard(ctx)()
	if s.staleOnce {
		s.staleOnce = false
		return repository.ErrStaleState
	}
	current, ok := s.letters[params.Letter.ID]
	if !ok || current.Status != params.ExpectedStatus || !sameStep(current.CurrentStep, params.ExpectedStep) {
		return repository.ErrStaleState
	}
	next := *params.Letter
	next.Numbering = nil
	s.letters[next.ID] = next
	return nil
}

func (s *memoryStore) List(ctx context.Context, filter models.LetterFilter) ([]models.Letter, error) {
	defer s.guard(ctx)()
	result := make([]models.Letter, 0)
	for _, letter := range s.letters {
		if filter.CreatedByID != "" && letter.CreatedByID != filter.CreatedByID {
			continue
		}
		if filter.AssigneeID != "" && (letter.CurrentAssigneeID == nil || *letter.CurrentAssigneeID != filter.AssigneeID) {
			continue
		}
		if len(filter.Status) > 0 && !containsStatus(filter.Status, letter.Status) {
			continue
		}
		result = append(result, letter)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (s *memoryStore) Append(ctx context.Context, _ sqlx.ExtContext, entry *models.AuditEntry) error {
	defer s.guard(ctx)()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.seq++
	entry.Seq = s.seq
	s.entries[entry.LetterID] = append(s.entries[entry.LetterID], *entry)
	return nil
}

func (s *memoryStore) History(ctx context.Context, _ sqlx.ExtContext, letterID string) ([]models.AuditEntry, error) {
	defer s.guard(ctx)()
	return append([]models.AuditEntry(nil), s.entries[letterID]...), nil
}

func (s *memoryStore) Reserve(ctx context.Context, _ sqlx.ExtContext, record *models.NumberingRecord) error {
	defer s.guard(ctx)()
	for _, existing := range s.numbers {
		if existing.NumberString == record.NumberString {
			return repository.ErrNumberTaken
		}
	}
	s.numbers[record.LetterID] = *record
	return nil
}

func (s *memoryStore) GetByLetter(ctx context.Context, _ sqlx.ExtContext, letterID string) (*models.NumberingRecord, error) {
	defer s.guard(ctx)()
	record, ok := s.numbers[letterID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &record, nil
}

func (s *memoryStore) NextCounter(ctx context.Context, prefix string, date time.Time) (int, error) {
	defer s.guard(ctx)()
	numbers := make([]string, 0, len(s.numbers))
	for _, record := range s.numbers {
		numbers = append(numbers, record.NumberString)
	}
	return workflow.NextCounter(prefix, date, numbers), nil
}

func (s *memoryStore) snapshot(id string) (models.Letter, []models.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.letters[id], append([]models.AuditEntry(nil), s.entries[id]...)
}

func sameStep(a, b *models.Step) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func containsStatus(statuses []models.LetterStatus, status models.LetterStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

type memoryCache struct {
	mu       sync.Mutex
	items    map[string][]byte
	patterns []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: map[string][]byte{}}
}

func (c *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.items[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = raw
	return nil
}

func (c *memoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.items, key)
	}
	return nil
}

func (c *memoryCache) DeleteByPattern(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = append(c.patterns, pattern)
	for key := range c.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.items, key)
		}
	}
	return nil
}

func (c *memoryCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (p *recordingPublisher) Publish(event TransitionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

var serviceNow = time.Date(2025, 5, 3, 8, 0, 0, 0, time.UTC)

func approvers() models.AssignedApprovers {
	return models.AssignedApprovers{
		Supervisor:         "s1",
		Coordinator:        "s2",
		DepartmentHead:     "s3",
		FacultyAdmin:       "s4",
		AcademicSupervisor: "s5",
		OperationsManager:  "s6",
		ViceDean:           "s7",
		RegistryOfficer:    "s8",
	}
}

func actor(id string) models.Actor {
	return models.Actor{UserID: id}
}

func newLetterServiceForTest(t *testing.T, rollback workflow.RollbackPolicy, opts ...LetterServiceOption) (*LetterService, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	opts = append([]LetterServiceOption{WithLetterClock(func() time.Time { return serviceNow })}, opts...)
	svc := NewLetterService(store, store, store, store, validator.New(), zap.NewNop(), LetterServiceConfig{
		NumberingPrefix: "X",
		Location:        time.UTC,
		Rollback:        rollback,
	}, opts...)
	return svc, store
}

func submitLetter(t *testing.T, svc *LetterService, creator string) *models.Letter {
	t.Helper()
	letter, err := svc.Submit(context.Background(), actor(creator), dto.SubmitLetterRequest{
		AssignedApprovers: approvers(),
		Values:            []byte(`{"purpose":"research permit"}`),
	})
	require.NoError(t, err)
	return letter
}

func approveThrough(t *testing.T, svc *LetterService, letterID string, from, to models.Step) *models.Letter {
	t.Helper()
	var letter *models.Letter
	for step := from; step <= to; step++ {
		req := dto.ApproveLetterRequest{Step: int(step)}
		if step == models.SigningStep {
			req.Signature = &dto.SignaturePayload{Ref: "blob-77", Data: "base64-signature"}
		}
		var err error
		letter, err = svc.Approve(context.Background(), actor(approvers().ForStep(step)), letterID, req)
		require.NoError(t, err, "approve step %d", step)
	}
	return letter
}

func requireReplayMatches(t *testing.T, store *memoryStore, letterID string) {
	t.Helper()
	letter, history := store.snapshot(letterID)
	projection, err := workflow.Replay(history)
	require.NoError(t, err)
	require.True(t, projection.Matches(&letter))
}

func TestLetterServiceCompletesWithSuggestedNumber(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")

	letter = approveThrough(t, svc, letter.ID, models.StepSupervisor, models.StepViceDean)
	require.Equal(t, models.NumberingStep, *letter.CurrentStep)
	require.NotNil(t, letter.SignedAt)

	_, err := svc.SuggestNumber(ctx, actor("s7"), letter.ID, time.Time{})
	assert.ErrorIs(t, err, appErrors.ErrNotPermitted)

	suggestion, err := svc.SuggestNumber(ctx, actor("s8"), letter.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "X-1/03/05/2025", suggestion.NumberString)
	again, err := svc.SuggestNumber(ctx, actor("s8"), letter.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, suggestion.NumberString, again.NumberString)

	letter, err = svc.AssignNumber(ctx, actor("s8"), letter.ID, dto.AssignNumberRequest{NumberString: suggestion.NumberString})
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusCompleted, letter.Status)
	assert.Nil(t, letter.CurrentStep)

	detail, err := svc.Get(ctx, actor("creator"), letter.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Numbering)
	assert.Equal(t, "X-1/03/05/2025", detail.Numbering.NumberString)
	assert.False(t, detail.AwaitingResubmission)

	history, err := svc.History(ctx, actor("s3"), letter.ID)
	require.NoError(t, err)
	require.Len(t, history, 10)
	assert.Equal(t, models.AuditActionSigned, history[8].Action)
	assert.Len(t, history[8].Metadata.SignatureDigest, 64)
	assert.Equal(t, models.AuditActionNumbered, history[9].Action)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Seq, history[i-1].Seq)
	}
	requireReplayMatches(t, store, letter.ID)

	second := submitLetter(t, svc, "creator")
	approveThrough(t, svc, second.ID, models.StepSupervisor, models.StepViceDean)
	suggestion, err = svc.SuggestNumber(ctx, actor("s8"), second.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "X-2/03/05/2025", suggestion.NumberString)
}

func TestLetterServiceReviseAndResubmit(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")
	approveThrough(t, svc, letter.ID, models.StepSupervisor, models.StepSupervisor)

	letter, err := svc.Revise(ctx, actor("s2"), letter.ID, dto.ReviewLetterRequest{Step: 2, Comment: "please fix address field"})
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusRevision, letter.Status)
	assert.Equal(t, models.StepSupervisor, *letter.CurrentStep)

	detail, err := svc.Get(ctx, actor("creator"), letter.ID)
	require.NoError(t, err)
	assert.True(t, detail.AwaitingResubmission)

	letter, err = svc.Resubmit(ctx, actor("creator"), letter.ID, dto.ResubmitLetterRequest{Values: []byte(`{"address":"Jl. Merdeka 1"}`)})
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusProcessing, letter.Status)
	assert.Equal(t, models.StepSupervisor, *letter.CurrentStep)
	assert.JSONEq(t, `{"address":"Jl. Merdeka 1"}`, string(letter.Values))
	requireReplayMatches(t, store, letter.ID)
}

func TestLetterServiceRejectIsTerminal(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")

	_, err := svc.Reject(ctx, actor("s1"), letter.ID, dto.ReviewLetterRequest{Step: 1, Comment: "too short"})
	require.ErrorIs(t, err, appErrors.ErrValidation)

	letter, err = svc.Reject(ctx, actor("s1"), letter.ID, dto.ReviewLetterRequest{Step: 1, Comment: "incomplete data, does not meet requirements"})
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusRejected, letter.Status)
	assert.Nil(t, letter.CurrentStep)

	_, err = svc.Approve(ctx, actor("s1"), letter.ID, dto.ApproveLetterRequest{Step: 1})
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)
	_, err = svc.Revise(ctx, actor("s1"), letter.ID, dto.ReviewLetterRequest{Step: 1, Comment: "please fix address field"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)
	_, err = svc.Cancel(ctx, actor("creator"), letter.ID)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStep)

	_, history := store.snapshot(letter.ID)
	assert.Len(t, history, 2)
	requireReplayMatches(t, store, letter.ID)
}

func TestLetterServiceOneActiveLetterPerCreator(t *testing.T) {
	svc, _ := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")

	_, err := svc.Submit(ctx, actor("creator"), dto.SubmitLetterRequest{AssignedApprovers: approvers(), Values: []byte(`{}`)})
	require.ErrorIs(t, err, appErrors.ErrActiveSubmission)

	_, err = svc.Cancel(ctx, actor("creator"), letter.ID)
	require.NoError(t, err)
	submitLetter(t, svc, "creator")
}

func TestLetterServiceSubmitValidation(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()

	_, err := svc.Submit(ctx, models.Actor{}, dto.SubmitLetterRequest{AssignedApprovers: approvers(), Values: []byte(`{}`)})
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	_, err = svc.Submit(ctx, actor("creator"), dto.SubmitLetterRequest{AssignedApprovers: approvers(), Values: []byte(`[1,2]`)})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Submit(ctx, actor("creator"), dto.SubmitLetterRequest{AssignedApprovers: approvers()})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	partial := approvers()
	partial.RegistryOfficer = ""
	_, err = svc.Submit(ctx, actor("creator"), dto.SubmitLetterRequest{AssignedApprovers: partial, Values: []byte(`{}`)})
	assert.ErrorIs(t, err, appErrors.ErrRouting)

	assert.Empty(t, store.letters)
}

func TestLetterServiceSigningStepRequiresSignature(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	letter := submitLetter(t, svc, "creator")
	approveThrough(t, svc, letter.ID, models.StepSupervisor, models.StepOperationsManager)
	_, before := store.snapshot(letter.ID)

	_, err := svc.Approve(context.Background(), actor("s7"), letter.ID, dto.ApproveLetterRequest{Step: 7})
	require.ErrorIs(t, err, appErrors.ErrValidation)

	stored, after := store.snapshot(letter.ID)
	assert.Len(t, after, len(before))
	assert.Equal(t, models.SigningStep, *stored.CurrentStep)
	assert.Nil(t, stored.SignedAt)
}

func TestLetterServiceConcurrentApprovals(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	letter := submitLetter(t, svc, "creator")

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Approve(context.Background(), actor("s1"), letter.ID, dto.ApproveLetterRequest{Step: 1})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, appErrors.ErrInvalidStep) || errors.Is(err, appErrors.ErrConflictRetryable), err.Error())
	}
	assert.Equal(t, 1, succeeded)

	stored, history := store.snapshot(letter.ID)
	assert.Equal(t, models.StepCoordinator, *stored.CurrentStep)
	assert.Len(t, history, 2)
}

func TestLetterServiceStaleUpdateIsRetryable(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	letter := submitLetter(t, svc, "creator")
	store.staleOnce = true

	_, err := svc.Approve(context.Background(), actor("s1"), letter.ID, dto.ApproveLetterRequest{Step: 1})
	require.ErrorIs(t, err, appErrors.ErrConflictRetryable)

	_, err = svc.Approve(context.Background(), actor("s1"), letter.ID, dto.ApproveLetterRequest{Step: 1})
	require.NoError(t, err)
}

func TestLetterServiceAuditFailureRollsBack(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	letter := submitLetter(t, svc, "creator")
	store.appendErr = errors.New("disk full")

	_, err := svc.Approve(context.Background(), actor("s1"), letter.ID, dto.ApproveLetterRequest{Step: 1})
	require.ErrorIs(t, err, appErrors.ErrInternal)

	stored, history := store.snapshot(letter.ID)
	assert.Equal(t, models.StepSupervisor, *stored.CurrentStep)
	assert.Len(t, history, 1)
}

func TestLetterServiceDuplicateNumber(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()

	first := submitLetter(t, svc, "alice")
	approveThrough(t, svc, first.ID, models.StepSupervisor, models.StepViceDean)
	second := submitLetter(t, svc, "bob")
	approveThrough(t, svc, second.ID, models.StepSupervisor, models.StepViceDean)

	_, err := svc.AssignNumber(ctx, actor("s8"), first.ID, dto.AssignNumberRequest{NumberString: "X-1/03/05/2025"})
	require.NoError(t, err)

	_, err = svc.AssignNumber(ctx, actor("s8"), second.ID, dto.AssignNumberRequest{NumberString: "X-1/03/05/2025"})
	require.ErrorIs(t, err, appErrors.ErrDuplicateNumber)

	stored, history := store.snapshot(second.ID)
	assert.Equal(t, models.LetterStatusProcessing, stored.Status)
	assert.Equal(t, models.NumberingStep, *stored.CurrentStep)
	for _, entry := range history {
		assert.NotEqual(t, models.AuditActionNumbered, entry.Action)
	}
	_, ok := store.numbers[second.ID]
	assert.False(t, ok)
}

func TestLetterServiceSelfRevisePolicy(t *testing.T) {
	svc, store := newLetterServiceForTest(t, workflow.RollbackToPreviousStep)
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")
	approveThrough(t, svc, letter.ID, models.StepSupervisor, models.StepDepartmentHead)

	_, err := svc.SelfRevise(ctx, actor("s4"), letter.ID, dto.SelfReviseLetterRequest{})
	require.ErrorIs(t, err, appErrors.ErrNotPermitted)

	letter, err = svc.SelfRevise(ctx, actor("creator"), letter.ID, dto.SelfReviseLetterRequest{Comment: "typo"})
	require.NoError(t, err)
	assert.Equal(t, models.LetterStatusRevision, letter.Status)
	assert.Equal(t, models.StepDepartmentHead, *letter.CurrentStep)
	require.NotNil(t, letter.CurrentAssigneeID)
	assert.Equal(t, "s3", *letter.CurrentAssigneeID)
	requireReplayMatches(t, store, letter.ID)
}

func TestLetterServiceVisibility(t *testing.T) {
	svc, _ := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")

	_, err := svc.Get(ctx, actor("stranger"), letter.ID)
	assert.ErrorIs(t, err, appErrors.ErrNotPermitted)
	_, err = svc.History(ctx, actor("s5"), letter.ID)
	assert.NoError(t, err)
	_, err = svc.Get(ctx, actor("creator"), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestLetterServiceListingsAndCacheInvalidation(t *testing.T) {
	cacheRepo := newMemoryCache()
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), true)
	events := &recordingPublisher{}
	svc, _ := newLetterServiceForTest(t, workflow.RollbackToFirstStep, WithLetterCache(cache), WithTransitionPublisher(events))
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")

	inbox, page, err := svc.Inbox(ctx, actor("s1"), dto.LetterListQuery{})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, 20, page.Limit)
	inboxKey := ListingKey("inbox", "s1", models.LetterFilter{Status: []models.LetterStatus{models.LetterStatusProcessing, models.LetterStatusRevision}, Limit: 20})
	assert.True(t, cacheRepo.has(inboxKey))

	mine, _, err := svc.ListMine(ctx, actor("creator"), dto.LetterListQuery{})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	_, err = svc.History(ctx, actor("creator"), letter.ID)
	require.NoError(t, err)
	assert.True(t, cacheRepo.has(HistoryKey(letter.ID)))

	approveThrough(t, svc, letter.ID, models.StepSupervisor, models.StepSupervisor)
	assert.False(t, cacheRepo.has(inboxKey))
	assert.False(t, cacheRepo.has(HistoryKey(letter.ID)))

	inbox, _, err = svc.Inbox(ctx, actor("s1"), dto.LetterListQuery{})
	require.NoError(t, err)
	assert.Empty(t, inbox)
	inbox, _, err = svc.Inbox(ctx, actor("s2"), dto.LetterListQuery{})
	require.NoError(t, err)
	assert.Len(t, inbox, 1)

	require.Len(t, events.events, 2)
	last := events.events[1]
	assert.Equal(t, []models.AuditAction{models.AuditActionApproved}, last.Actions)
	assert.Equal(t, models.StepSupervisor, *last.FromStep)
	assert.Equal(t, "s2", *last.CurrentAssigneeID)
}

func TestSignatureDigestIsStable(t *testing.T) {
	a := signatureDigest(&dto.SignaturePayload{Ref: "blob-1", Data: "abc"})
	b := signatureDigest(&dto.SignaturePayload{Ref: " blob-1 ", Data: "abc"})
	c := signatureDigest(&dto.SignaturePayload{Ref: "blob-1", Data: "abd"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestLetterServiceSuggestNumberKeepsCalendarDayInLocation(t *testing.T) {
	cases := []struct {
		name  string
		loc   *time.Location
		clock time.Time
		today string
	}{
		{name: "behind utc", loc: time.FixedZone("UTC-5", -5*60*60), clock: time.Date(2025, 5, 3, 2, 0, 0, 0, time.UTC), today: "X-1/02/05/2025"},
		{name: "ahead of utc", loc: time.FixedZone("UTC+9", 9*60*60), clock: time.Date(2025, 5, 3, 20, 0, 0, 0, time.UTC), today: "X-1/04/05/2025"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryStore()
			clock := tc.clock
			svc := NewLetterService(store, store, store, store, validator.New(), zap.NewNop(), LetterServiceConfig{
				NumberingPrefix: "X",
				Location:        tc.loc,
				Rollback:        workflow.RollbackToFirstStep,
			}, WithLetterClock(func() time.Time { return clock }))
			ctx := context.Background()
			letter := submitLetter(t, svc, "creator")
			approveThrough(t, svc, letter.ID, models.StepSupervisor, models.StepViceDean)

			requested, err := time.Parse("2006-01-02", "2026-03-15")
			require.NoError(t, err)
			suggestion, err := svc.SuggestNumber(ctx, actor("s8"), letter.ID, requested)
			require.NoError(t, err)
			assert.Equal(t, "X-1/15/03/2026", suggestion.NumberString)
			assert.True(t, suggestion.Date.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, tc.loc)))

			today, err := svc.SuggestNumber(ctx, actor("s8"), letter.ID, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, tc.today, today.NumberString)
		})
	}
}

func TestLetterServiceVisibilityIgnoresStaleCachedHistory(t *testing.T) {
	cacheRepo := newMemoryCache()
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), true)
	svc, store := newLetterServiceForTest(t, workflow.RollbackToFirstStep, WithLetterCache(cache))
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")

	_, err := svc.History(ctx, actor("creator"), letter.ID)
	require.NoError(t, err)
	require.True(t, cacheRepo.has(HistoryKey(letter.ID)))

	// Recorded behind the cache's back, as a commit racing a cache refill would leave it.
	require.NoError(t, store.Append(ctx, nil, &models.AuditEntry{
		ID:          "late-entry",
		LetterID:    letter.ID,
		Action:      models.AuditActionApproved,
		Step:        models.StepSupervisor.Ptr(),
		ActorUserID: "delegate",
		ActorRole:   models.RoleSupervisor,
		CreatedAt:   serviceNow,
	}))

	history, err := svc.History(ctx, actor("delegate"), letter.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "delegate", history[1].ActorUserID)

	_, err = svc.History(ctx, actor("stranger"), letter.ID)
	assert.ErrorIs(t, err, appErrors.ErrNotPermitted)
}

func TestLetterServiceInboxIncludesLettersInRevision(t *testing.T) {
	svc, _ := newLetterServiceForTest(t, workflow.RollbackToFirstStep)
	ctx := context.Background()
	letter := submitLetter(t, svc, "creator")
	approveThrough(t, svc, letter.ID, models.StepSupervisor, models.StepSupervisor)
	_, err := svc.Revise(ctx, actor("s2"), letter.ID, dto.ReviewLetterRequest{Step: 2, Comment: "please fix address field"})
	require.NoError(t, err)

	inbox, _, err := svc.Inbox(ctx, actor("s1"), dto.LetterListQuery{})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, models.LetterStatusRevision, inbox[0].Status)

	inbox, _, err = svc.Inbox(ctx, actor("s1"), dto.LetterListQuery{Status: []models.LetterStatus{models.LetterStatusProcessing}})
	require.NoError(t, err)
	assert.Empty(t, inbox)
}
