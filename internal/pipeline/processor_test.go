package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pkg/logger"
	"github.com/ignite/lead-pipeline/internal/platform"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/validate"
)

// --- fakes ---

type fakeEvents struct {
	inserted   []*domain.Event
	byID       map[int64]*domain.Event
	lead       *domain.Event
	validation struct {
		status string
		active int
	}
	acqUpdated bool
	merged     map[string]interface{}
	finalized  []int64
	nextID     int64
}

func (f *fakeEvents) Insert(ctx context.Context, e *domain.Event) error {
	f.nextID++
	e.ID = f.nextID
	f.inserted = append(f.inserted, e)
	return nil
}

func (f *fakeEvents) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	if e, ok := f.byID[id]; ok {
		return e, nil
	}
	return nil, postgres.ErrNotFound
}

func (f *fakeEvents) UpdateValidation(ctx context.Context, id int64, status string, active int) error {
	f.validation.status = status
	f.validation.active = active
	return nil
}

func (f *fakeEvents) UpdateAcquisition(ctx context.Context, id int64, source, campaign, term, date, formTitle string) error {
	f.acqUpdated = true
	return nil
}

func (f *fakeEvents) MergeEventData(ctx context.Context, id int64, extra map[string]interface{}) error {
	f.merged = extra
	return nil
}

func (f *fakeEvents) FindLatestLeadByEmail(ctx context.Context, email string, excludeID int64) (*domain.Event, error) {
	if f.lead == nil {
		return nil, postgres.ErrNotFound
	}
	return f.lead, nil
}

func (f *fakeEvents) FinalizeIfDone(ctx context.Context, id int64) error {
	f.finalized = append(f.finalized, id)
	return nil
}

type fakeQueue struct {
	enqueued   []*domain.QueueJob
	completed  []int64
	failed     []int64
	permanent  []int64
	skipped    map[int64]string
	cancelled  []int64
	enqueueErr error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job *domain.QueueJob) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	job.ID = int64(len(f.enqueued) + 1)
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeQueue) Complete(ctx context.Context, jobID int64, workerID string, code int, body string, revenue float64, revenueStatus string) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, job *domain.QueueJob, workerID string, code int, errMsg string) error {
	f.failed = append(f.failed, job.ID)
	return nil
}

func (f *fakeQueue) FailPermanent(ctx context.Context, jobID int64, workerID, errMsg string) error {
	f.permanent = append(f.permanent, jobID)
	return nil
}

func (f *fakeQueue) Skip(ctx context.Context, jobID int64, workerID, reason string) error {
	if f.skipped == nil {
		f.skipped = map[int64]string{}
	}
	f.skipped[jobID] = reason
	return nil
}

func (f *fakeQueue) CancelSiblings(ctx context.Context, eventID int64, reason string) (int64, error) {
	f.cancelled = append(f.cancelled, eventID)
	return 2, nil
}

type fakeEmailReg struct {
	upserted *domain.EmailValidationEntry
	budget   bool
}

func (f *fakeEmailReg) UpsertValidation(ctx context.Context, e *domain.EmailValidationEntry) error {
	f.upserted = e
	return nil
}

func (f *fakeEmailReg) ConsumeDailyBudget(ctx context.Context, limit int) (bool, error) {
	return f.budget, nil
}

type fakeRels struct{ linked []*domain.EventRelationship }

func (f *fakeRels) Link(ctx context.Context, rel *domain.EventRelationship) error {
	f.linked = append(f.linked, rel)
	return nil
}

type fakeRevenue struct{ records []*domain.RevenueRecord }

func (f *fakeRevenue) Record(ctx context.Context, rec *domain.RevenueRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type fakeAudit struct{ entries []*domain.ProcessingLogEntry }

func (f *fakeAudit) Append(ctx context.Context, e *domain.ProcessingLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeRouter struct {
	routes     []domain.Platform
	validation *domain.Platform
	byID       map[int64]domain.Platform
}

func (f *fakeRouter) RoutesFor(e *domain.Event) []domain.Platform { return f.routes }

func (f *fakeRouter) ValidationPlatform() (domain.Platform, bool) {
	if f.validation == nil {
		return domain.Platform{}, false
	}
	return *f.validation, true
}

func (f *fakeRouter) PlatformByID(id int64) (domain.Platform, bool) {
	p, ok := f.byID[id]
	return p, ok
}

type fakeAdapter struct {
	result *platform.SendResult
	err    error
}

func (a *fakeAdapter) Send(ctx context.Context, e *domain.Event) (*platform.SendResult, error) {
	return a.result, a.err
}

func (a *fakeAdapter) MapFields(e *domain.Event) map[string]interface{} {
	return map[string]interface{}{"email": e.Email}
}

func (a *fakeAdapter) ValidateConfig() error                  { return nil }
func (a *fakeAdapter) TestConnection(ctx context.Context) error { return nil }

// gate fakes

type gateBots struct{ known bool }

func (g *gateBots) IsBot(ctx context.Context, email, phone, ip string) (bool, error) {
	return g.known, nil
}

func (g *gateBots) RecordHoneypotBot(ctx context.Context, email, phone, ip string, fields []string) error {
	return nil
}

type gateEmails struct{ entry *domain.EmailValidationEntry }

func (g *gateEmails) FindByEmail(ctx context.Context, email string) (*domain.EmailValidationEntry, error) {
	if g.entry == nil {
		return nil, postgres.ErrNotFound
	}
	return g.entry, nil
}

// --- harness ---

type harness struct {
	events  *fakeEvents
	jobs    *fakeQueue
	emails  *fakeEmailReg
	rels    *fakeRels
	revenue *fakeRevenue
	audit   *fakeAudit
	router  *fakeRouter
	adapter *fakeAdapter
	proc    *Processor
}

func newHarness(t *testing.T, cached *domain.EmailValidationEntry) *harness {
	t.Helper()
	h := &harness{
		events:  &fakeEvents{byID: map[int64]*domain.Event{}},
		jobs:    &fakeQueue{},
		emails:  &fakeEmailReg{budget: true},
		rels:    &fakeRels{},
		revenue: &fakeRevenue{},
		audit:   &fakeAudit{},
		adapter: &fakeAdapter{},
	}
	crm := domain.Platform{ID: 1, PlatformCode: "crm", PlatformType: domain.PlatformTypeCRM, RequiresValidEmail: true}
	sms := domain.Platform{ID: 2, PlatformCode: "sms", PlatformType: domain.PlatformTypeSMS, RequiresValidEmail: true}
	zb := domain.Platform{ID: 3, PlatformCode: "zerobounce", PlatformType: domain.PlatformTypeValidation}
	h.router = &fakeRouter{
		routes:     []domain.Platform{crm, sms},
		validation: &zb,
		byID:       map[int64]domain.Platform{1: crm, 2: sms, 3: zb},
	}
	gate := validate.New(&gateBots{}, &gateEmails{entry: cached},
		[]string{"zipcode", "phonenumber"}, 30*24*time.Hour, postgres.ErrNotFound)
	h.proc = NewProcessor(h.events, h.jobs, h.emails, h.rels, h.revenue, h.audit,
		h.router, gate, func(p domain.Platform) (platform.Adapter, error) { return h.adapter, nil }, 100)
	return h
}

// --- intake ---

func TestIntakeHoneypotBlocksWithoutEnqueue(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.proc.Intake(context.Background(), Submission{
		Type:   domain.EventTypeLead,
		Fields: map[string]string{"email": "a@b.com", "zipcode": "90210"},
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "bot_detected:honeypot_triggered", res.BlockReason)
	require.Len(t, h.events.inserted, 1)
	assert.Equal(t, domain.EventStatusBlocked, h.events.inserted[0].Status)
	assert.Empty(t, h.jobs.enqueued)
}

func TestIntakeLogsRedactPII(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })

	h := newHarness(t, nil)
	_, err := h.proc.Intake(context.Background(), Submission{
		Type: domain.EventTypeLead,
		Fields: map[string]string{
			"email":   "john.doe@example.com",
			"phone":   "8005550100",
			"zipcode": "bot",
		},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "jo***@example.com")
	assert.Contains(t, out, "*******0100")
	assert.NotContains(t, out, "john.doe@example.com")
	assert.NotContains(t, out, "18005550100")
}

func TestIntakeValidLeadFansOutAndQueuesValidation(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.proc.Intake(context.Background(), Submission{
		Type: domain.EventTypeLead,
		Fields: map[string]string{
			"email":    "new@example.com",
			"phone":    "8005550100",
			"campaign": "c1",
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	// crm + sms from routing, plus the priority validation job.
	assert.Equal(t, 3, res.QueuedPlatforms)

	event := h.events.inserted[0]
	assert.Equal(t, "18005550100", event.Phone)
	assert.Equal(t, "c1", event.AcqCampaign)
	assert.Equal(t, domain.EmailFingerprint("new@example.com"), event.EmailMD5)

	var platformIDs []int64
	for _, j := range h.jobs.enqueued {
		platformIDs = append(platformIDs, j.PlatformID)
	}
	assert.Equal(t, []int64{1, 2, 3}, platformIDs)
}

func TestIntakeFreshCacheSkipsValidationJob(t *testing.T) {
	h := newHarness(t, &domain.EmailValidationEntry{
		Status:          domain.EmailStatusValid,
		ZBActive:        30,
		LastValidatedAt: time.Now(),
	})

	res, err := h.proc.Intake(context.Background(), Submission{
		Type:   domain.EventTypeLead,
		Fields: map[string]string{"email": "seen@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.QueuedPlatforms)
	assert.Equal(t, domain.EmailStatusValid, h.events.inserted[0].EmailValidationStatus)
	assert.Equal(t, 30, h.events.inserted[0].ZBLastActive)
}

func TestIntakeCachedInvalidBlocks(t *testing.T) {
	h := newHarness(t, &domain.EmailValidationEntry{
		Status:          domain.EmailStatusInvalid,
		LastValidatedAt: time.Now(),
	})

	res, err := h.proc.Intake(context.Background(), Submission{
		Type:   domain.EventTypeLead,
		Fields: map[string]string{"email": "dead@example.com"},
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "validation_failed:email_known_invalid", res.BlockReason)
	assert.Empty(t, h.jobs.enqueued)
}

func TestIntakePurchaseInheritsAcquisitionAndLinks(t *testing.T) {
	h := newHarness(t, nil)
	h.events.lead = &domain.Event{
		ID: 900, EventType: domain.EventTypeLead,
		Email: "u@x.com", IPAddress: "1.2.3.4",
		AcqSource: "ads", AcqCampaign: "Q",
	}

	res, err := h.proc.Intake(context.Background(), Submission{
		Type:   domain.EventTypePurchase,
		IP:     "1.2.3.4",
		Fields: map[string]string{"email": "u@x.com", "amount": "99.90", "offer": "gold"},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	purchase := h.events.inserted[0]
	assert.Equal(t, "ads", purchase.AcqSource)
	assert.Equal(t, "Q", purchase.AcqCampaign)
	assert.Equal(t, 99.90, purchase.PurchaseAmount)
	assert.True(t, h.events.acqUpdated)

	require.Len(t, h.rels.linked, 1)
	rel := h.rels.linked[0]
	assert.Equal(t, int64(900), rel.ParentID)
	assert.Equal(t, purchase.ID, rel.ChildID)
	assert.Equal(t, domain.RelLeadToPurchase, rel.Type)
	assert.True(t, rel.Criteria.Email)
	assert.True(t, rel.Criteria.IP)
}

func TestIntakeEnqueueFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t, nil)
	h.jobs.enqueueErr = errors.New("queue down")

	res, err := h.proc.Intake(context.Background(), Submission{
		Type:   domain.EventTypeLead,
		Fields: map[string]string{"email": "new@example.com"},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Zero(t, res.QueuedPlatforms)
	assert.Len(t, h.events.inserted, 1)
}

// --- execution ---

func seededJob(h *harness, platformID int64, event *domain.Event) *domain.QueueJob {
	event.ID = 500
	h.events.byID[500] = event
	return &domain.QueueJob{ID: 42, EventID: 500, PlatformID: platformID, Status: domain.JobStatusProcessing, MaxRetries: 3}
}

func TestExecuteJobSuccessRecordsRevenueAndAudit(t *testing.T) {
	h := newHarness(t, nil)
	job := seededJob(h, 1, &domain.Event{Email: "u@x.com", EmailValidationStatus: domain.EmailStatusValid})
	h.adapter.result = &platform.SendResult{
		Success: true, StatusCode: 200, ResponseBody: "ok",
		Revenue: 2.0, RevenueStatus: domain.RevenuePending,
		EventDataPatch: map[string]interface{}{"crm_contact_id": "c-1"},
	}

	require.NoError(t, h.proc.ExecuteJob(context.Background(), job, "w1"))

	assert.Equal(t, []int64{42}, h.jobs.completed)
	require.Len(t, h.revenue.records, 1)
	assert.Equal(t, 2.0, h.revenue.records[0].Gross)
	assert.Equal(t, map[string]interface{}{"crm_contact_id": "c-1"}, h.events.merged)
	require.Len(t, h.audit.entries, 1)
	assert.True(t, h.audit.entries[0].Success)
	assert.Contains(t, h.events.finalized, int64(500))
}

func TestExecuteJobSkipsInvalidEmailPlatform(t *testing.T) {
	h := newHarness(t, nil)
	job := seededJob(h, 1, &domain.Event{Email: "u@x.com", EmailValidationStatus: domain.EmailStatusInvalid})

	require.NoError(t, h.proc.ExecuteJob(context.Background(), job, "w1"))
	assert.Equal(t, SkipReasonConditions, h.jobs.skipped[42])
	assert.Empty(t, h.jobs.completed)
}

func TestExecuteJobSkipsSMSWithoutPhone(t *testing.T) {
	h := newHarness(t, nil)
	job := seededJob(h, 2, &domain.Event{Email: "u@x.com", Phone: ""})

	require.NoError(t, h.proc.ExecuteJob(context.Background(), job, "w1"))
	assert.Equal(t, SkipReasonConditions, h.jobs.skipped[42])
}

func TestExecuteJobFailureGoesThroughRetryPath(t *testing.T) {
	h := newHarness(t, nil)
	job := seededJob(h, 1, &domain.Event{Email: "u@x.com"})
	h.adapter.result = &platform.SendResult{Success: false, StatusCode: 502, ResponseBody: "bad gateway"}

	require.NoError(t, h.proc.ExecuteJob(context.Background(), job, "w1"))
	assert.Equal(t, []int64{42}, h.jobs.failed)
	assert.Empty(t, h.jobs.completed)
}

func TestExecuteJobMissingEventFailsPermanently(t *testing.T) {
	h := newHarness(t, nil)
	job := &domain.QueueJob{ID: 7, EventID: 9999, PlatformID: 1}

	err := h.proc.ExecuteJob(context.Background(), job, "w1")
	assert.Error(t, err)
	assert.Equal(t, []int64{7}, h.jobs.permanent)
}

func TestValidationPathInvalidVerdictCancelsSiblings(t *testing.T) {
	h := newHarness(t, nil)
	job := seededJob(h, 3, &domain.Event{Email: "dead@example.com", EmailMD5: domain.EmailFingerprint("dead@example.com")})
	h.adapter.result = &platform.SendResult{
		Success: true, StatusCode: 200,
		Validation: &platform.ValidationOutcome{
			RawStatus: "do_not_mail", RawSubStatus: "role_based",
			Status: domain.EmailStatusInvalid, ActiveInDays: 0,
		},
	}

	require.NoError(t, h.proc.ExecuteJob(context.Background(), job, "w1"))

	assert.Equal(t, domain.EmailStatusInvalid, h.events.validation.status)
	require.NotNil(t, h.emails.upserted)
	assert.Equal(t, domain.EmailStatusInvalid, h.emails.upserted.Status)
	assert.Equal(t, []int64{500}, h.jobs.cancelled)
	assert.Equal(t, []int64{42}, h.jobs.completed)
}

func TestValidationPathValidVerdictLeavesSiblings(t *testing.T) {
	h := newHarness(t, nil)
	job := seededJob(h, 3, &domain.Event{Email: "u@x.com"})
	h.adapter.result = &platform.SendResult{
		Success: true, StatusCode: 200,
		Validation: &platform.ValidationOutcome{
			RawStatus: "catch-all", Status: domain.EmailStatusCatchAll, ActiveInDays: 60,
		},
	}

	require.NoError(t, h.proc.ExecuteJob(context.Background(), job, "w1"))

	assert.Equal(t, domain.EmailStatusValid, h.events.validation.status)
	assert.Equal(t, 60, h.events.validation.active)
	assert.Empty(t, h.jobs.cancelled)
	assert.Equal(t, []int64{42}, h.jobs.completed)
}

func TestValidationPathBudgetExhaustedSkips(t *testing.T) {
	h := newHarness(t, nil)
	h.emails.budget = false
	job := seededJob(h, 3, &domain.Event{Email: "u@x.com"})

	require.NoError(t, h.proc.ExecuteJob(context.Background(), job, "w1"))
	assert.Equal(t, SkipReasonBudget, h.jobs.skipped[42])
	assert.Empty(t, h.jobs.completed)
	assert.Empty(t, h.jobs.cancelled)
}
