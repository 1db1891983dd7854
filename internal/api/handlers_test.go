package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/domain"
	"github.com/ignite/lead-pipeline/internal/pipeline"
	"github.com/ignite/lead-pipeline/internal/queue"
	"github.com/ignite/lead-pipeline/internal/repository/postgres"
	"github.com/ignite/lead-pipeline/internal/router"
	"github.com/ignite/lead-pipeline/internal/validate"
)

var errCacheMiss = errors.New("not found")

// --- processor fakes -------------------------------------------------------

type fakeEvents struct {
	mu         sync.Mutex
	nextID     int64
	inserted   []*domain.Event
	failInsert bool
}

func (f *fakeEvents) Insert(ctx context.Context, e *domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return errors.New("insert failed")
	}
	f.nextID++
	e.ID = f.nextID
	f.inserted = append(f.inserted, e)
	return nil
}

func (f *fakeEvents) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	return nil, postgres.ErrNotFound
}
func (f *fakeEvents) UpdateValidation(ctx context.Context, id int64, status string, activeInDays int) error {
	return nil
}
func (f *fakeEvents) UpdateAcquisition(ctx context.Context, id int64, source, campaign, term, date, formTitle string) error {
	return nil
}
func (f *fakeEvents) MergeEventData(ctx context.Context, id int64, extra map[string]interface{}) error {
	return nil
}
func (f *fakeEvents) FindLatestLeadByEmail(ctx context.Context, email string, excludeID int64) (*domain.Event, error) {
	return nil, postgres.ErrNotFound
}
func (f *fakeEvents) FinalizeIfDone(ctx context.Context, id int64) error { return nil }

type fakeJobs struct {
	mu       sync.Mutex
	enqueued []*domain.QueueJob
}

func (f *fakeJobs) Enqueue(ctx context.Context, job *domain.QueueJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.ID = int64(len(f.enqueued) + 1)
	f.enqueued = append(f.enqueued, job)
	return nil
}
func (f *fakeJobs) Complete(ctx context.Context, jobID int64, workerID string, responseCode int, responseBody string, revenue float64, revenueStatus string) error {
	return nil
}
func (f *fakeJobs) Fail(ctx context.Context, job *domain.QueueJob, workerID string, responseCode int, errMsg string) error {
	return nil
}
func (f *fakeJobs) FailPermanent(ctx context.Context, jobID int64, workerID, errMsg string) error {
	return nil
}
func (f *fakeJobs) Skip(ctx context.Context, jobID int64, workerID, reason string) error { return nil }
func (f *fakeJobs) CancelSiblings(ctx context.Context, eventID int64, reason string) (int64, error) {
	return 0, nil
}

type fakeEmailReg struct{}

func (fakeEmailReg) UpsertValidation(ctx context.Context, entry *domain.EmailValidationEntry) error {
	return nil
}
func (fakeEmailReg) ConsumeDailyBudget(ctx context.Context, limit int) (bool, error) {
	return true, nil
}

type fakeRels struct{}

func (fakeRels) Link(ctx context.Context, rel *domain.EventRelationship) error { return nil }

type fakeRevenue struct{}

func (fakeRevenue) Record(ctx context.Context, rec *domain.RevenueRecord) error { return nil }

type fakeAudit struct{}

func (fakeAudit) Append(ctx context.Context, entry *domain.ProcessingLogEntry) error { return nil }

type fakePlatformRouter struct{ platforms []domain.Platform }

func (f *fakePlatformRouter) RoutesFor(e *domain.Event) []domain.Platform { return f.platforms }
func (f *fakePlatformRouter) ValidationPlatform() (domain.Platform, bool) {
	return domain.Platform{}, false
}
func (f *fakePlatformRouter) PlatformByID(id int64) (domain.Platform, bool) {
	for _, p := range f.platforms {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Platform{}, false
}

type fakeBots struct{}

func (fakeBots) IsBot(ctx context.Context, email, phone, ip string) (bool, error) { return false, nil }
func (fakeBots) RecordHoneypotBot(ctx context.Context, email, phone, ip string, honeypotFields []string) error {
	return nil
}

type fakeEmailCache struct{}

func (fakeEmailCache) FindByEmail(ctx context.Context, email string) (*domain.EmailValidationEntry, error) {
	return nil, errCacheMiss
}

// --- fixtures --------------------------------------------------------------

func newTestProcessor(events *fakeEvents, jobs *fakeJobs) *pipeline.Processor {
	gate := validate.New(fakeBots{}, fakeEmailCache{}, []string{"zipcode"}, 30*24*time.Hour, errCacheMiss)
	rt := &fakePlatformRouter{platforms: []domain.Platform{{ID: 1, PlatformCode: "crm", DisplayName: "CRM", PlatformType: domain.PlatformTypeCRM}}}
	return pipeline.NewProcessor(events, jobs, fakeEmailReg{}, fakeRels{}, fakeRevenue{}, fakeAudit{}, rt, gate, nil, 1000)
}

func newIntakeServer(events *fakeEvents, jobs *fakeJobs) *Server {
	cfg := &config.Config{}
	cfg.Intake.RedirectURL = "https://example.com/thanks"
	cfg.RateLimit.RequestsPerMinute = 120
	return &Server{cfg: cfg, processor: newTestProcessor(events, jobs), startTime: time.Now()}
}

// --- submission parsing ----------------------------------------------------

func TestParseSubmissionJSON(t *testing.T) {
	body := `{"email":"a@b.com","amount":49.9,"consent":true,"note":null,"meta":{"x":1}}`
	r := httptest.NewRequest(http.MethodPost, "/events/purchase", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	fields, err := parseSubmission(r)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", fields["email"])
	assert.Equal(t, "49.9", fields["amount"])
	assert.Equal(t, "true", fields["consent"])
	assert.Equal(t, `{"x":1}`, fields["meta"])
	assert.NotContains(t, fields, "note")
}

func TestParseSubmissionFormWithQueryFallback(t *testing.T) {
	form := url.Values{"email": {"a@b.com"}, "name": {"Ada Lovelace"}}
	r := httptest.NewRequest(http.MethodPost, "/events/lead?utm_source=google&email=ignored@q.com",
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	fields, err := parseSubmission(r)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", fields["email"], "body wins over query")
	assert.Equal(t, "Ada Lovelace", fields["name"])
	assert.Equal(t, "google", fields["utm_source"])
}

func TestIsBrowserSubmission(t *testing.T) {
	form := httptest.NewRequest(http.MethodPost, "/", nil)
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	form.Header.Set("Accept", "text/html,application/xhtml+xml")
	assert.True(t, isBrowserSubmission(form))

	api := httptest.NewRequest(http.MethodPost, "/", nil)
	api.Header.Set("Content-Type", "application/json")
	assert.False(t, isBrowserSubmission(api))

	fetch := httptest.NewRequest(http.MethodPost, "/", nil)
	fetch.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	fetch.Header.Set("Accept", "application/json")
	assert.False(t, isBrowserSubmission(fetch))
}

// --- intake handlers -------------------------------------------------------

func TestLeadFormRedirects(t *testing.T) {
	events := &fakeEvents{}
	jobs := &fakeJobs{}
	s := newIntakeServer(events, jobs)

	form := url.Values{"email": {"lead@example.com"}, "first_name": {"Ada"}}
	r := httptest.NewRequest(http.MethodPost, "/events/lead", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()

	s.handleLead(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/thanks", w.Header().Get("Location"))
	require.Len(t, events.inserted, 1)
	assert.Equal(t, "lead@example.com", events.inserted[0].Email)
	assert.Len(t, jobs.enqueued, 1)
}

func TestLeadJSONResponse(t *testing.T) {
	events := &fakeEvents{}
	s := newIntakeServer(events, &fakeJobs{})

	r := httptest.NewRequest(http.MethodPost, "/events/lead",
		strings.NewReader(`{"email":"lead@example.com"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleLead(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Contains(t, w.Body.String(), events.inserted[0].EventID.String())
}

func TestLeadRedirectsEvenWhenIntakeFails(t *testing.T) {
	s := newIntakeServer(&fakeEvents{failInsert: true}, &fakeJobs{})

	form := url.Values{"email": {"lead@example.com"}}
	r := httptest.NewRequest(http.MethodPost, "/events/lead", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()

	s.handleLead(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/thanks", w.Header().Get("Location"))
}

func TestPurchaseReportsInternalError(t *testing.T) {
	s := newIntakeServer(&fakeEvents{failInsert: true}, &fakeJobs{})

	r := httptest.NewRequest(http.MethodPost, "/events/purchase",
		strings.NewReader(`{"email":"buyer@example.com","amount":99}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handlePurchase(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "intake failed")
}

// --- rate limiting ---------------------------------------------------------

func TestRateLimitBlocksOverBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.RateLimit.RequestsPerMinute = 2
	s := &Server{cfg: cfg, redis: client}

	handler := s.rateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events/lead", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events/lead", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimitAllowsAllWithoutRedis(t *testing.T) {
	cfg := &config.Config{}
	cfg.RateLimit.RequestsPerMinute = 1
	s := &Server{cfg: cfg}

	handler := s.rateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events/lead", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

// --- API key auth ----------------------------------------------------------

func TestRequireAPIKeyMissing(t *testing.T) {
	s := &Server{}
	handler := s.requireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a key")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAPIKeyAuthenticates(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`UPDATE api_keys`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(7, "reporting"))
	mock.ExpectExec(`INSERT INTO api_access_log`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := &Server{apiKeys: postgres.NewAPIKeyStore(db)}
	var gotKey *postgres.APIKey
	handler := s.requireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, _ = r.Context().Value(apiKeyCtxKey).(*postgres.APIKey)
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/stats", nil)
	r.Header.Set("X-API-Key", "sk_live_test")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, gotKey)
	assert.Equal(t, int64(7), gotKey.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- health ----------------------------------------------------------------

type staticPlatforms struct{ platforms []domain.Platform }

func (s staticPlatforms) ListActivePlatforms(ctx context.Context) ([]domain.Platform, error) {
	return s.platforms, nil
}
func (s staticPlatforms) ListActiveRules(ctx context.Context) ([]domain.RoutingRule, error) {
	return nil, nil
}

func newHealthServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	rt, err := router.New(context.Background(),
		staticPlatforms{platforms: []domain.Platform{{ID: 1, PlatformCode: "crm", DisplayName: "CRM", IsActive: true}}})
	require.NoError(t, err)

	s := &Server{
		db:        db,
		queue:     queue.New(db, nil),
		router:    rt,
		analytics: postgres.NewAnalyticsStore(db),
		startTime: time.Now(),
	}
	return s, mock
}

func TestHealthDegradedOnBacklog(t *testing.T) {
	s, mock := newHealthServer(t)
	mock.ExpectPing()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM processing_queue WHERE status = 'pending'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25000))
	mock.ExpectQuery(`FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"rate"}).AddRow(0.02))

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), "backlog 25000 jobs")
}

func TestHealthUnhealthyWhenStoreDown(t *testing.T) {
	s, mock := newHealthServer(t)
	dbErr := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(dbErr)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM processing_queue`).WillReturnError(dbErr)
	mock.ExpectQuery(`FILTER`).WillReturnError(dbErr)

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
}

// --- stats -----------------------------------------------------------------

func TestStatsAggregates(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("completed", 40).AddRow("blocked", 3))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(gross\), 0\) FROM revenue_tracking`).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(120.50))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM processing_queue WHERE status = 'pending'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(`JOIN platforms p ON p.id = q.platform_id`).
		WillReturnRows(sqlmock.NewRows([]string{"code", "total", "completed", "failed", "skipped"}).
			AddRow("crm", 10, 9, 1, 0))
	mock.ExpectQuery(`SELECT metric, SUM\(value\) FROM analytics_daily`).
		WillReturnRows(sqlmock.NewRows([]string{"metric", "value"}).AddRow("revenue_gross", 120.50))
	mock.ExpectQuery(`SELECT used FROM validation_usage`).
		WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(180))

	s := &Server{
		events:    postgres.NewEventStore(db),
		revenue:   postgres.NewRevenueStore(db),
		queue:     queue.New(db, nil),
		analytics: postgres.NewAnalyticsStore(db),
		emails:    postgres.NewEmailRegistry(db),
	}

	w := httptest.NewRecorder()
	s.handleStats(w, httptest.NewRequest(http.MethodGet, "/stats?period=7d", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"completed":40`)
	assert.Contains(t, body, `"queue_backlog":12`)
	assert.Contains(t, body, `"success_rate":0.9`)
	assert.Contains(t, body, `"validations_today":180`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsRejectsUnknownPeriod(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.handleStats(w, httptest.NewRequest(http.MethodGet, "/stats?period=90d", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
