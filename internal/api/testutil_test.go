package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/db"
	"github.com/btafoya/gocall/internal/models"
	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/internal/reservations"
	"github.com/btafoya/gocall/pkg/signaling"
)

// MockPhone is a mock implementation of Phone for testing
type MockPhone struct {
	SnapshotFunc   func() phone.Snapshot
	SubscribeFunc  func() (<-chan phone.StatusChange, func())
	InitializeFunc func(ctx context.Context, identity string) error
	MakeCallFunc   func(ctx context.Context, destination string, kind signaling.AddressKind, opts ...phone.CallOption) error
	AnswerCallFunc func(ctx context.Context) error
	RejectCallFunc func() error
	EndCallFunc    func() error
	ToggleMuteFunc func() (bool, error)
}

func (m *MockPhone) Snapshot() phone.Snapshot {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc()
	}
	return phone.Snapshot{Status: phone.StatusClosed}
}

func (m *MockPhone) Subscribe() (<-chan phone.StatusChange, func()) {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc()
	}
	ch := make(chan phone.StatusChange)
	return ch, func() {}
}

func (m *MockPhone) Initialize(ctx context.Context, identity string) error {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, identity)
	}
	return nil
}

func (m *MockPhone) MakeCall(ctx context.Context, destination string, kind signaling.AddressKind, opts ...phone.CallOption) error {
	if m.MakeCallFunc != nil {
		return m.MakeCallFunc(ctx, destination, kind, opts...)
	}
	return nil
}

func (m *MockPhone) AnswerCall(ctx context.Context) error {
	if m.AnswerCallFunc != nil {
		return m.AnswerCallFunc(ctx)
	}
	return nil
}

func (m *MockPhone) RejectCall() error {
	if m.RejectCallFunc != nil {
		return m.RejectCallFunc()
	}
	return nil
}

func (m *MockPhone) EndCall() error {
	if m.EndCallFunc != nil {
		return m.EndCallFunc()
	}
	return nil
}

func (m *MockPhone) ToggleMute() (bool, error) {
	if m.ToggleMuteFunc != nil {
		return m.ToggleMuteFunc()
	}
	return false, nil
}

// MockGuard is a mock implementation of ReservationGuard for testing
type MockGuard struct {
	StartCallFunc func(ctx context.Context, id int64) (*models.CallReservation, error)
	CurrentFunc   func() (reservations.Binding, bool)
}

func (m *MockGuard) StartCall(ctx context.Context, id int64) (*models.CallReservation, error) {
	if m.StartCallFunc != nil {
		return m.StartCallFunc(ctx, id)
	}
	return &models.CallReservation{ID: id, Status: models.ReservationOngoing}, nil
}

func (m *MockGuard) Current() (reservations.Binding, bool) {
	if m.CurrentFunc != nil {
		return m.CurrentFunc()
	}
	return reservations.Binding{}, false
}

// MockReservationList is a mock implementation of ReservationList for testing
type MockReservationList struct {
	mu         sync.Mutex
	identity   string
	triggers   int
	LatestFunc func() ([]models.CallReservation, time.Time, error)
	RefreshFn  func(ctx context.Context) ([]models.CallReservation, error)
}

func (m *MockReservationList) SetIdentity(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
}

func (m *MockReservationList) Latest() ([]models.CallReservation, time.Time, error) {
	if m.LatestFunc != nil {
		return m.LatestFunc()
	}
	return nil, time.Time{}, nil
}

func (m *MockReservationList) Refresh(ctx context.Context) ([]models.CallReservation, error) {
	if m.RefreshFn != nil {
		return m.RefreshFn(ctx)
	}
	return nil, nil
}

func (m *MockReservationList) Trigger() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers++
}

func (m *MockReservationList) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *MockReservationList) Triggers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers
}

// MockStore is a mock implementation of reservations.Store for testing
type MockStore struct {
	CreateFunc     func(ctx context.Context, req models.CreateReservationRequest) (*models.CallReservation, error)
	ListByUserFunc func(ctx context.Context, username string) ([]models.CallReservation, error)
	GetFunc        func(ctx context.Context, id int64) (*models.CallReservation, error)
	UpdateFunc     func(ctx context.Context, id int64, update models.ReservationUpdate) (*models.CallReservation, error)
}

func (m *MockStore) Create(ctx context.Context, req models.CreateReservationRequest) (*models.CallReservation, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	return &models.CallReservation{
		ID:              1,
		Username:        req.Username,
		ReservationDate: req.ReservationDate,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Status:          models.ReservationScheduled,
	}, nil
}

func (m *MockStore) ListByUser(ctx context.Context, username string) ([]models.CallReservation, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, username)
	}
	return nil, nil
}

func (m *MockStore) Get(ctx context.Context, id int64) (*models.CallReservation, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, reservations.ErrReservationNotFound
}

func (m *MockStore) Update(ctx context.Context, id int64, update models.ReservationUpdate) (*models.CallReservation, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, id, update)
	}
	return &models.CallReservation{ID: id, Status: *update.Status}, nil
}

func (m *MockStore) SweepExpired(ctx context.Context) error {
	return nil
}

// MockTokens is a mock credential source for testing
type MockTokens struct {
	FetchFunc func(ctx context.Context, identity string) (signaling.Credential, error)
}

func (m *MockTokens) Fetch(ctx context.Context, identity string) (signaling.Credential, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, identity)
	}
	return signaling.Credential{Token: "token-" + identity, Identity: identity}, nil
}

// testSetup contains all the test dependencies
type testSetup struct {
	DB           *db.DB
	Phone        *MockPhone
	Guard        *MockGuard
	Reservations *MockReservationList
	Store        *MockStore
	Tokens       *MockTokens
	Deps         *Dependencies
}

// setupTestAPI creates a test environment with mocked dependencies and an
// in-memory database
func setupTestAPI(t *testing.T) *testSetup {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})

	s := &testSetup{
		DB:           database,
		Phone:        &MockPhone{},
		Guard:        &MockGuard{},
		Reservations: &MockReservationList{},
		Store:        &MockStore{},
		Tokens:       &MockTokens{},
	}
	s.Deps = &Dependencies{
		Config: &config.Config{
			LocalURL:         config.DefaultLocalURL,
			ReservationsPath: config.DefaultReservationsPath,
			CORSOrigins:      []string{"http://localhost:3000"},
		},
		Phone:        s.Phone,
		Guard:        s.Guard,
		Reservations: s.Reservations,
		Store:        s.Store,
		Tokens:       s.Tokens,
		Settings:     database.Settings,
		History:      database.CallLogs,
		DB:           database.Conn(),
	}
	return s
}

// snapshotOf returns a SnapshotFunc for a fixed snapshot
func snapshotOf(snap phone.Snapshot) func() phone.Snapshot {
	return func() phone.Snapshot { return snap }
}

// makeRequest is a helper to create and execute HTTP requests in tests
func makeRequest(t *testing.T, method, url string, body interface{}, handler http.Handler) *httptest.ResponseRecorder {
	t.Helper()

	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req := httptest.NewRequest(method, url, reqBody)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	return rr
}

// withURLParams adds chi URL parameters to a request
func withURLParams(r *http.Request, params map[string]string) *http.Request {
	ctx := chi.NewRouteContext()
	for key, value := range params {
		ctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}

// decodeResponse decodes a JSON response into the given interface
func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v (body: %s)", err, rr.Body.String())
	}
}

// decodeError decodes an error envelope
func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	decodeResponse(t, rr, &resp)
	return resp
}

// assertStatus checks the HTTP status code
func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()

	if rr.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, rr.Code, rr.Body.String())
	}
}

// assertErrorCode checks the error code in an error response
func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()

	if resp := decodeError(t, rr); resp.Error.Code != expectedCode {
		t.Errorf("Expected error code %s, got %s", expectedCode, resp.Error.Code)
	}
}
