package reservations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btafoya/gocall/internal/models"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/reservations/", nil)
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestClientListByUser(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.EscapedPath() != "/reservations/user/user-ab%20cd" {
			t.Errorf("request = %s %s", r.Method, r.URL.EscapedPath())
		}
		writeData(w, http.StatusOK, []models.CallReservation{scheduled(1, "10:00", "10:05"), scheduled(2, "11:00", "11:30")})
	})

	list, err := c.ListByUser(context.Background(), "user-ab cd")
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(list) != 2 || list[1].ID != 2 || list[0].StartTime != "10:00" {
		t.Errorf("ListByUser() = %+v", list)
	}
}

func TestClientGet(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reservations/7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeData(w, http.StatusOK, scheduled(7, "10:00", "10:05"))
	})

	res, err := c.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.ID != 7 || res.Status != models.ReservationScheduled {
		t.Errorf("Get() = %+v", res)
	}
}

func TestClientUpdateSendsPartialBody(t *testing.T) {
	var body map[string]any
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/reservations/7" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&body)
		res := scheduled(7, "10:00", "10:05")
		res.Status = models.ReservationCompleted
		res.CallDuration = 95
		writeData(w, http.StatusOK, res)
	})

	res, err := c.Update(context.Background(), 7, models.CompletionUpdate(95))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if body["status"] != "completed" || body["callDuration"] != float64(95) {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["phoneNumber"]; ok {
		t.Error("unset fields must be omitted")
	}
	if res.Status != models.ReservationCompleted || res.CallDuration != 95 {
		t.Errorf("Update() = %+v", res)
	}
}

func TestClientCreate(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/reservations" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req models.CreateReservationRequest
		json.NewDecoder(r.Body).Decode(&req)
		res := scheduled(42, req.StartTime, req.EndTime)
		res.Username = req.Username
		writeData(w, http.StatusCreated, res)
	})

	res, err := c.Create(context.Background(), models.CreateReservationRequest{
		Username:        "bob",
		ReservationDate: "2024-05-01",
		StartTime:       "09:00",
		EndTime:         "09:15",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if res.ID != 42 || res.Username != "bob" || res.EndTime != "09:15" {
		t.Errorf("Create() = %+v", res)
	}
}

func TestClientSweepExpired(t *testing.T) {
	called := false
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = r.Method == http.MethodPost && r.URL.Path == "/reservations/update-expired"
		writeData(w, http.StatusOK, map[string]int{"updated": 3})
	})

	if err := c.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if !called {
		t.Error("sweep endpoint not called")
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantErr  error
		wantCode int
		wantMsg  string
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"error":"missing"}`, wantErr: ErrReservationNotFound},
		{name: "message", status: http.StatusBadRequest, body: `{"message":"invalid status"}`, wantCode: 400, wantMsg: "invalid status"},
		{name: "error field", status: http.StatusConflict, body: `{"error":"slot taken"}`, wantCode: 409, wantMsg: "slot taken"},
		{name: "non-json body", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, wantCode: 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Get(context.Background(), 1)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Get() error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.wantCode || apiErr.Message != tt.wantMsg {
				t.Errorf("APIError = %+v", apiErr)
			}
		})
	}
}

func TestClientMalformedData(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":`))
	})
	if _, err := c.Get(context.Background(), 1); err == nil {
		t.Error("Get() should fail on malformed body")
	}
}

func TestClientContextCancelled(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, nil)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ListByUser(ctx, "alice"); !errors.Is(err, context.Canceled) {
		t.Errorf("ListByUser() error = %v, want context.Canceled", err)
	}
}
