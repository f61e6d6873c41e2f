package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrascan/intrascan/go/internal/models"
	"github.com/intrascan/intrascan/go/internal/presence"
	"github.com/intrascan/intrascan/go/internal/scan"
)

type stubCodes struct {
	value     string
	updatedAt time.Time
	connected bool
}

func (s *stubCodes) Current() (string, time.Time) { return s.value, s.updatedAt }
func (s *stubCodes) Connected() bool              { return s.connected }

type stubScans struct {
	outcome  scan.Outcome
	err      error
	payloads []string
}

func (s *stubScans) Submit(ctx context.Context, payload string) (scan.Outcome, error) {
	s.payloads = append(s.payloads, payload)
	return s.outcome, s.err
}

type stubPresence struct {
	participant      models.Participant
	summary          presence.Summary
	lastUser         string
	initialStepCalls int
}

func (s *stubPresence) SetPresence(ctx context.Context, userID string, present bool) (*models.Participant, error) {
	s.lastUser = userID
	p := s.participant
	p.Present = present
	return &p, nil
}

func (s *stubPresence) MarkReady(ctx context.Context, userID string) (*models.Participant, error) {
	s.lastUser = userID
	p := s.participant
	p.Ready = true
	return &p, nil
}

func (s *stubPresence) ConfirmCheckIn(ctx context.Context, userID string) (*models.Participant, error) {
	s.lastUser = userID
	p := s.participant
	p.CheckedIn = true
	return &p, nil
}

func (s *stubPresence) CancelCheckIn(ctx context.Context, userID string) (*models.Participant, error) {
	s.lastUser = userID
	p := s.participant
	p.Ready = false
	p.CheckedIn = false
	return &p, nil
}

func (s *stubPresence) Status(ctx context.Context, userID string) (bool, error) {
	return s.participant.CheckedIn, nil
}

func (s *stubPresence) Step(ctx context.Context, userID string) (models.CheckInStep, error) {
	return s.participant.Step(), nil
}

func (s *stubPresence) InitialStep(ctx context.Context, userID string) (models.CheckInStep, error) {
	s.initialStepCalls++
	if s.participant.Ready && !s.participant.CheckedIn {
		s.participant.Ready = false
	}
	return s.participant.Step(), nil
}

func (s *stubPresence) Summary(ctx context.Context) (presence.Summary, error) {
	return s.summary, nil
}

func newTestHandler(codes *stubCodes, scans *stubScans, pres *stubPresence) *Handler {
	manager := NewConnectionManager(DefaultConnectionConfig())
	return NewHandler(manager, codes, scans, pres)
}

func TestHandlersRequireIdentity(t *testing.T) {
	handler := newTestHandler(&stubCodes{}, &stubScans{}, &stubPresence{})

	endpoints := []struct {
		method string
		path   string
		fn     http.HandlerFunc
	}{
		{http.MethodPost, "/api/scan", handler.HandleScan},
		{http.MethodPost, "/api/presence", handler.HandleSetPresence},
		{http.MethodPost, "/api/presence/ready", handler.HandleMarkReady},
		{http.MethodPost, "/api/presence/checkin", handler.HandleConfirmCheckIn},
		{http.MethodPost, "/api/presence/cancel", handler.HandleCancelCheckIn},
		{http.MethodGet, "/api/presence/status", handler.HandleStatus},
	}

	for _, ep := range endpoints {
		t.Run(ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			ep.fn(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestIdentityFromHeaderOrQuery(t *testing.T) {
	pres := &stubPresence{}
	handler := newTestHandler(&stubCodes{}, &stubScans{}, pres)

	req := httptest.NewRequest(http.MethodPost, "/api/presence", strings.NewReader(`{"present":true}`))
	req.Header.Set("X-User-ID", "header-user")
	rec := httptest.NewRecorder()
	handler.HandleSetPresence(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "header-user", pres.lastUser)

	req = httptest.NewRequest(http.MethodPost, "/api/presence?user_id=query-user", strings.NewReader(`{"present":false}`))
	rec = httptest.NewRecorder()
	handler.HandleSetPresence(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "query-user", pres.lastUser)
}

func TestHandleScan(t *testing.T) {
	scans := &stubScans{outcome: scan.OutcomeUpdated}
	handler := newTestHandler(&stubCodes{}, scans, &stubPresence{})

	body := `{"payload":"https://example.org/scan?token=ABC"}`
	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(body))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.HandleScan(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(scan.OutcomeUpdated), resp["outcome"])
	assert.Equal(t, []string{"https://example.org/scan?token=ABC"}, scans.payloads)
}

func TestHandleGetCode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	handler := newTestHandler(&stubCodes{value: "ABC", updatedAt: at, connected: true}, &stubScans{}, &stubPresence{})

	req := httptest.NewRequest(http.MethodGet, "/api/code", nil)
	rec := httptest.NewRecorder()
	handler.HandleGetCode(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Code      string    `json:"code"`
		UpdatedAt time.Time `json:"updated_at"`
		Connected bool      `json:"connected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ABC", resp.Code)
	assert.Equal(t, at, resp.UpdatedAt)
	assert.True(t, resp.Connected)
}

func TestHandleStatusIsReadOnly(t *testing.T) {
	// A ready-but-not-checked-in participant must read back as READY,
	// however many times status is polled. Stale-ready normalization
	// belongs to session attach, not to this endpoint.
	pres := &stubPresence{participant: models.Participant{UserID: "u1", Ready: true}}
	handler := newTestHandler(&stubCodes{}, &stubScans{}, pres)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/presence/status", nil)
		req.Header.Set("X-User-ID", "u1")
		rec := httptest.NewRecorder()
		handler.HandleStatus(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			CheckedIn bool   `json:"checked_in"`
			Step      string `json:"step"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.CheckedIn)
		assert.Equal(t, string(models.StepReady), resp.Step)
	}

	assert.Zero(t, pres.initialStepCalls)
	assert.True(t, pres.participant.Ready)
}

func TestWebSocketAttachResolvesInitialStep(t *testing.T) {
	pres := &stubPresence{participant: models.Participant{UserID: "u1", Ready: true}}
	handler := newTestHandler(&stubCodes{}, &stubScans{}, pres)

	// Not a real upgrade request, so the handshake fails, but the
	// first-observation resolution runs before it.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.HandleWebSocket(rec, req)

	assert.Equal(t, 1, pres.initialStepCalls)
	assert.False(t, pres.participant.Ready)
}

func TestHandleSummary(t *testing.T) {
	pres := &stubPresence{summary: presence.Summary{
		Counts:     presence.Counts{Remote: 3, CheckedIn: 1, Ready: 1},
		Completion: presence.CheckInPending,
	}}
	handler := newTestHandler(&stubCodes{}, &stubScans{}, pres)

	req := httptest.NewRequest(http.MethodGet, "/api/presence/summary", nil)
	rec := httptest.NewRecorder()
	handler.HandleSummary(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CheckInSummaryPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Remote)
	assert.Equal(t, 1, resp.CheckedIn)
	assert.Equal(t, 2, resp.NotReady)
	assert.Equal(t, string(presence.CheckInPending), resp.Completion)
}

func TestMethodGuards(t *testing.T) {
	handler := newTestHandler(&stubCodes{}, &stubScans{}, &stubPresence{})

	req := httptest.NewRequest(http.MethodGet, "/api/scan", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.HandleScan(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/code", nil)
	rec = httptest.NewRecorder()
	handler.HandleGetCode(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
