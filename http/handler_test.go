package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stephnangue/vmgate/artifact"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/session"
	"github.com/stephnangue/vmgate/storage"
	"github.com/stephnangue/vmgate/vault"
)

type testServer struct {
	handler http.Handler
	vault   *vault.Vault
	manager *session.Manager
}

func newTestServer(t *testing.T, policy ratelimit.Policy) *testServer {
	t.Helper()
	return newTestServerWithStorage(t, policy, storage.NewMemoryStorage())
}

func newTestServerWithStorage(t *testing.T, policy ratelimit.Policy, sessStore storage.Storage) *testServer {
	t.Helper()
	ctx := context.Background()

	key := make([]byte, vault.MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	v, err := vault.New(vault.Config{
		MasterKey: key,
		Storage:   storage.NewMemoryStorage(),
	})
	require.NoError(t, err)

	if policy == nil {
		policy = ratelimit.Policy{
			ratelimit.ClassGeneralAPI:   {Window: time.Minute, MaxRequests: 10000},
			ratelimit.ClassVMConnection: {Window: time.Minute, MaxRequests: 10000},
			ratelimit.ClassDownload:     {Window: time.Minute, MaxRequests: 10000},
			ratelimit.ClassPerUser:      {Window: time.Minute, MaxRequests: 10000},
		}
	}
	limiter, err := ratelimit.NewController(ratelimit.Config{
		Store:  ratelimit.NewMemoryCounter(),
		Policy: policy,
	})
	require.NoError(t, err)

	manager, err := session.NewManager(ctx, session.Config{
		Storage: sessStore,
		Limiter: limiter,
	})
	require.NoError(t, err)

	gen, err := artifact.NewGenerator(artifact.Config{
		Vault:   v,
		Limiter: limiter,
	})
	require.NoError(t, err)
	t.Cleanup(gen.Close)
	manager.SetInvalidator(gen)

	return &testServer{
		handler: Handler(&HandlerProperties{
			Vault:     v,
			Sessions:  manager,
			Artifacts: gen,
			Limiter:   limiter,
		}),
		vault:   v,
		manager: manager,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.7:51234"
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) storeCredential(t *testing.T, vmID string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/vms/"+vmID+"/credential", map[string]any{
		"actor_id":  "admin-1",
		"username":  "administrator",
		"secret":    "t0p-s3cret",
		"port":      3389,
		"conn_type": "rdp",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) initiate(t *testing.T, userID, vmID string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"user_id": userID,
		"vm_id":   vmID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Session struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"session"`
		Artifact struct {
			Token    string `json:"token"`
			Protocol string `json:"protocol"`
		} `json:"artifact"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "active", resp.Session.State)
	require.NotEmpty(t, resp.Artifact.Token)
	return resp.Session.ID
}

func TestHandler_InitiateFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.storeCredential(t, "vm-7")

	sessionID := srv.initiate(t, "42", "vm-7")

	// Artifact downloads with the rdp payload
	rec := srv.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-rdp", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "full address:s:vm-7:3389")
	require.Contains(t, rec.Header().Get("Content-Disposition"), "connection.rdp")
}

func TestHandler_InitiateWithoutCredential(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"user_id": "42",
		"vm_id":   "vm-ghost",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The half-open session was rolled back, so a retry is not a conflict
	require.Empty(t, srv.manager.ListActive(context.Background(), "42"))
}

func TestHandler_InitiateConflict(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.storeCredential(t, "vm-7")
	srv.initiate(t, "42", "vm-7")

	rec := srv.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"user_id": "42",
		"vm_id":   "vm-7",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_InitiateValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "42"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_EndSession(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.storeCredential(t, "vm-7")
	sessionID := srv.initiate(t, "42", "vm-7")

	rec := srv.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/end", map[string]any{
		"reason": "user-requested",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var sess struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.Equal(t, "ended-normal", sess.State)

	// Artifact is gone after session end
	rec = srv.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/artifact", nil)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestHandler_EndUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodPost, "/v1/sessions/nope/end", map[string]any{})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_EndBadReason(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.storeCredential(t, "vm-7")
	sessionID := srv.initiate(t, "42", "vm-7")

	rec := srv.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/end", map[string]any{
		"reason": "because",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ListActive(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.storeCredential(t, "vm-7")
	srv.storeCredential(t, "vm-8")
	srv.initiate(t, "42", "vm-7")
	srv.initiate(t, "43", "vm-8")

	rec := srv.do(t, http.MethodGet, "/v1/sessions?user_id=42", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sessions []struct {
			UserID string `json:"user_id"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	require.Equal(t, "42", resp.Sessions[0].UserID)
}

func TestHandler_RateLimitedInitiate(t *testing.T) {
	srv := newTestServer(t, ratelimit.Policy{
		ratelimit.ClassGeneralAPI:   {Window: time.Minute, MaxRequests: 10000},
		ratelimit.ClassPerUser:      {Window: time.Minute, MaxRequests: 10000},
		ratelimit.ClassDownload:     {Window: time.Minute, MaxRequests: 10000},
		ratelimit.ClassVMConnection: {Window: time.Minute, MaxRequests: 1},
	})
	srv.storeCredential(t, "vm-7")
	srv.initiate(t, "42", "vm-7")

	rec := srv.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"user_id": "42",
		"vm_id":   "vm-8",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandler_GeneralAdmissionGatesEverything(t *testing.T) {
	srv := newTestServer(t, ratelimit.Policy{
		ratelimit.ClassGeneralAPI: {Window: time.Minute, MaxRequests: 2},
	})

	for i := 0; i < 2; i++ {
		rec := srv.do(t, http.MethodGet, "/v1/sys/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := srv.do(t, http.MethodGet, "/v1/sys/health", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandler_RotateCredential(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.storeCredential(t, "vm-7")

	rec := srv.do(t, http.MethodPut, "/v1/vms/vm-7/credential", map[string]any{
		"actor_id": "admin-1",
		"username": "administrator",
		"secret":   "brand-new-secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "brand-new-secret")

	// Rotating a vm with no stored credential is a 404
	rec = srv.do(t, http.MethodPut, "/v1/vms/vm-ghost/credential", map[string]any{
		"actor_id": "admin-1",
		"username": "administrator",
		"secret":   "whatever",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_StoreCredentialValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing secret", map[string]any{"actor_id": "a", "username": "u", "port": 22, "conn_type": "ssh"}},
		{"bad conn type", map[string]any{"actor_id": "a", "username": "u", "secret": "s", "port": 22, "conn_type": "telnet"}},
		{"bad port", map[string]any{"actor_id": "a", "username": "u", "secret": "s", "port": 0, "conn_type": "ssh"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/v1/vms/vm-1/credential", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandler_PathOutsideV1(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "path must begin with /v1/")
}

func TestHandler_MonitorEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.storeCredential(t, "vm-7")
	sessionID := srv.initiate(t, "42", "vm-7")

	rec := srv.do(t, http.MethodGet, fmt.Sprintf("/v1/sessions/%s/monitor", sessionID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Reachable bool `json:"reachable"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.True(t, health.Reachable)
}

func TestHandler_CredentialExchangeRateLimited(t *testing.T) {
	srv := newTestServer(t, ratelimit.Policy{
		ratelimit.ClassGeneralAPI:     {Window: time.Minute, MaxRequests: 10000},
		ratelimit.ClassAuthentication: {Window: time.Minute, MaxRequests: 2},
	})

	srv.storeCredential(t, "vm-1")
	srv.storeCredential(t, "vm-2")

	rec := srv.do(t, http.MethodPost, "/v1/vms/vm-3/credential", map[string]any{
		"actor_id":  "admin-1",
		"username":  "administrator",
		"secret":    "t0p-s3cret",
		"port":      3389,
		"conn_type": "rdp",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Session routes are not gated by the credential-exchange class
	rec = srv.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// unavailableStore serves reads but fails every write as if the backend
// were down.
type unavailableStore struct {
	storage.Storage
}

func (u *unavailableStore) Put(context.Context, string, string, map[string]any) error {
	return fmt.Errorf("%w: connection refused", storage.ErrUnreachable)
}

func TestHandler_SessionStoreDown(t *testing.T) {
	down := storage.NewRetryStorage(&unavailableStore{Storage: storage.NewMemoryStorage()}, 3)
	srv := newTestServerWithStorage(t, nil, down)
	srv.storeCredential(t, "vm-7")

	rec := srv.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"user_id": "42",
		"vm_id":   "vm-7",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	var resp struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"service temporarily unavailable"}, resp.Errors)
}
