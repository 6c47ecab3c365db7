package stateapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nclav-io/nclav/pkg/store"
)

func openStore(t *testing.T) store.StateStore {
	t.Helper()
	st, err := store.NewBboltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestHandleHealthzAlwaysOK(t *testing.T) {
	s := NewServer(openStore(t), "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReadyzReportsStoreReachable(t *testing.T) {
	s := NewServer(openStore(t), "")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStateRoundTrip(t *testing.T) {
	s := NewServer(openStore(t), "")
	path := "/terraform/state/enc-a/part-a"

	getReq := httptest.NewRequest(http.MethodGet, path, nil)
	getW := httptest.NewRecorder()
	s.Router().ServeHTTP(getW, getReq)
	assert.Equal(t, http.StatusNotFound, getW.Code)

	body := []byte(`{"version":4,"resources":[]}`)
	postReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	postW := httptest.NewRecorder()
	s.Router().ServeHTTP(postW, postReq)
	assert.Equal(t, http.StatusOK, postW.Code)

	getReq2 := httptest.NewRequest(http.MethodGet, path, nil)
	getW2 := httptest.NewRecorder()
	s.Router().ServeHTTP(getW2, getReq2)
	assert.Equal(t, http.StatusOK, getW2.Code)
	assert.Equal(t, body, getW2.Body.Bytes())

	delReq := httptest.NewRequest(http.MethodDelete, path, nil)
	delW := httptest.NewRecorder()
	s.Router().ServeHTTP(delW, delReq)
	assert.Equal(t, http.StatusOK, delW.Code)

	getReq3 := httptest.NewRequest(http.MethodGet, path, nil)
	getW3 := httptest.NewRecorder()
	s.Router().ServeHTTP(getW3, getReq3)
	assert.Equal(t, http.StatusNotFound, getW3.Code)
}

func TestLockConflictReturnsHolder(t *testing.T) {
	s := NewServer(openStore(t), "")
	path := "/terraform/state/enc-a/part-a/lock"

	firstBody, _ := json.Marshal(map[string]string{"ID": "lock-a"})
	firstReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(firstBody))
	firstW := httptest.NewRecorder()
	s.Router().ServeHTTP(firstW, firstReq)
	assert.Equal(t, http.StatusOK, firstW.Code)

	secondBody, _ := json.Marshal(map[string]string{"ID": "lock-b"})
	secondReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(secondBody))
	secondW := httptest.NewRecorder()
	s.Router().ServeHTTP(secondW, secondReq)
	assert.Equal(t, http.StatusConflict, secondW.Code)

	var conflict map[string]string
	require.NoError(t, json.Unmarshal(secondW.Body.Bytes(), &conflict))
	assert.Equal(t, "lock-a", conflict["ID"])
}

func TestUnlockWithWrongIDIsNoop(t *testing.T) {
	s := NewServer(openStore(t), "")
	path := "/terraform/state/enc-a/part-a/lock"

	lockBody, _ := json.Marshal(map[string]string{"ID": "lock-a"})
	lockReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(lockBody))
	lockW := httptest.NewRecorder()
	s.Router().ServeHTTP(lockW, lockReq)
	require.Equal(t, http.StatusOK, lockW.Code)

	wrongBody, _ := json.Marshal(map[string]string{"ID": "lock-b"})
	unlockReq := httptest.NewRequest(http.MethodDelete, path, bytes.NewReader(wrongBody))
	unlockW := httptest.NewRecorder()
	s.Router().ServeHTTP(unlockW, unlockReq)
	assert.Equal(t, http.StatusOK, unlockW.Code)

	retryReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(lockBody))
	retryW := httptest.NewRecorder()
	s.Router().ServeHTTP(retryW, retryReq)
	assert.Equal(t, http.StatusConflict, retryW.Code, "lock should still be held since unlock ID didn't match")
}

func TestRequireTokenRejectsMissingOrWrongCredentials(t *testing.T) {
	s := NewServer(openStore(t), "secret-token")
	path := "/terraform/state/enc-a/part-a"

	noAuthReq := httptest.NewRequest(http.MethodGet, path, nil)
	noAuthW := httptest.NewRecorder()
	s.Router().ServeHTTP(noAuthW, noAuthReq)
	assert.Equal(t, http.StatusUnauthorized, noAuthW.Code)

	wrongBearerReq := httptest.NewRequest(http.MethodGet, path, nil)
	wrongBearerReq.Header.Set("Authorization", "Bearer wrong-token")
	wrongBearerW := httptest.NewRecorder()
	s.Router().ServeHTTP(wrongBearerW, wrongBearerReq)
	assert.Equal(t, http.StatusUnauthorized, wrongBearerW.Code)

	bearerReq := httptest.NewRequest(http.MethodGet, path, nil)
	bearerReq.Header.Set("Authorization", "Bearer secret-token")
	bearerW := httptest.NewRecorder()
	s.Router().ServeHTTP(bearerW, bearerReq)
	assert.Equal(t, http.StatusNotFound, bearerW.Code, "missing state is 404, not 401, once authenticated")

	basicReq := httptest.NewRequest(http.MethodGet, path, nil)
	basicReq.SetBasicAuth("terraform", "secret-token")
	basicW := httptest.NewRecorder()
	s.Router().ServeHTTP(basicW, basicReq)
	assert.Equal(t, http.StatusNotFound, basicW.Code)

	healthReq := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthW := httptest.NewRecorder()
	s.Router().ServeHTTP(healthW, healthReq)
	assert.Equal(t, http.StatusOK, healthW.Code, "/healthz is exempt from auth")
}

func TestUnlockForceWithEmptyID(t *testing.T) {
	s := NewServer(openStore(t), "")
	path := "/terraform/state/enc-a/part-a/lock"

	lockBody, _ := json.Marshal(map[string]string{"ID": "lock-a"})
	lockReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(lockBody))
	lockW := httptest.NewRecorder()
	s.Router().ServeHTTP(lockW, lockReq)
	require.Equal(t, http.StatusOK, lockW.Code)

	forceReq := httptest.NewRequest(http.MethodDelete, path, nil)
	forceW := httptest.NewRecorder()
	s.Router().ServeHTTP(forceW, forceReq)
	assert.Equal(t, http.StatusOK, forceW.Code)

	retryReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(lockBody))
	retryW := httptest.NewRecorder()
	s.Router().ServeHTTP(retryW, retryReq)
	assert.Equal(t, http.StatusOK, retryW.Code, "force-unlock should have released the lock")
}
