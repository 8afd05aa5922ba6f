package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestListener_Await_UnknownState(t *testing.T) {
	l := NewListener()
	_, err := l.Await(context.Background(), "nope")
	assert.Error(t, err)
}

func TestListener_HandleCallback_Success(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer"}`))
	}))
	defer tokenSrv.Close()

	l := &Listener{flows: make(map[string]*pendingFlow)}
	cfg := &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{TokenURL: tokenSrv.URL},
	}
	flow := &pendingFlow{id: "flow1", provider: "acme", state: "state1", config: cfg, result: make(chan Result, 1)}
	l.flows["state1"] = flow

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=state1&code=abc", nil)
	w := httptest.NewRecorder()
	l.handleCallback(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case res := <-flow.result:
		require.NoError(t, res.Err)
		assert.Equal(t, "tok-123", res.Token.AccessToken)
	case <-time.After(time.Second):
		t.Fatal("expected a result on the flow's channel")
	}
}

func TestListener_HandleCallback_ProviderError(t *testing.T) {
	l := &Listener{flows: make(map[string]*pendingFlow)}
	flow := &pendingFlow{id: "flow1", state: "state1", config: &oauth2.Config{}, result: make(chan Result, 1)}
	l.flows["state1"] = flow

	req := httptest.NewRequest(http.MethodGet, "/callback?state=state1&error=access_denied", nil)
	w := httptest.NewRecorder()
	l.handleCallback(w, req)

	res := <-flow.result
	assert.Error(t, res.Err)
}

func TestListener_HandleCallback_UnknownStateRejected(t *testing.T) {
	l := &Listener{flows: make(map[string]*pendingFlow)}
	req := httptest.NewRequest(http.MethodGet, "/callback?state=bogus&code=abc", nil)
	w := httptest.NewRecorder()
	l.handleCallback(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
