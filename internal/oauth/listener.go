// Package oauth runs the loopback HTTP listener that completes provider
// OAuth flows (redirect_code) by catching the browser's callback redirect.
// Grounded on the teacher's internal/server.Server (chi.Mux + http.Server
// lifecycle) and golang.org/x/oauth2 for the token exchange itself.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
)

// ListenAddr is where the callback listener binds, per spec.md §6.
const ListenAddr = "127.0.0.1:1455"

// ListenerTTL bounds how long the HTTP listener stays up waiting for a
// single callback before it tears itself down.
const ListenerTTL = 5 * time.Minute

// FlowTTL bounds how long Await waits for a pending flow's callback.
const FlowTTL = 15 * time.Minute

// FlowKind distinguishes the two OAuth shapes a provider may use.
type FlowKind string

const (
	FlowRedirectCode FlowKind = "redirect_code"
	FlowDevicePoll   FlowKind = "device_poll"
)

// Result is delivered to whoever started a flow once the callback is
// handled (success or failure); expiry is reported as an error from Await.
type Result struct {
	FlowID string
	Token  *oauth2.Token
	Err    error
}

type pendingFlow struct {
	id        string
	provider  string
	state     string
	config    *oauth2.Config
	createdAt time.Time
	result    chan Result
}

// Listener owns the loopback HTTP server and the set of flows currently
// awaiting a callback. One Listener is started on demand (the first
// start_oauth_login after the server boots) and torn down ListenerTTL after
// it starts, or on disconnect_oauth.
type Listener struct {
	mu      sync.Mutex
	flows   map[string]*pendingFlow // keyed by state
	server  *http.Server
	started bool
}

// NewListener creates an idle listener; call Start to bind the HTTP server.
func NewListener() *Listener {
	return &Listener{flows: make(map[string]*pendingFlow)}
}

// StartFlow registers a pending redirect_code flow and returns the
// provider's authorization URL the client should open. Starts the HTTP
// listener lazily if it isn't already running.
func (l *Listener) StartFlow(ctx context.Context, flowID, provider, state string, cfg *oauth2.Config) (authURL string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.flows[state] = &pendingFlow{
		id:        flowID,
		provider:  provider,
		state:     state,
		config:    cfg,
		createdAt: time.Now(),
		result:    make(chan Result, 1),
	}

	if !l.started {
		if err := l.start(); err != nil {
			delete(l.flows, state)
			return "", err
		}
		l.started = true
	}

	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Await blocks until the flow identified by state completes, expires, or
// ctx is cancelled.
func (l *Listener) Await(ctx context.Context, state string) (Result, error) {
	l.mu.Lock()
	flow, ok := l.flows[state]
	l.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("no pending oauth flow for state %s", state)
	}

	select {
	case res := <-flow.result:
		return res, nil
	case <-time.After(FlowTTL):
		return Result{}, fmt.Errorf("oauth flow %s expired after %s", flow.id, FlowTTL)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (l *Listener) start() error {
	router := chi.NewRouter()
	router.Get("/auth/callback", l.handleCallback)
	router.Get("/callback", l.handleCallback)

	l.server = &http.Server{Addr: ListenAddr, Handler: router}

	ln, err := listenTCP(ListenAddr)
	if err != nil {
		return fmt.Errorf("bind oauth callback listener: %w", err)
	}

	go func() {
		_ = l.server.Serve(ln)
	}()

	go l.expireAfter(ListenerTTL)
	return nil
}

func (l *Listener) expireAfter(ttl time.Duration) {
	time.Sleep(ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.server.Shutdown(ctx)
	l.started = false
}

// Stop tears the listener down immediately, e.g. on disconnect_oauth.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	l.started = false
	return l.server.Shutdown(ctx)
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	errParam := r.URL.Query().Get("error")

	l.mu.Lock()
	flow, ok := l.flows[state]
	if ok {
		delete(l.flows, state)
	}
	l.mu.Unlock()

	if !ok {
		writePage(w, http.StatusBadRequest, "Login failed", "Unknown or expired login state.")
		return
	}

	if errParam != "" {
		flow.result <- Result{FlowID: flow.id, Err: errors.New(errParam)}
		writePage(w, http.StatusOK, "Login failed", "The provider reported an error: "+errParam)
		return
	}

	token, err := flow.config.Exchange(r.Context(), code)
	if err != nil {
		flow.result <- Result{FlowID: flow.id, Err: fmt.Errorf("token exchange failed: %w", err)}
		writePage(w, http.StatusOK, "Login failed", "Could not exchange the authorization code for a token.")
		return
	}

	flow.result <- Result{FlowID: flow.id, Token: token}
	writePage(w, http.StatusOK, "Login successful", "You can close this tab and return to QueryMT.")
}

func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>", title, title, body)
}
