package flow

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/config"
	"github.com/houbamydar/ahojauth/internal/events"
	"github.com/houbamydar/ahojauth/internal/interaction"
	"github.com/houbamydar/ahojauth/internal/kvstore"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

const (
	testAuthorizeURL = "https://login.example/tenant/authorize"
	testRedirectURI  = "https://app.example/callback"
)

var errCrossOrigin = errors.New("cross-origin frame")

// respondWith builds the page a provider would redirect to for an
// authorization URL, echoing its state.
func respondWith(fragment string) func(authURL string) string {
	return func(authURL string) string {
		u, err := url.Parse(authURL)
		if err != nil {
			return ""
		}
		return testRedirectURI + "#" + fragment + "&state=" + url.QueryEscape(u.Query().Get("state"))
	}
}

// fakeWindow is a popup or frame. After navigating to the provider it is
// cross-origin for a few reads, then shows what respond returns.
type fakeWindow struct {
	mu          sync.Mutex
	href        string
	respond     func(authURL string) string
	response    string
	crossOrigin int
	closeAfter  int
	reads       int
	closed      bool
	navigated   []string
}

func (w *fakeWindow) Navigate(u string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.navigated = append(w.navigated, u)
	w.href = u
	w.crossOrigin = 2
	if w.respond != nil {
		w.response = w.respond(u)
	}
	return nil
}

func (w *fakeWindow) Location() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads++
	if w.closeAfter > 0 && w.reads >= w.closeAfter {
		w.closed = true
	}
	if w.closed {
		return "", errors.New("window closed")
	}
	if w.href == "" || w.href == "about:blank" {
		return "about:blank", nil
	}
	if w.crossOrigin > 0 || w.response == "" {
		w.crossOrigin--
		return "", errCrossOrigin
	}
	return w.response, nil
}

func (w *fakeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *fakeWindow) Focus() {}

func (w *fakeWindow) navigations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.navigated...)
}

type fakePopupHost struct {
	mu         sync.Mutex
	respond    func(authURL string) string
	closeAfter int
	opened     []string
	windows    []*fakeWindow
}

func (h *fakePopupHost) OpenPopup(_ context.Context, u string, _ interaction.PopupOptions) (interaction.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := &fakeWindow{respond: h.respond, closeAfter: h.closeAfter}
	if u != "about:blank" {
		_ = w.Navigate(u)
	}
	h.opened = append(h.opened, u)
	h.windows = append(h.windows, w)
	return w, nil
}

func (h *fakePopupHost) lastWindow() *fakeWindow {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.windows) == 0 {
		return nil
	}
	return h.windows[len(h.windows)-1]
}

type fakeFrame struct {
	*fakeWindow
}

type fakeFrameHost struct {
	mu      sync.Mutex
	respond func(authURL string) string
	created int
	removed int
}

func (h *fakeFrameHost) CreateHiddenFrame(context.Context, string) (interaction.Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created++
	return &fakeFrame{&fakeWindow{respond: h.respond}}, nil
}

func (h *fakeFrameHost) RemoveFrame(interaction.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed++
}

type fakeBrowser struct {
	mu        sync.Mutex
	current   string
	inFrame   bool
	navigated []string
	cleared   int
}

func (b *fakeBrowser) CurrentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *fakeBrowser) InFrame() bool { return b.inFrame }

func (b *fakeBrowser) ClearHash() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared++
}

func (b *fakeBrowser) Navigate(_ context.Context, u string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated = append(b.navigated, u)
	return nil
}

func (b *fakeBrowser) lastNavigation() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.navigated) == 0 {
		return ""
	}
	return b.navigated[len(b.navigated)-1]
}

// fakeEngine builds URLs that carry the state in the query and "redeems"
// codes by echoing them back.
type fakeEngine struct {
	mu         sync.Mutex
	refreshErr error
	urlErr     error
	refreshes  int
	exchanged  []*protocol.AuthCodeRequest
	echoed     []string
	forgotten  []string
}

func (e *fakeEngine) BuildAuthorizationURL(_ context.Context, req *protocol.AuthCodeRequest) (string, error) {
	if e.urlErr != nil {
		return "", e.urlErr
	}
	q := url.Values{}
	q.Set("state", req.State)
	q.Set("nonce", req.Nonce)
	if req.Prompt != "" {
		q.Set("prompt", req.Prompt)
	}
	return testAuthorizeURL + "?" + q.Encode(), nil
}

func (e *fakeEngine) ExchangeCodeForTokens(_ context.Context, req *protocol.AuthCodeRequest, frag *interaction.ResponseFragment) (*protocol.AuthResult, error) {
	e.mu.Lock()
	e.exchanged = append(e.exchanged, req)
	e.echoed = append(e.echoed, frag.State)
	e.mu.Unlock()
	if frag.Failed() {
		return nil, autherr.Server(frag.Error, frag.ErrorDescription)
	}
	return &protocol.AuthResult{
		Code:        frag.Code,
		AccessToken: "at-" + frag.Code,
		Scopes:      req.Scopes,
		Account:     &protocol.Account{HomeAccountID: "home-1", Username: "user@example.com"},
	}, nil
}

func (e *fakeEngine) RefreshAccessToken(context.Context, *protocol.RefreshRequest) (*protocol.AuthResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshes++
	if e.refreshErr != nil {
		return nil, e.refreshErr
	}
	return &protocol.AuthResult{AccessToken: "at-refreshed"}, nil
}

func (e *fakeEngine) ClassifyError(err error) protocol.Classification {
	return protocol.Classify(err)
}

func (e *fakeEngine) BuildLogoutURL(_ context.Context, req *protocol.LogoutRequest) (string, error) {
	return "https://login.example/tenant/logout?post_logout_redirect_uri=" + url.QueryEscape(req.PostLogoutRedirectURI), nil
}

func (e *fakeEngine) ForgetAccount(_ context.Context, account *protocol.Account) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgotten = append(e.forgotten, account.HomeAccountID)
	return nil
}

// writeCountingStore counts mutations on top of another store.
type writeCountingStore struct {
	kvstore.Store
	mu     sync.Mutex
	writes int
}

func (s *writeCountingStore) count() {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *writeCountingStore) Set(ctx context.Context, key, value string) error {
	s.count()
	return s.Store.Set(ctx, key, value)
}

func (s *writeCountingStore) Remove(ctx context.Context, key string) error {
	s.count()
	return s.Store.Remove(ctx, key)
}

func (s *writeCountingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// failingGetStore fails reads of keys containing match once armed.
type failingGetStore struct {
	kvstore.Store
	mu    sync.Mutex
	match string
	armed bool
}

func (s *failingGetStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *failingGetStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	fail := s.armed && strings.Contains(key, s.match)
	s.mu.Unlock()
	if fail {
		return "", false, errors.New("read failed")
	}
	return s.Store.Get(ctx, key)
}

type recorder struct {
	mu       sync.Mutex
	messages []events.Message
}

func (r *recorder) listen(m events.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Type)
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		ClientID:                  "client-1",
		Authority:                 "https://login.example/tenant",
		RedirectURI:               testRedirectURI,
		CacheLocation:             kvstore.LocationMemory,
		PollInterval:              5 * time.Millisecond,
		PopupTimeout:              2 * time.Second,
		IframeTimeout:             2 * time.Second,
		NavigateToLoginRequestURL: true,
	}
}

type testEnv struct {
	client  *Client
	store   kvstore.Store
	engine  *fakeEngine
	browser *fakeBrowser
	popups  *fakePopupHost
	frames  *fakeFrameHost
	events  *recorder
}

func newTestEnv(t *testing.T, cfg config.Config, store kvstore.Store) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store,
		engine:  &fakeEngine{},
		browser: &fakeBrowser{current: "https://app.example/start"},
		popups:  &fakePopupHost{respond: respondWith("code=abc")},
		frames:  &fakeFrameHost{respond: respondWith("code=xyz")},
		events:  &recorder{},
	}
	client, err := New(cfg, Deps{
		Store:   store,
		Engine:  env.engine,
		Browser: env.browser,
		Popups:  env.popups,
		Frames:  env.frames,
		Logger:  log.New(&bytes.Buffer{}, "", 0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	client.AddEventListener(env.events.listen)
	env.client = client
	return env
}

// ownedKeys lists the keys the client has in the store.
func (e *testEnv) ownedKeys(t *testing.T) []string {
	t.Helper()
	keys, err := e.store.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	codec := e.client.Cache().Codec()
	var owned []string
	for _, k := range keys {
		if codec.Owns(k) {
			owned = append(owned, k)
		}
	}
	return owned
}
