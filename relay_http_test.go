package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/bt-bridge/remote-session/shared"
)

// capturedRequest records what the fake relay server saw.
type capturedRequest struct {
	method string
	path   string
	auth   string
	body   []byte
}

type fakeRelayServer struct {
	mu   sync.Mutex
	last capturedRequest
}

func (f *fakeRelayServer) capture(ctx *fasthttp.RequestCtx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = capturedRequest{
		method: string(ctx.Method()),
		path:   string(ctx.Path()),
		auth:   string(ctx.Request.Header.Peek("Authorization")),
		body:   append([]byte(nil), ctx.PostBody()...),
	}
}

func (f *fakeRelayServer) seen() capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newTestRelayAPI(t *testing.T, handler fasthttp.RequestHandler) *RelayAPI {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	api, err := NewRelayAPI(shared.NewNopLogger(), "http://relay.test", "secret-key")
	require.NoError(t, err)
	api.client = &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
	return api
}

func TestRequestSupportCreatesTicket(t *testing.T) {
	server := &fakeRelayServer{}
	api := newTestRelayAPI(t, func(ctx *fasthttp.RequestCtx) {
		server.capture(ctx)
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetContentType("application/json")
		ticket := SupportTicket{ID: "tk-1", SessionID: "s1", CreatedAt: time.Now().UTC()}
		body, _ := sonic.Marshal(ticket)
		ctx.SetBody(body)
	})

	ticket, err := api.RequestSupport(context.Background(), SupportRequest{
		ClientName: "pat",
		Client:     ClientInfo{DeviceModel: "pixel-7", OSVersion: "14"},
		Note:       "screen frozen",
	})
	require.NoError(t, err)
	assert.Equal(t, "tk-1", ticket.ID)
	assert.Equal(t, "s1", ticket.SessionID)

	got := server.seen()
	assert.Equal(t, fasthttp.MethodPost, got.method)
	assert.Equal(t, "/api/requests", got.path)
	assert.Equal(t, "Bearer secret-key", got.auth)

	var sr SupportRequest
	require.NoError(t, sonic.Unmarshal(got.body, &sr))
	assert.Equal(t, "pat", sr.ClientName)
	assert.Equal(t, "pixel-7", sr.Client.DeviceModel)
}

func TestRequestSupportRejectsErrorStatus(t *testing.T) {
	api := newTestRelayAPI(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetBodyString("no technicians online")
	})

	_, err := api.RequestSupport(context.Background(), SupportRequest{ClientName: "pat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "no technicians online")
}

func TestCancelRequest(t *testing.T) {
	server := &fakeRelayServer{}
	api := newTestRelayAPI(t, func(ctx *fasthttp.RequestCtx) {
		server.capture(ctx)
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	})

	require.NoError(t, api.CancelRequest(context.Background(), "tk-1"))
	got := server.seen()
	assert.Equal(t, fasthttp.MethodDelete, got.method)
	assert.Equal(t, "/api/requests/tk-1", got.path)
	assert.Equal(t, "Bearer secret-key", got.auth)
}

func TestCancelRequestConflict(t *testing.T) {
	api := newTestRelayAPI(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusConflict)
		ctx.SetBodyString("already accepted")
	})

	err := api.CancelRequest(context.Background(), "tk-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}
