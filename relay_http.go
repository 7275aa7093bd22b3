package session

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/bt-bridge/remote-session/shared"
)

// SupportRequest is the payload enqueued on the relay's request board for
// technicians to pick up.
type SupportRequest struct {
	ClientName string     `json:"clientName"`
	Client     ClientInfo `json:"client"`
	Note       string     `json:"note,omitempty"`
}

// SupportTicket is the relay's record of a pending support request. The
// SessionID is assigned up front and becomes the session identifier once a
// technician accepts.
type SupportTicket struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RelayAPI is the client for the relay's REST surface: enqueuing a support
// request before any session exists, and withdrawing it while it is still
// pending. The live session itself runs over a Relay, not this API.
type RelayAPI struct {
	logger  shared.LoggerAdapter
	client  *fasthttp.Client
	baseUrl *url.URL
	apiKey  string
}

// NewRelayAPI creates a REST client for the given relay base URL.
func NewRelayAPI(logger shared.LoggerAdapter, baseUrl, apiKey string) (*RelayAPI, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &RelayAPI{
		logger:  logger.With(zap.String("component", "relay_api")),
		client:  &fasthttp.Client{},
		baseUrl: u,
		apiKey:  apiKey,
	}, nil
}

// RequestSupport enqueues a support request and returns the ticket the
// relay assigned to it.
func (a *RelayAPI) RequestSupport(ctx context.Context, sr SupportRequest) (*SupportTicket, error) {
	body, err := sonic.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("encoding support request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.baseUrl.JoinPath("/api/requests").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.SetBody(body)

	if err = a.do(ctx, req, resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != fasthttp.StatusCreated {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}

	var ticket SupportTicket
	if err = sonic.Unmarshal(resp.Body(), &ticket); err != nil {
		return nil, fmt.Errorf("decoding support ticket: %w", err)
	}
	a.logger.Info("support request enqueued",
		zap.String("ticket_id", ticket.ID),
		zap.String("session_id", ticket.SessionID),
	)
	return &ticket, nil
}

// CancelRequest withdraws a pending support request. Cancelling a ticket a
// technician has already accepted is a relay-side conflict.
func (a *RelayAPI) CancelRequest(ctx context.Context, ticketID string) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.baseUrl.JoinPath("/api/requests", ticketID).String())
	req.Header.SetMethod(fasthttp.MethodDelete)
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	if err := a.do(ctx, req, resp); err != nil {
		return err
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusNoContent:
		a.logger.Info("support request cancelled", zap.String("ticket_id", ticketID))
		return nil
	default:
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
}

func (a *RelayAPI) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- a.client.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	return nil
}
