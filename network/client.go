// Package network is the HTTP client of a remote ledger service.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/logger"
)

// Client talks to a ledger service over HTTP and satisfies ledger.Client.
//
// Transport failures and 5xx answers become ErrUnreachable, 409 becomes a
// *ledger.ConflictError, 422 a *ledger.InconsistentError.
type Client struct {
	log  *logrus.Entry
	http *resty.Client
}

var _ ledger.Client = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) (self *Client) {
	self = new(Client)
	self.log = logger.NewSublogger("ledger-client").WithField("url", baseURL)
	self.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "consignment-ledger").
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	return
}

func (self *Client) Append(ctx context.Context, id ledger.ConsignmentID, ev ledger.StatusEvent) (ledger.CommitResult, error) {
	resp, err := self.http.R().
		SetContext(ctx).
		SetPathParam("id", string(id)).
		SetBody(ev).
		SetResult(&ledger.CommitResult{}).
		SetError(&ErrorBody{}).
		ForceContentType("application/json").
		Post(EventsPath)
	if err != nil {
		return ledger.CommitResult{}, self.transportError("append", err)
	}

	if resp.IsSuccess() {
		out, ok := resp.Result().(*ledger.CommitResult)
		if !ok {
			return ledger.CommitResult{}, fmt.Errorf("append %s: failed to parse response", id)
		}
		return *out, nil
	}

	body, _ := resp.Error().(*ErrorBody)
	err = self.statusError("append", id, resp, body)

	var conflict *ledger.ConflictError
	if errors.As(err, &conflict) && conflict.Duplicate {
		conflict.ActionID = ev.ActionID
	}
	return resultOf(body), err
}

func (self *Client) History(ctx context.Context, id ledger.ConsignmentID) ([]ledger.StatusEvent, error) {
	resp, err := self.http.R().
		SetContext(ctx).
		SetPathParam("id", string(id)).
		SetResult(&HistoryResponse{}).
		SetError(&ErrorBody{}).
		ForceContentType("application/json").
		Get(EventsPath)
	if err != nil {
		return nil, self.transportError("history", err)
	}

	if resp.IsSuccess() {
		out, ok := resp.Result().(*HistoryResponse)
		if !ok {
			return nil, fmt.Errorf("history of %s: failed to parse response", id)
		}
		return out.Events, nil
	}

	body, _ := resp.Error().(*ErrorBody)
	return nil, self.statusError("history", id, resp, body)
}

func (self *Client) Health(ctx context.Context) error {
	resp, err := self.http.R().SetContext(ctx).Get(HealthPath)
	if err != nil {
		return self.transportError("health", err)
	}
	if !resp.IsSuccess() {
		return ledger.Unreachable("health", fmt.Errorf("unexpected status: %s", resp.Status()))
	}
	return nil
}

func (self *Client) Mode() ledger.Mode {
	return ledger.ModeNetwork
}

func (self *Client) transportError(op string, err error) error {
	self.log.WithError(err).WithField("op", op).Debug("Ledger service unreachable")
	if errors.Is(err, context.Canceled) {
		return err
	}
	return ledger.Unreachable(op, err)
}

func (self *Client) statusError(op string, id ledger.ConsignmentID, resp *resty.Response, body *ErrorBody) error {
	if body == nil {
		body = &ErrorBody{Message: string(resp.Body())}
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusConflict:
		return &ledger.ConflictError{
			ConsignmentID: id,
			ExpectedHead:  body.ExpectedHead,
			ActualHead:    body.ActualHead,
			Duplicate:     body.Code == CodeDuplicate,
		}
	case status == http.StatusUnprocessableEntity:
		return &ledger.InconsistentError{ConsignmentID: id, Sequence: body.Sequence, Reason: body.Message}
	case status >= 500:
		return ledger.Unreachable(op, fmt.Errorf("unexpected status: %s", resp.Status()))
	case status == http.StatusBadRequest:
		return fmt.Errorf("%s %s: %w: %s", op, id, ledger.ErrInvalidTransition, body.Message)
	default:
		self.log.WithField("status", status).WithField("resp", string(resp.Body())).Debug("Bad request")
		return fmt.Errorf("%s %s: unexpected status: %s", op, id, resp.Status())
	}
}

func resultOf(body *ErrorBody) ledger.CommitResult {
	if body == nil || body.Result == nil {
		return ledger.CommitResult{}
	}
	return *body.Result
}
