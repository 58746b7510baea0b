package record

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/logger"
)

const (
	collectionPath = "/records/consignments"
	recordPath     = "/records/consignments/{id}"
)

// HTTPClient talks to a remote record service.
type HTTPClient struct {
	log  *logrus.Entry
	http *resty.Client

	// Poll period of Watch
	WatchInterval time.Duration
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout, watchInterval time.Duration) (self *HTTPClient) {
	self = new(HTTPClient)
	self.log = logger.NewSublogger("record-client").WithField("url", baseURL)
	self.WatchInterval = watchInterval
	self.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	return
}

func (self *HTTPClient) Create(ctx context.Context, c ledger.Consignment) error {
	resp, err := self.http.R().SetContext(ctx).SetBody(c).Post(collectionPath)
	if err != nil {
		return ledger.Unreachable("record create", err)
	}
	// 409: already created, which is what a replay expects
	if resp.IsSuccess() || resp.StatusCode() == http.StatusConflict {
		return nil
	}
	return self.statusError("create", c.ID, resp)
}

func (self *HTTPClient) Update(ctx context.Context, c ledger.Consignment) error {
	resp, err := self.http.R().
		SetContext(ctx).
		SetPathParam("id", string(c.ID)).
		SetBody(c).
		Put(recordPath)
	if err != nil {
		return ledger.Unreachable("record update", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	return self.statusError("update", c.ID, resp)
}

func (self *HTTPClient) Get(ctx context.Context, id ledger.ConsignmentID) (*ledger.Consignment, error) {
	resp, err := self.http.R().
		SetContext(ctx).
		SetPathParam("id", string(id)).
		SetResult(&ledger.Consignment{}).
		ForceContentType("application/json").
		Get(recordPath)
	if err != nil {
		return nil, ledger.Unreachable("record get", err)
	}
	if !resp.IsSuccess() {
		return nil, self.statusError("get", id, resp)
	}
	out, ok := resp.Result().(*ledger.Consignment)
	if !ok {
		return nil, fmt.Errorf("record %s: failed to parse response", id)
	}
	return out, nil
}

// Watch polls the record and reports every change of UpdatedAt or Status.
// Failed polls back off exponentially up to ten intervals.
func (self *HTTPClient) Watch(ctx context.Context, id ledger.ConsignmentID, fn func(ledger.Consignment)) error {
	interval := self.WatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 10 * interval
	bo.MaxElapsedTime = 0

	var last *ledger.Consignment
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		c, err := self.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = bo.NextBackOff()
			self.log.WithError(err).WithField("id", id).WithField("retry_in", wait).Debug("Watch poll failed")
			continue
		}
		bo.Reset()
		wait = interval

		if last == nil || !last.UpdatedAt.Equal(c.UpdatedAt) || last.Status != c.Status {
			fn(*c)
		}
		last = c
	}
}

func (self *HTTPClient) statusError(op string, id ledger.ConsignmentID, resp *resty.Response) error {
	switch status := resp.StatusCode(); {
	case status == http.StatusNotFound:
		return fmt.Errorf("record %s: %w", id, ledger.ErrNotFound)
	case status >= 500:
		return ledger.Unreachable("record "+op, errors.New(resp.Status()))
	default:
		return fmt.Errorf("record %s %s: unexpected status: %s", op, id, resp.Status())
	}
}
