// Package gateway is the client for the remote record store that persists
// verification records over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lemlab/verifier/internal/dto"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/httpclient"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/observability/metrics"
	"github.com/lemlab/verifier/internal/privacy"
	"github.com/lemlab/verifier/internal/verification"
)

// Operation names used in metrics and error context
const (
	OpGet    = "get"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpList   = "list"
)

const (
	resourcePath = "/verification/"

	// maxErrorBody bounds how much of an error response is read
	maxErrorBody = 64 << 10
)

// ErrNotFound is returned when the store has no record with the requested id
var ErrNotFound = errors.NewStd("verification record not found")

// StatusError is a non-2xx response from the record store
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("record store %s failed: HTTP %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("record store %s failed: HTTP %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Is makes 404 responses match ErrNotFound
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Config configures a Client
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string

	// Transport overrides the HTTP transport, mainly for tests
	Transport http.RoundTripper

	Metrics *metrics.GatewayMetrics
	Logger  logger.Logger
}

// Client talks to GET/PUT/POST/DELETE /verification
type Client struct {
	base    *url.URL
	http    *httpclient.Client
	timeout time.Duration
	metrics *metrics.GatewayMetrics
	log     logger.Logger
}

// New creates a gateway client for the store at cfg.BaseURL
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		if err == nil {
			err = fmt.Errorf("invalid record store url %q", privacy.RedactURL(cfg.BaseURL))
		}
		return nil, errors.New(err).
			Component("gateway").
			Category(errors.CategoryConfiguration).
			Context("url", privacy.RedactURL(cfg.BaseURL)).
			Build()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDiscard()
	}

	hc := httpclient.New(&httpclient.Config{
		DefaultTimeout: cfg.Timeout,
		UserAgent:      cfg.UserAgent,
		Transport:      cfg.Transport,
	})
	c := &Client{
		base:    base,
		http:    hc,
		timeout: hc.DefaultTimeoutValue(),
		metrics: cfg.Metrics,
		log:     cfg.Logger.Module("gateway"),
	}
	hc.SetAfterResponseHook(c.logExchange)
	return c, nil
}

// Get fetches record id
func (c *Client) Get(ctx context.Context, id uint64) (verification.Record, error) {
	var out dto.Verification
	if err := c.do(ctx, OpGet, http.MethodGet, c.recordURL(id), nil, &out); err != nil {
		return verification.Record{}, err
	}
	return c.decode(OpGet, out)
}

// Create stores a new record and returns it with the store-assigned id
func (c *Client) Create(ctx context.Context, record verification.Record) (verification.Record, error) {
	body := dto.FromRecord(record)
	body.ID = nil

	var out dto.Verification
	if err := c.do(ctx, OpCreate, http.MethodPost, c.collectionURL(nil), body, &out); err != nil {
		return verification.Record{}, err
	}
	created, err := c.decode(OpCreate, out)
	if err != nil {
		return created, err
	}
	if !created.HasID() {
		return verification.Record{}, errors.Newf("record store did not return an id").
			Component("gateway").
			Category(errors.CategoryHTTP).
			Context("operation", OpCreate).
			Build()
	}
	return created, nil
}

// Update replaces the stored record with the same id
func (c *Client) Update(ctx context.Context, record verification.Record) (verification.Record, error) {
	if !record.HasID() {
		return verification.Record{}, errors.Newf("cannot update a record without an id").
			Component("gateway").
			Category(errors.CategoryValidation).
			Context("operation", OpUpdate).
			Build()
	}
	var out dto.Verification
	if err := c.do(ctx, OpUpdate, http.MethodPut, c.recordURL(*record.ID), dto.FromRecord(record), &out); err != nil {
		return verification.Record{}, err
	}
	return c.decode(OpUpdate, out)
}

// Delete removes record id
func (c *Client) Delete(ctx context.Context, id uint64) error {
	return c.do(ctx, OpDelete, http.MethodDelete, c.recordURL(id), nil, nil)
}

// List returns up to limit records after skipping skip, newest first
func (c *Client) List(ctx context.Context, skip, limit int) ([]verification.Record, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))

	var out []dto.Verification
	if err := c.do(ctx, OpList, http.MethodGet, c.collectionURL(q), nil, &out); err != nil {
		return nil, err
	}
	records := make([]verification.Record, 0, len(out))
	for i := range out {
		r, err := c.decode(OpList, out[i])
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// Close releases idle connections
func (c *Client) Close() {
	c.http.Close()
}

func (c *Client) recordURL(id uint64) string {
	u := *c.base
	u.Path = c.base.Path + resourcePath + strconv.FormatUint(id, 10)
	return u.String()
}

func (c *Client) collectionURL(q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + resourcePath
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do performs one exchange. A nil out discards the response body.
func (c *Client) do(ctx context.Context, op, method, target string, body, out any) error {
	req, err := httpclient.NewJSONRequest(ctx, method, target, body)
	if err != nil {
		return errors.New(err).
			Component("gateway").
			Category(errors.CategoryGeneric).
			Context("operation", op).
			Build()
	}

	start := time.Now()
	resp, cancel, err := c.http.Do(ctx, req)
	defer cancel()
	if err != nil {
		c.metrics.RecordTransportError(op)
		return c.transportError(op, target, err, time.Since(start))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	c.metrics.RecordRequest(op, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, target, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(fmt.Errorf("failed to decode %s response: %w", op, err)).
			Component("gateway").
			Category(errors.CategoryFileParsing).
			Context("operation", op).
			Context("url", privacy.RedactURL(target)).
			Build()
	}
	return nil
}

func (c *Client) decode(op string, v dto.Verification) (verification.Record, error) {
	r, err := dto.ToRecord(v)
	if err != nil {
		return verification.Record{}, errors.New(err).
			Component("gateway").
			Category(errors.CategoryFileParsing).
			Context("operation", op).
			Build()
	}
	return r, nil
}

func (c *Client) transportError(op, target string, err error, elapsed time.Duration) error {
	category := errors.CategoryNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		category = errors.CategoryTimeout
	case errors.Is(err, context.Canceled):
		category = errors.CategoryCancellation
	}
	return errors.New(fmt.Errorf("record store %s request failed: %w", op, privacy.WrapError(err))).
		Component("gateway").
		Category(category).
		NetworkContext(privacy.RedactURL(target), c.timeout).
		Timing(op, elapsed).
		Build()
}

func (c *Client) statusError(op, target string, resp *http.Response) error {
	se := &StatusError{Operation: op, StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body dto.ErrorResponse
	if json.Unmarshal(data, &body) == nil && (body.Message != "" || body.Error != "") {
		se.Message = body.Message
		if se.Message == "" {
			se.Message = body.Error
		}
	} else {
		se.Message = strings.TrimSpace(string(data))
	}

	category := errors.CategoryHTTP
	switch resp.StatusCode {
	case http.StatusNotFound:
		category = errors.CategoryNotFound
	case http.StatusConflict:
		category = errors.CategoryConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		category = errors.CategoryValidation
	}
	return errors.New(se).
		Component("gateway").
		Category(category).
		Context("operation", op).
		Context("url", privacy.RedactURL(target)).
		Context("status_code", resp.StatusCode).
		Build()
}

func (c *Client) logExchange(req *http.Request, resp *http.Response, err error, elapsed time.Duration) {
	fields := []logger.Field{
		logger.String("method", req.Method),
		logger.String("url", privacy.RedactURL(req.URL.String())),
		logger.String("request_id", req.Header.Get(httpclient.RequestIDHeader)),
		logger.Duration("elapsed", elapsed),
	}
	if err != nil {
		c.log.Warn("record store request failed", append(fields, logger.Error(err))...)
		return
	}
	c.log.Debug("record store request", append(fields, logger.Int("status", resp.StatusCode))...)
}
