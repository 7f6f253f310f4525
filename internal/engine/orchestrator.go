// Package engine serves stored endpoint definitions: it matches requests,
// gates them, validates and renders their SQL, executes it through the pool
// registry and records telemetry for every attempt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dynamic-api/internal/dialect"
	"dynamic-api/internal/models"
	"dynamic-api/internal/params"
	"dynamic-api/internal/pool"

	"github.com/jonboulle/clockwork"
)

// Request is the transport-independent view of an inbound call.
type Request struct {
	Method    string
	Path      string
	Query     map[string]any
	Body      map[string]any
	Header    http.Header
	IP        string
	UserAgent string
	// BodyErr holds the body decode failure, if any.
	BodyErr error
}

type Meta struct {
	ExecutionTime string `json:"executionTime"`
	Timestamp     string `json:"timestamp"`
}

type SuccessBody struct {
	Success bool          `json:"success"`
	Data    []dialect.Row `json:"data"`
	Meta    Meta          `json:"meta"`
}

type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type Response struct {
	Status int
	Body   any
	Err    error
}

// Authenticator resolves the caller of a request. A nil principal with a nil
// error means the request carried no credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request) (*models.Principal, error)
}

type ScopeChecker interface {
	HasScope(p *models.Principal, ep *models.Endpoint) bool
}

type IPGate interface {
	IsIPAllowed(req *Request) bool
}

type EndpointStore interface {
	PublishedEndpoints(ctx context.Context) ([]models.Endpoint, error)
	FindEndpoint(ctx context.Context, path, method string) (*models.Endpoint, error)
	GetDatasource(ctx context.Context, id uint) (*models.Datasource, error)
}

type ParameterValidator interface {
	Validate(ctx context.Context, endpointID uint, bag map[string]any) (params.Result, error)
}

// DatasourceResolver turns a stored datasource into pool settings, decrypting
// its credentials.
type DatasourceResolver interface {
	PoolConfig(ds *models.Datasource) (pool.DatasourceConfig, error)
}

type Executor interface {
	Ensure(ctx context.Context, cfg pool.DatasourceConfig) (string, error)
	Execute(ctx context.Context, key, sql string, args []any, d dialect.Name) ([]dialect.Row, error)
}

type Deps struct {
	Store     EndpointStore
	Validator ParameterValidator
	Auth      Authenticator
	Scopes    ScopeChecker
	IPGate    IPGate
	Resolver  DatasourceResolver
	Pools     Executor
	Telemetry TelemetrySink
	Public    *PublicPaths
	Clock     clockwork.Clock
	Logger    *slog.Logger
	RowCap    int
	// Lookup selects the dialect driver used for rendering.
	Lookup pool.Opener
}

type Orchestrator struct {
	Deps
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Lookup == nil {
		deps.Lookup = dialect.Lookup
	}
	if deps.RowCap <= 0 {
		deps.RowCap = DefaultRowCap
	}
	return &Orchestrator{Deps: deps}
}

// attempt is the state a request accumulates on its way through the gates.
type attempt struct {
	req       *Request
	start     time.Time
	endpoint  *models.Endpoint
	principal *models.Principal
	bag       map[string]any
}

// Handle runs a request through MATCH, AUTH_GATE, DATASOURCE_GATE,
// PERMISSION_GATE, VALIDATE, RENDER, EXECUTE and LOG. Every outcome except a
// route miss is recorded exactly once.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (resp Response) {
	at := &attempt{req: req, start: o.Clock.Now()}

	defer func() {
		if r := recover(); r != nil {
			o.Logger.Error("panic while serving dynamic endpoint", "method", req.Method, "path", req.Path, "panic", r)
			if at.endpoint == nil {
				at.endpoint = o.rederive(ctx, req)
			}
			resp = o.fail(at, http.StatusInternalServerError, fmt.Errorf("internal error: %v", r), nil)
		}
	}()

	endpoints, err := o.Store.PublishedEndpoints(ctx)
	if err != nil {
		o.Logger.Error("failed to load endpoints", "error", err)
		return errorResponse(http.StatusInternalServerError, err, nil)
	}

	ep, pathParams, ok := Match(endpoints, req.Method, req.Path)
	if !ok {
		return errorResponse(http.StatusNotFound, ErrRouteNotFound, nil)
	}
	at.endpoint = ep
	at.bag = mergeBag(req.Query, req.Body, pathParams)

	if resp, stop := o.authGate(ctx, at); stop {
		return resp
	}
	if req.BodyErr != nil {
		return o.fail(at, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidBody, req.BodyErr), nil)
	}

	ds, err := o.Store.GetDatasource(ctx, ep.DatasourceID)
	if err != nil || !ds.IsActive {
		if err != nil {
			o.Logger.Warn("datasource lookup failed", "endpoint_id", ep.ID, "datasource_id", ep.DatasourceID, "error", err)
		}
		return o.fail(at, http.StatusServiceUnavailable, ErrDatasourceInactive, nil)
	}

	if ep.AuthRequired && !o.Scopes.HasScope(at.principal, ep) {
		return o.fail(at, http.StatusForbidden, ErrPermissionDenied, nil)
	}

	result, err := o.Validator.Validate(ctx, ep.ID, at.bag)
	if err != nil {
		return o.fail(at, http.StatusInternalServerError, err, nil)
	}
	if !result.Valid {
		return o.fail(at, http.StatusBadRequest, &ValidationError{Fields: result.FieldErrors}, result.FieldErrors)
	}
	if missing := params.SQLPlaceholderCheck(ep.SQLText, result.Sanitized); len(missing) > 0 {
		return o.fail(at, http.StatusBadRequest, errors.New("missing required parameters"), missing)
	}
	at.bag = result.Sanitized

	drv, err := o.Lookup(ds.Dialect)
	if err != nil {
		return o.fail(at, http.StatusInternalServerError, err, nil)
	}
	sql, args := Render(ep.SQLText, result.Sanitized, drv, o.RowCap)

	rows, err := o.execute(ctx, ds, sql, args)
	if err != nil {
		o.Logger.Error("dynamic query failed", "endpoint_id", ep.ID, "dialect", ds.Dialect, "error", err)
		return o.fail(at, http.StatusInternalServerError, err, nil)
	}

	elapsed := o.Clock.Since(at.start)
	o.record(at, http.StatusOK, models.OutcomeSuccess, "", elapsed)
	return Response{
		Status: http.StatusOK,
		Body: SuccessBody{
			Success: true,
			Data:    rows,
			Meta: Meta{
				ExecutionTime: fmt.Sprintf("%dms", elapsed.Milliseconds()),
				Timestamp:     o.Clock.Now().UTC().Format(time.RFC3339),
			},
		},
	}
}

// authGate applies the IP gate and then authentication. Paths in the public
// snapshot skip authentication when the endpoint itself does not require it.
func (o *Orchestrator) authGate(ctx context.Context, at *attempt) (Response, bool) {
	if o.IPGate != nil && !o.IPGate.IsIPAllowed(at.req) {
		return o.fail(at, http.StatusForbidden, fmt.Errorf("%w: ip address %s is not allowed", ErrPermissionDenied, at.req.IP), nil), true
	}

	ep := at.endpoint
	if !ep.AuthRequired && o.Public != nil && o.Public.Contains(ep.Method, ep.Path) {
		return Response{}, false
	}

	principal, err := o.Auth.Authenticate(ctx, at.req)
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return o.fail(at, http.StatusForbidden, err, nil), true
	case err != nil && ep.AuthRequired:
		return o.fail(at, http.StatusUnauthorized, fmt.Errorf("%w: %v", ErrAuthenticationRequired, err), nil), true
	case principal == nil && ep.AuthRequired:
		return o.fail(at, http.StatusUnauthorized, ErrAuthenticationRequired, nil), true
	}
	if err == nil {
		at.principal = principal
	}
	return Response{}, false
}

// execute detaches from the caller's cancellation: a started query runs to
// completion or to the driver's own timeout.
func (o *Orchestrator) execute(ctx context.Context, ds *models.Datasource, sql string, args []any) ([]dialect.Row, error) {
	cfg, err := o.Resolver.PoolConfig(ds)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	key, err := o.Pools.Ensure(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return o.Pools.Execute(ctx, key, sql, args, cfg.Dialect)
}

func (o *Orchestrator) fail(at *attempt, status int, err error, details any) Response {
	o.record(at, status, models.OutcomeFailure, err.Error(), o.Clock.Since(at.start))
	return errorResponse(status, err, details)
}

func (o *Orchestrator) record(at *attempt, status int, outcome models.Outcome, errText string, elapsed time.Duration) {
	if at.endpoint == nil || o.Telemetry == nil {
		return
	}
	ev := Event{
		EndpointID: at.endpoint.ID,
		IP:         at.req.IP,
		UserAgent:  at.req.UserAgent,
		Params:     at.bag,
		Status:     status,
		Duration:   elapsed,
		Outcome:    outcome,
		Error:      errText,
		At:         o.Clock.Now(),
	}
	if at.principal != nil {
		ev.PrincipalID = at.principal.ID
	}
	o.Telemetry.Record(ev)
}

// rederive finds the endpoint of a request whose match context was lost.
func (o *Orchestrator) rederive(ctx context.Context, req *Request) *models.Endpoint {
	if endpoints, err := o.Store.PublishedEndpoints(ctx); err == nil {
		if ep, _, ok := Match(endpoints, req.Method, req.Path); ok {
			return ep
		}
	}
	ep, err := o.Store.FindEndpoint(ctx, req.Path, req.Method)
	if err != nil {
		return nil
	}
	return ep
}

func errorResponse(status int, err error, details any) Response {
	return Response{
		Status: status,
		Body:   ErrorBody{Success: false, Error: err.Error(), Details: details},
		Err:    err,
	}
}

// mergeBag folds the request's parameter sources together. Path values
// override body values, which override query values.
func mergeBag(query, body map[string]any, path map[string]string) map[string]any {
	bag := make(map[string]any, len(query)+len(body)+len(path))
	for k, v := range query {
		bag[k] = v
	}
	for k, v := range body {
		bag[k] = v
	}
	for k, v := range path {
		bag[k] = v
	}
	return bag
}
