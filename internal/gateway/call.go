package gateway

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/audit"
	"github.com/wudi/oagw/internal/cors"
	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/merge"
	"github.com/wudi/oagw/internal/middleware"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/plugin"
	"github.com/wudi/oagw/internal/proxy"
	"github.com/wudi/oagw/internal/proxy/grpc"
	"github.com/wudi/oagw/internal/proxy/websocket"
	"github.com/wudi/oagw/internal/ratelimit"
	"github.com/wudi/oagw/internal/resolver"
)

// Protocols recorded in audit records and stream metrics.
const (
	protoHTTP      = "http"
	protoWebSocket = "websocket"
	protoGRPC      = "grpc"
	protoTranscode = "grpc-json"
)

// call is the state of one proxied request as it moves through the
// pipeline.
type call struct {
	g    *Gateway
	st   *state
	w    http.ResponseWriter
	r    *http.Request
	info *middleware.Info

	start    time.Time
	upstream *model.Upstream
	protocol string

	policy   *cors.Policy
	decision ratelimit.Decision
	headers  bool
	chain    *plugin.Chain
	pc       *plugin.Context

	status  int
	source  string
	errType string
}

func (c *call) serve(alias, path string) {
	ctx := c.r.Context()

	tenantID := c.r.Header.Get(HeaderTenantID)
	if tenantID == "" {
		c.fail(errors.Validation("%s header is required", HeaderTenantID))
		return
	}
	userID := c.r.Header.Get(HeaderUserID)
	c.info.TenantID = tenantID
	c.info.UserID = userID

	chain, err := c.st.tenants.Chain(ctx, tenantID)
	if err != nil {
		c.fail(errors.ErrInternal.WithDetail("tenant hierarchy unavailable").Wrap(err))
		return
	}

	// A preflight is matched against the route of the call it announces.
	method := c.r.Method
	if cors.IsPreflight(c.r) {
		method = c.r.Header.Get("Access-Control-Request-Method")
	}
	res, err := c.st.resolver.Resolve(ctx, resolver.Request{
		Chain:  chain,
		Alias:  alias,
		Host:   c.r.Host,
		Method: method,
		Path:   path,
		Query:  c.r.URL.Query(),
	})
	if err != nil {
		c.fail(errors.Classify(err))
		return
	}
	u := res.Upstream
	c.upstream = u
	c.info.UpstreamID = u.ID
	c.info.RouteID = res.Route.ID

	layers := make([]merge.Layer, len(res.Layers))
	for i, l := range res.Layers {
		grants, err := c.st.provider.GetTenantGrants(ctx, l.TenantID)
		if err != nil {
			c.fail(errors.ErrInternal.WithDetail("tenant grants unavailable").Wrap(err))
			return
		}
		layers[i] = merge.Layer{Upstream: l, Grants: grants}
	}
	eff := merge.Merge(layers, res.Route)

	c.chain, err = c.g.pipeline.Build(eff)
	if err != nil {
		c.fail(errors.Classify(err))
		return
	}
	c.pc = plugin.NewContext(plugin.Identity{
		TenantID:   tenantID,
		UserID:     userID,
		ClientIP:   proxy.ClientIP(c.r),
		RequestID:  c.info.RequestID,
		Alias:      alias,
		UpstreamID: u.ID,
		RouteID:    res.Route.ID,
	}, c.r, c.g.proxy.BodyLimit(u))
	c.pc.MaxResponseBody = c.g.proxy.ResponseBodyLimit()
	c.pc.Secrets = c.g.secrets
	c.pc.Auth = eff.Auth

	if rl := eff.RateLimit; rl != nil {
		c.headers = rl.ResponseHeaders
		c.decision, err = c.g.limiter.Admit(ctx, rl, ratelimit.Subject{
			UpstreamID: u.ID,
			TenantID:   tenantID,
			UserID:     userID,
			ClientIP:   c.pc.ClientIP,
			RouteID:    res.Route.ID,
		})
		scope := string(rl.Scope)
		if scope == "" {
			scope = string(model.ScopeTenant)
		}
		c.g.metrics.RecordRateLimit(scope, err == nil)
		if err != nil {
			c.fail(errors.Classify(err))
			return
		}
	}

	if eff.CORS != nil {
		c.policy, err = cors.New(eff.CORS)
		if err != nil {
			c.fail(errors.Forbidden("cross-origin policy of alias %q is invalid", alias).Wrap(err))
			return
		}
		if cors.IsPreflight(c.r) {
			if err := c.policy.Preflight(c.w, c.r); err != nil {
				c.fail(errors.Classify(err))
				return
			}
			c.status = http.StatusNoContent
			return
		}
		if err := c.policy.Check(c.r); err != nil {
			c.fail(errors.Classify(err))
			return
		}
	}

	out, err := c.g.proxy.NewRequest(ctx, c.r, u, res.Endpoint, res.TargetPath)
	if err != nil {
		c.fail(errors.Classify(err))
		return
	}
	c.pc.Request = out

	result, err := c.chain.RunRequest(ctx, c.pc)
	if err != nil {
		c.fail(errors.Classify(err))
		return
	}
	switch result.Action {
	case plugin.ActionReject:
		c.fail(result.Err())
		return
	case plugin.ActionRespond:
		c.respond(result)
		return
	}

	out = c.pc.Request
	proxy.Sanitize(out)

	if websocket.IsUpgradeRequest(c.r) {
		c.serveWebSocket(out, res)
		return
	}

	out, endSpan := c.g.tracer.StartUpstream(out, u.ID)
	var resp *http.Response
	switch {
	case res.Route.GRPC != nil:
		c.protocol = protoTranscode
		resp, err = c.g.transcoder.Invoke(out, u, res.Endpoint, *res.Route.GRPC)
	case grpc.IsGRPCRequest(c.r):
		c.protocol = protoGRPC
		grpc.ClampTimeout(out.Header, u.Timeouts.Request)
		resp, err = c.g.proxy.Do(out, u, res.Endpoint)
	default:
		c.protocol = protoHTTP
		resp, err = c.g.proxy.Do(out, u, res.Endpoint)
	}
	if err != nil {
		endSpan(0, err)
		c.fail(errors.ClassifyUpstream(err))
		return
	}

	c.pc.Response = resp
	result, err = c.chain.RunResponse(ctx, c.pc)
	if err == nil && result.Action == plugin.ActionNext {
		resp = c.pc.Response
		n, werr := c.g.proxy.WriteResponse(c.w, resp, c.decorate)
		endSpan(resp.StatusCode, werr)
		c.status = resp.StatusCode
		if resp.StatusCode >= http.StatusBadRequest {
			c.source = errors.SourceUpstream
		}
		if werr != nil {
			c.errType = errors.ErrStreamAborted.Type()
			c.g.logger.Debug("response relay aborted",
				zap.String("request_id", c.info.RequestID),
				zap.String("upstream_id", u.ID),
				zap.Int64("bytes", n),
				zap.Error(werr),
			)
		}
		return
	}

	c.pc.Response.Body.Close()
	endSpan(resp.StatusCode, err)
	switch {
	case err != nil:
		c.fail(errors.Classify(err))
	case result.Action == plugin.ActionReject:
		c.fail(result.Err())
	default:
		c.respond(result)
	}
}

func (c *call) serveWebSocket(out *http.Request, res *resolver.Result) {
	c.protocol = protoWebSocket
	websocket.PrepareHandshake(out, c.r)

	out, endSpan := c.g.tracer.StartUpstream(out, res.Upstream.ID)
	closed := c.g.metrics.StreamOpened(protoWebSocket)
	ws, err := c.g.websocket.Serve(c.r.Context(), c.w, out, res.Upstream, res.Endpoint, c.decorate)
	closed()
	endSpan(ws.Status, err)

	if ws.Upgraded {
		c.status = http.StatusSwitchingProtocols
		if err != nil {
			c.errType = errors.Classify(err).Type()
		}
		return
	}
	if err != nil {
		c.fail(errors.ClassifyUpstream(err))
		return
	}
	c.status = ws.Status
	if ws.Status >= http.StatusBadRequest {
		c.source = errors.SourceUpstream
	}
}

// decorate adds the gateway's own headers to a response relayed from the
// upstream or synthesized by a plugin.
func (c *call) decorate(h http.Header) {
	if c.policy != nil {
		c.policy.Apply(h, c.r)
	}
	if c.headers {
		ratelimit.SetHeaders(h, c.decision)
	}
}

// respond writes a response synthesized by a plugin.
func (c *call) respond(res plugin.Result) {
	c.decorate(c.w.Header())
	res.Write(c.w)
	c.status = res.Status
	if res.Status >= http.StatusBadRequest {
		c.source = errors.SourceGateway
	}
}

// fail renders a gateway error. on_error plugins may add headers or replace
// the body and status; the error stays labelled as gateway-sourced.
func (c *call) fail(ge *errors.GatewayError) {
	ge = ge.WithInstance(c.r.URL.Path)
	c.status = ge.Status
	c.source = errors.SourceGateway
	c.errType = ge.Type()

	h := c.w.Header()
	if c.policy != nil {
		c.policy.Apply(h, c.r)
	}

	if c.chain != nil && c.pc != nil {
		c.pc.Err = ge
		res, err := c.chain.RunError(c.r.Context(), c.pc)
		for k, vv := range c.pc.ErrHeader {
			h[k] = vv
		}
		switch {
		case err != nil:
			c.g.logger.Warn("on_error plugin failed",
				zap.String("request_id", c.info.RequestID),
				zap.String("plugin_error", err.Error()),
			)
		case res.Action == plugin.ActionReject:
			ge = res.Err().WithInstance(c.r.URL.Path)
		case res.Action == plugin.ActionRespond:
			status := res.Status
			if status < 400 || status > 599 {
				status = ge.Status
			}
			c.writeError(status, res.ContentType, res.Body, ge)
			return
		default:
			if body, ok := c.pc.ErrorBody(); ok {
				c.writeError(ge.Status, h.Get("Content-Type"), body, ge)
				return
			}
		}
	}

	c.status = ge.Status
	c.errType = ge.Type()
	ge.Write(c.w)
}

func (c *call) writeError(status int, contentType string, body []byte, ge *errors.GatewayError) {
	h := c.w.Header()
	if contentType == "" {
		contentType = errors.ContentTypeProblem
	}
	h.Set("Content-Type", contentType)
	h.Set(errors.HeaderErrorSource, errors.SourceGateway)
	h.Del("Content-Length")
	if ge.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(errors.RetryAfterSeconds(ge.RetryAfter)))
	}
	c.status = status
	c.w.WriteHeader(status)
	c.w.Write(body)
}

func (c *call) finish() {
	elapsed := time.Since(c.start)
	upstreamID := ""
	if c.upstream != nil {
		upstreamID = c.upstream.ID
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	source := c.source
	if source == "" {
		source = "none"
	}
	c.g.metrics.RecordRequest(upstreamID, c.r.Method, status, source, elapsed)

	c.g.audit.Record(audit.Record{
		Timestamp:   c.start,
		RequestID:   c.info.RequestID,
		TenantID:    c.info.TenantID,
		UserID:      c.info.UserID,
		Alias:       c.info.Alias,
		UpstreamID:  upstreamID,
		RouteID:     c.info.RouteID,
		Method:      c.r.Method,
		Path:        c.r.URL.Path,
		Protocol:    c.protocol,
		Status:      status,
		ErrorSource: c.source,
		ErrorType:   c.errType,
		DurationMS:  float64(elapsed.Microseconds()) / 1000,
	})
}
