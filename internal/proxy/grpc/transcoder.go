package grpc

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/proxy"
)

const (
	// ContentTypeJSON is the media type of unary answers.
	ContentTypeJSON = "application/json"
	// ContentTypeNDJSON is the media type of server-streaming answers, one
	// JSON object per gRPC message.
	ContentTypeNDJSON = "application/x-ndjson"
)

// Config configures the transcoder.
type Config struct {
	// DescriptorTTL bounds how long a method descriptor fetched through
	// reflection is reused.
	DescriptorTTL       time.Duration `yaml:"descriptor_ttl"`
	DescriptorCacheSize int           `yaml:"descriptor_cache_size"`
	MaxMessageSize      int           `yaml:"max_message_size"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
}

// Stats is a point-in-time view of the transcoder.
type Stats struct {
	Conns   int   `json:"conns"`
	Methods int   `json:"cached_methods"`
	Streams int64 `json:"streams"`
}

// Transcoder calls gRPC methods on behalf of JSON clients. Request bodies
// are a JSON message, or NDJSON messages for client-streaming methods.
type Transcoder struct {
	cfg      Config
	breakers *proxy.Breakers
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	methods *expirable.LRU[string, protoreflect.MethodDescriptor]
	fills   singleflight.Group

	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions

	streams atomic.Int64
}

// New creates a Transcoder. breakers may be nil.
func New(cfg Config, breakers *proxy.Breakers, logger *zap.Logger) *Transcoder {
	if cfg.DescriptorTTL <= 0 {
		cfg.DescriptorTTL = 5 * time.Minute
	}
	if cfg.DescriptorCacheSize <= 0 {
		cfg.DescriptorCacheSize = 1024
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{
		cfg:      cfg,
		breakers: breakers,
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
		methods:  expirable.NewLRU[string, protoreflect.MethodDescriptor](cfg.DescriptorCacheSize, nil, cfg.DescriptorTTL),
		marshal: protojson.MarshalOptions{
			EmitUnpopulated: false,
			UseProtoNames:   true,
		},
		unmarshal: protojson.UnmarshalOptions{
			DiscardUnknown: true,
		},
	}
}

// Stats returns transcoder counters.
func (t *Transcoder) Stats() Stats {
	t.mu.Lock()
	conns := len(t.conns)
	t.mu.Unlock()
	return Stats{Conns: conns, Methods: t.methods.Len(), Streams: t.streams.Load()}
}

// Reset drops cached descriptors so the next call re-reads them.
func (t *Transcoder) Reset() { t.methods.Purge() }

// Close closes all upstream connections.
func (t *Transcoder) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for k, c := range t.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, k)
	}
	return stderrors.Join(errs...)
}

func (t *Transcoder) conn(u *model.Upstream, ep model.Endpoint) (*grpc.ClientConn, string, error) {
	port := ep.Port
	if port == 0 {
		port = 80
		if ep.Secure() {
			port = 443
		}
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(port))
	key := addr
	if ep.Secure() {
		key = "tls://" + addr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[key]; ok {
		return c, key, nil
	}

	creds := insecure.NewCredentials()
	if ep.Secure() {
		creds = credentials.NewTLS(&tls.Config{
			ServerName:         ep.Host,
			InsecureSkipVerify: t.cfg.InsecureSkipVerify,
		})
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(t.cfg.MaxMessageSize)),
	}
	if u.Timeouts.Connect > 0 {
		opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: u.Timeouts.Connect}))
	}
	c, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, "", err
	}
	t.conns[key] = c
	return c, key, nil
}

// Invoke transcodes out into a call of target on ep. out carries the JSON
// body and the headers forwarded as metadata; its context cancels the call.
//
// The returned response is what the upstream said: a JSON message, an NDJSON
// stream, or a JSON error document with the mapped HTTP status. Failures
// before the upstream answered are returned as gateway errors. The request
// timeout bounds the wait for the first message; the idle timeout bounds
// every gap after it. Closing the response body cancels the call.
func (t *Transcoder) Invoke(out *http.Request, u *model.Upstream, ep model.Endpoint, target model.GRPCTarget) (*http.Response, error) {
	done := func(error) {}
	if t.breakers != nil {
		d, err := t.breakers.Allow(u)
		if err != nil {
			return nil, err
		}
		done = d
	}

	resp, ge := t.invoke(out, u, ep, target)
	if ge != nil {
		done(proxy.Outcome(nil, ge))
		return nil, ge
	}
	done(proxy.Outcome(resp, nil))
	return resp, nil
}

func (t *Transcoder) invoke(out *http.Request, u *model.Upstream, ep model.Endpoint, target model.GRPCTarget) (*http.Response, *errors.GatewayError) {
	conn, key, err := t.conn(u, ep)
	if err != nil {
		return nil, errors.ErrProtocol.WithDetail("invalid gRPC upstream endpoint").Wrap(err)
	}

	ctx, cancel := context.WithCancel(out.Context())
	if d, ok := ParseTimeout(out.Header.Get("Grpc-Timeout")); ok {
		ctx, cancel = withTimeout(ctx, cancel, d)
	}
	var timedOut atomic.Bool
	var timer *time.Timer
	if d := u.Timeouts.Request; d > 0 {
		timer = time.AfterFunc(d, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	fail := func(ge *errors.GatewayError) (*http.Response, *errors.GatewayError) {
		if timer != nil {
			timer.Stop()
		}
		cancel()
		return nil, ge
	}
	classify := func(err error) *errors.GatewayError {
		if timedOut.Load() {
			return errors.ErrRequestTimeout.
				WithDetail(fmt.Sprintf("upstream did not respond within %s", u.Timeouts.Request)).
				Wrap(err)
		}
		return classifyCallError(ctx, err)
	}

	md, err := t.method(ctx, conn, key, target.Service, target.Method)
	if err != nil {
		if stderrors.Is(err, errUnknownMethod) {
			return fail(errors.ErrProtocol.WithDetail(fmt.Sprintf("upstream does not expose %s/%s", target.Service, target.Method)).Wrap(err))
		}
		return fail(classify(err))
	}

	fullMethod := fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
	stream, err := conn.NewStream(metadata.NewOutgoingContext(ctx, outgoingMetadata(out.Header)), &grpc.StreamDesc{
		StreamName:    string(md.Name()),
		ServerStreams: md.IsStreamingServer(),
		ClientStreams: md.IsStreamingClient(),
	}, fullMethod)
	if err != nil {
		return fail(classify(err))
	}

	if ge := t.send(stream, md, out.Body); ge != nil {
		return fail(ge)
	}

	first := dynamicpb.NewMessage(md.Output())
	err = stream.RecvMsg(first)
	if timer != nil && !timer.Stop() && err == nil {
		err = context.DeadlineExceeded
	}
	if err == io.EOF && md.IsStreamingServer() {
		// The stream ended without messages.
		resp := t.response(http.StatusOK, ContentTypeNDJSON, stream, nil, 0)
		cancel()
		return resp, nil
	}
	if err != nil {
		if st, ok := upstreamStatus(ctx, err, timedOut.Load()); ok {
			resp := errorResponse(st, stream)
			cancel()
			return resp, nil
		}
		return fail(classify(err))
	}

	if !md.IsStreamingServer() {
		b, err := t.marshal.Marshal(first)
		if err != nil {
			return fail(errors.ErrProtocol.WithDetail("upstream message cannot be rendered as JSON").Wrap(err))
		}
		resp := t.response(http.StatusOK, ContentTypeJSON, stream, io.NopCloser(bytes.NewReader(b)), int64(len(b)))
		cancel()
		return resp, nil
	}

	pr, pw := io.Pipe()
	t.streams.Add(1)
	go t.relay(ctx, cancel, stream, md, first, pw, u.Timeouts.Idle)
	return t.response(http.StatusOK, ContentTypeNDJSON, stream, &streamBody{PipeReader: pr, cancel: cancel}, -1), nil
}

// send writes the request message, or each NDJSON line for client-streaming
// methods, and half-closes the stream.
func (t *Transcoder) send(stream grpc.ClientStream, md protoreflect.MethodDescriptor, body io.ReadCloser) *errors.GatewayError {
	if body == nil {
		body = http.NoBody
	}
	defer body.Close()

	if !md.IsStreamingClient() {
		raw, err := io.ReadAll(body)
		if err != nil {
			return errors.Classify(err)
		}
		msg := dynamicpb.NewMessage(md.Input())
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := t.unmarshal.Unmarshal(raw, msg); err != nil {
				return errors.Validation("request body is not a valid %s message: %v", md.Input().FullName(), err)
			}
		}
		if err := stream.SendMsg(msg); err != nil && err != io.EOF {
			return classifyCallError(stream.Context(), err)
		}
		return closeSend(stream)
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), t.cfg.MaxMessageSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		msg := dynamicpb.NewMessage(md.Input())
		if err := t.unmarshal.Unmarshal(raw, msg); err != nil {
			return errors.Validation("line %d is not a valid %s message: %v", line, md.Input().FullName(), err)
		}
		if err := stream.SendMsg(msg); err != nil {
			if err == io.EOF {
				// The upstream finished early; its status is read by RecvMsg.
				return nil
			}
			return classifyCallError(stream.Context(), err)
		}
	}
	if err := sc.Err(); err != nil {
		if ge, ok := errors.IsGatewayError(err); ok {
			return ge
		}
		return errors.Validation("request body is not valid NDJSON: %v", err)
	}
	return closeSend(stream)
}

func closeSend(stream grpc.ClientStream) *errors.GatewayError {
	if err := stream.CloseSend(); err != nil {
		return errors.ErrProtocol.WithDetail("failed to finish the gRPC request").Wrap(err)
	}
	return nil
}

// relay streams the remaining messages of a server-streaming call as NDJSON
// lines. An upstream error mid-stream is written as a final error line and
// aborts the body.
func (t *Transcoder) relay(ctx context.Context, cancel context.CancelFunc, stream grpc.ClientStream, md protoreflect.MethodDescriptor, first proto.Message, pw *io.PipeWriter, idle time.Duration) {
	defer t.streams.Add(-1)
	defer cancel()

	var idleFired atomic.Bool
	var idleTimer *time.Timer
	if idle > 0 {
		idleTimer = time.AfterFunc(idle, func() {
			idleFired.Store(true)
			cancel()
		})
		defer idleTimer.Stop()
	}

	if err := t.writeLine(pw, first); err != nil {
		return
	}
	for {
		msg := dynamicpb.NewMessage(md.Output())
		err := stream.RecvMsg(msg)
		if err == io.EOF {
			pw.Close()
			return
		}
		if err != nil {
			switch {
			case idleFired.Load():
				pw.CloseWithError(errors.ErrStreamAborted.
					WithDetail("upstream stream idle for longer than " + idle.String()).
					Wrap(err))
			case ctx.Err() != nil:
				pw.CloseWithError(errors.ErrStreamAborted.WithDetail("client disconnected").Wrap(err))
			default:
				st := status.Convert(err)
				t.logger.Debug("grpc stream ended with error",
					zap.String("method", string(md.FullName())),
					zap.String("code", st.Code().String()),
				)
				fmt.Fprintf(pw, `{"error":{"code":%d,"message":%q}}`+"\n", st.Code(), st.Message())
				pw.CloseWithError(errors.ErrStreamAborted.
					WithDetail(fmt.Sprintf("upstream stream ended with %s", st.Code())).
					Wrap(err))
			}
			return
		}
		if idleTimer != nil {
			idleTimer.Reset(idle)
		}
		if err := t.writeLine(pw, msg); err != nil {
			return
		}
	}
}

func (t *Transcoder) writeLine(w io.Writer, msg proto.Message) error {
	b, err := t.marshal.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func (t *Transcoder) response(status int, contentType string, stream grpc.ClientStream, body io.ReadCloser, length int64) *http.Response {
	if body == nil {
		body = http.NoBody
		length = 0
	}
	h := make(http.Header)
	if md, err := stream.Header(); err == nil {
		copyMetadata(h, md)
	}
	h.Set("Content-Type", contentType)
	if length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          body,
		ContentLength: length,
	}
}

// errorResponse renders an upstream gRPC status as a JSON error document.
func errorResponse(st *status.Status, stream grpc.ClientStream) *http.Response {
	body := []byte(fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, st.Code(), st.Message()))
	code := StatusToHTTP(st.Code())
	h := make(http.Header)
	copyMetadata(h, stream.Trailer())
	h.Set("Content-Type", ContentTypeJSON)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Grpc-Status", strconv.Itoa(int(st.Code())))
	h.Set("Grpc-Message", st.Message())
	return &http.Response{
		Status:        strconv.Itoa(code) + " " + http.StatusText(code),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// upstreamStatus extracts the status the upstream answered with. Statuses
// the client library synthesizes for transport failures or local
// cancellation are not upstream answers.
func upstreamStatus(ctx context.Context, err error, timedOut bool) (*status.Status, bool) {
	if timedOut || ctx.Err() != nil {
		return nil, false
	}
	st, ok := status.FromError(err)
	if !ok || isTransportFailure(st) {
		return nil, false
	}
	return st, true
}

func isTransportFailure(st *status.Status) bool {
	if st.Code() != codes.Unavailable {
		return false
	}
	msg := st.Message()
	for _, s := range []string{"connection error", "name resolver", "error reading server preface", "connection closed", "transport is closing"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classifyCallError maps a failure that left no upstream answer to a
// gateway error.
func classifyCallError(ctx context.Context, err error) *errors.GatewayError {
	if ge, ok := errors.IsGatewayError(err); ok {
		return ge
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errors.ErrRequestTimeout.WithDetail("request to upstream timed out").Wrap(err)
	}
	if ctx.Err() != nil {
		return errors.ErrStreamAborted.WithDetail("client disconnected").Wrap(err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return errors.ErrRequestTimeout.WithDetail("request to upstream timed out").Wrap(err)
		case codes.Unavailable:
			return errors.ErrProtocol.WithDetail("connection to upstream failed").Wrap(err)
		}
	}
	return errors.ClassifyUpstream(err)
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

// reservedMetadata are headers that gRPC manages itself or that describe
// the JSON leg only.
var reservedMetadata = map[string]bool{
	"content-type":    true,
	"content-length":  true,
	"user-agent":      true,
	"host":            true,
	"te":              true,
	"accept":          true,
	"accept-encoding": true,
	"grpc-timeout":    true,
	"grpc-encoding":   true,
}

// outgoingMetadata forwards request headers as gRPC metadata.
func outgoingMetadata(h http.Header) metadata.MD {
	md := make(metadata.MD, len(h))
	for k, vv := range h {
		lk := strings.ToLower(k)
		if reservedMetadata[lk] || strings.HasPrefix(lk, ":") {
			continue
		}
		md[lk] = append(md[lk], vv...)
	}
	return md
}

func copyMetadata(h http.Header, md metadata.MD) {
	for k, vv := range md {
		if reservedMetadata[k] || strings.HasPrefix(k, ":") || strings.HasSuffix(k, "-bin") {
			continue
		}
		for _, v := range vv {
			h.Add(k, v)
		}
	}
}

// streamBody cancels the call when the client stops reading.
type streamBody struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.PipeReader.Close()
	b.cancel()
	return err
}
