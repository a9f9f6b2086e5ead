package probe

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2"
	"github.com/nikolay-pshenichny/linkerd/pkg/h2/codec"
	"github.com/nikolay-pshenichny/linkerd/pkg/h2/conn"
	"github.com/nikolay-pshenichny/linkerd/pkg/h2/transport"
	"github.com/nikolay-pshenichny/linkerd/pkg/stats"
	"github.com/nikolay-pshenichny/linkerd/pkg/util/logutil"
	"github.com/nikolay-pshenichny/linkerd/pkg/util/traceutil"
)

// _probeStreamID is the first client-initiated stream id; the probe opens
// exactly one stream per connection.
const _probeStreamID = 1

// Probe runs a single request against a cleartext HTTP/2 endpoint through
// the stream transport stack.
type Probe struct {
	cfg      *Config
	registry *prometheus.Registry
	stats    stats.Receiver
	lg       *zap.Logger
}

// NewProbe creates a probe for cfg. A nil logger defaults to a no-op.
func NewProbe(cfg *Config, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	return &Probe{
		cfg:      cfg,
		registry: registry,
		stats:    stats.NewPrometheus(registry),
		lg:       logger,
	}
}

// Result is the endpoint's answer to the probe request.
type Result struct {
	Status   int
	Headers  h2.Headers
	Body     []byte
	Trailers h2.Headers
}

// Run dials the endpoint, performs the connection bootstrap (client preface,
// SETTINGS exchange), sends the configured request on one stream and collects
// the response. The configured timeout bounds the whole run.
func (p *Probe) Run(ctx context.Context) (*Result, error) {
	ctx = traceutil.NewTraceContext(ctx)
	logger := p.lg.With(traceutil.Field(ctx))

	req, err := p.buildRequest()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.cfg.Timeout.Duration)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial endpoint")
	}
	_ = nc.SetDeadline(deadline)
	logger.Info("connected",
		zap.String("local-addr", nc.LocalAddr().String()),
		zap.String("remote-addr", nc.RemoteAddr().String()))

	// the preface precedes any frame, then both sides exchange SETTINGS
	if _, err = nc.Write([]byte(codec.ClientPreface)); err != nil {
		_ = nc.Close()
		return nil, errors.Wrap(err, "write client preface")
	}
	w := conn.NewWriter(nc, logger)
	defer func() { _ = w.Close(deadline) }()
	if err = w.Write(&codec.SettingsFrame{}); err != nil {
		return nil, errors.WithMessage(err, "write settings")
	}

	t := transport.NewClient(_probeStreamID, w, p.stats, logger)

	rctx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	errc := make(chan error, 1)
	go p.readFrames(codec.NewFramer(nil, nc, logger), w, t, stopRead, errc, logger)

	sig := t.Send(req)

	msg, err := t.RecvMessage(rctx)
	if err != nil {
		return nil, cause(errors.WithMessage(err, "receive response"), errc)
	}
	res := &Result{
		Status:  msg.Headers().Status(),
		Headers: msg.Headers(),
	}

	if body := msg.Body(); body != nil {
		for {
			f, err2 := body.Read(rctx)
			if err2 != nil {
				return nil, cause(errors.WithMessage(err2, "read response body"), errc)
			}
			switch fr := f.(type) {
			case h2.Data:
				res.Body = append(res.Body, fr.Payload...)
			case h2.Trailers:
				res.Trailers = fr.Fields
			}
			if f.End() {
				break
			}
		}
	}

	select {
	case <-sig.Done():
		if err = sig.Err(); err != nil {
			return nil, cause(errors.WithMessage(err, "send request"), errc)
		}
	case <-rctx.Done():
		return nil, cause(errors.WithMessage(rctx.Err(), "send request"), errc)
	}

	if logutil.Debugging(logger) {
		if mfs, err2 := p.registry.Gather(); err2 == nil {
			for _, mf := range mfs {
				logger.Debug("probe metric",
					zap.String("name", mf.GetName()),
					zap.Int("series", len(mf.GetMetric())))
			}
		}
	}
	logger.Info("probe complete",
		zap.Int("status", res.Status),
		zap.Int("body-length", len(res.Body)))
	return res, nil
}

// buildRequest assembles the request message; the body stream is attached
// only when data is configured, already terminal so the drain completes
// without further producer activity.
func (p *Probe) buildRequest() (*h2.Request, error) {
	extra, err := p.cfg.ExtraHeaders()
	if err != nil {
		return nil, err
	}
	var body *h2.Stream
	if p.cfg.Data != "" {
		body = h2.NewStream()
		body.Offer(h2.Data{Payload: []byte(p.cfg.Data), EndStream: true})
	}
	req := h2.NewRequest(p.cfg.Scheme, p.cfg.Method, p.cfg.Authority, p.cfg.Path, body)
	for _, f := range extra {
		req.AddHeader(f.Name, f.Value)
	}
	return req, nil
}

// readFrames reads connection frames until the connection dies, answering
// connection-level housekeeping itself and routing stream frames into the
// transport. On a fatal condition it records the cause and cancels the run.
func (p *Probe) readFrames(fr *codec.Framer, w *conn.Writer, t *transport.Transport,
	stopRead context.CancelFunc, errc chan<- error, logger *zap.Logger) {
	defer logutil.LogPanic(logger)
	defer stopRead()
	for {
		f, free, err := fr.ReadFrame()
		if err != nil {
			fail(errc, errors.WithMessage(err, "read frame"))
			return
		}
		if logutil.Debugging(logger) {
			logger.Debug("probe read frame", zap.String("frame", f.Header().String()))
		}
		switch v := f.(type) {
		case *codec.SettingsFrame:
			if !v.Ack {
				if err = w.Write(&codec.SettingsFrame{Ack: true}); err != nil {
					fail(errc, errors.WithMessage(err, "ack settings"))
					free()
					return
				}
			}
		case *codec.PingFrame:
			if !v.Ack {
				if err = w.Write(&codec.PingFrame{Ack: true, Data: v.Data}); err != nil {
					fail(errc, errors.WithMessage(err, "answer ping"))
					free()
					return
				}
			}
		case *codec.WindowUpdateFrame:
			// flow control is not tracked
		case *codec.GoAwayFrame:
			if v.ErrCode != 0 || v.LastStreamID < _probeStreamID {
				fail(errc, errors.Errorf("connection going away: %s", h2.ResetFromWire(v.ErrCode)))
				free()
				return
			}
			logger.Info("connection winding down, stream still admitted",
				zap.Uint32("last-stream-id", v.LastStreamID))
		default:
			if !t.Recv(f) {
				logger.Warn("probe ignoring frame for unexpected stream",
					zap.String("frame", f.Header().String()))
			}
		}
		free()
	}
}

// fail hands the read loop's terminal error to the run; only the first one
// matters.
func fail(errc chan<- error, err error) {
	select {
	case errc <- err:
	default:
	}
}

// cause prefers the read loop's recorded error, which names the real failure
// when the run context was torn down by a dying connection.
func cause(err error, errc <-chan error) error {
	select {
	case rerr := <-errc:
		return rerr
	default:
		return err
	}
}
