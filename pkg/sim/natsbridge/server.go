package natsbridge

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ohler55/ojg/oj"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
)

// Server exposes a sim.Simulator to bridge clients. Requests are handled
// one at a time in arrival order.
type Server struct {
	ctx    context.Context
	conn   *nats.Conn
	prefix string
	sim    sim.Simulator
	sub    *nats.Subscription
	l      *log.Logger
}

type ServerOption func(*Server)

func WithServerPrefix(prefix string) ServerOption {
	return func(s *Server) {
		s.prefix = prefix
	}
}

func WithServerLogger(l *log.Logger) ServerOption {
	return func(s *Server) {
		s.l = l
	}
}

//nolint:whitespace // editor/linter issue
func Serve(
	ctx context.Context,
	conn *nats.Conn,
	simulator sim.Simulator,
	opts ...ServerOption,
) (*Server, error) {
	ret := &Server{
		ctx:    ctx,
		conn:   conn,
		prefix: "lkas",
		sim:    simulator,
		l:      log.Default().Named("sim.bridge.server"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	var err error
	if ret.sub, err = conn.Subscribe(subject(ret.prefix, "*"), ret.handle); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Server) Close() error {
	return s.sub.Unsubscribe()
}

func (s *Server) reply(req *nats.Msg, resp *nats.Msg) {
	resp.Subject = req.Reply
	if err := s.conn.PublishMsg(resp); err != nil {
		s.l.Warn("could not send reply", log.ErrorField(err))
	}
}

func (s *Server) replyErr(req *nats.Msg, err error) {
	resp := &nats.Msg{Header: nats.Header{}}
	resp.Header.Set(headerError, err.Error())
	s.reply(req, resp)
}

//nolint:funlen,cyclop // dispatch
func (s *Server) handle(req *nats.Msg) {
	if req.Reply == "" {
		return
	}
	op := req.Subject[strings.LastIndex(req.Subject, ".")+1:]
	body, err := parseObject(req.Data)
	if err != nil && op != opApply {
		s.replyErr(req, err)
		return
	}
	ctx := s.ctx
	switch op {
	case opHello:
		s.l.Info("client connected",
			log.String("client", getString(body, "client")),
			log.String("host", getString(body, "host")),
			log.Int("port", getInt(body, "port")))
		if err = s.sim.Connect(ctx); err == nil {
			c := s.sim.Camera()
			s.reply(req, &nats.Msg{Data: []byte(oj.JSON(map[string]any{
				"width":    int64(c.Width),
				"height":   int64(c.Height),
				"channels": int64(c.Channels),
			}))})
			return
		}
	case opSync:
		delta := time.Duration(getFloat(body, "fixed_delta_ms") * float64(time.Millisecond))
		err = s.sim.SetSynchronous(ctx, getBool(body, "enabled"), delta)
	case opAutopilot:
		err = s.sim.SetAutopilot(ctx, getBool(body, "enabled"))
	case opSpawn:
		err = s.sim.Spawn(ctx, getInt(body, "spawn_point"))
	case opFrame:
		f, state, ferr := s.sim.Frame(ctx)
		if ferr == nil {
			s.reply(req, frameReply(f, &state))
			return
		}
		err = ferr
	case opApply:
		cmd, cerr := decodeCommand(req.Data)
		if cerr != nil {
			err = cerr
			break
		}
		err = s.sim.Apply(ctx, cmd)
	case opTick:
		err = s.sim.Tick(ctx)
	case opClose:
		err = s.sim.Close()
	default:
		s.l.Debug("ignoring unknown operation", log.String("op", op))
		return
	}
	if err != nil {
		s.replyErr(req, err)
		return
	}
	s.reply(req, &nats.Msg{})
}
