package natsbridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/ohler55/ojg/oj"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
)

type (
	// Client implements sim.Simulator against a bridge process.
	Client struct {
		conn    *nats.Conn
		prefix  string
		host    string
		port    int
		timeout time.Duration
		retries int
		id      string
		l       *log.Logger

		mu     sync.Mutex
		camera sim.Camera
	}
	Option func(*Client)
)

var _ sim.Simulator = (*Client)(nil)

func NewClient(conn *nats.Conn, opts ...Option) *Client {
	ret := &Client{
		conn:    conn,
		prefix:  "lkas",
		timeout: 2 * time.Second,
		retries: 2,
		id:      uuid.NewString(),
		l:       log.Default().Named("sim.bridge"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func WithPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = prefix
	}
}

// WithSimulator sets the simulator address the bridge should connect to.
func WithSimulator(host string, port int) Option {
	return func(c *Client) {
		c.host = host
		c.port = port
	}
}

// WithRequestTimeout sets the timeout of a single request and the number
// of retries before the simulator is considered lost.
func WithRequestTimeout(timeout time.Duration, retries int) Option {
	return func(c *Client) {
		c.timeout = timeout
		c.retries = retries
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.l = l
	}
}

func (c *Client) request(ctx context.Context, op string, body []byte) (*nats.Msg, error) {
	subj := subject(c.prefix, op)
	for attempt := 0; ; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		msg, err := c.conn.RequestWithContext(rctx, subj, body)
		cancel()
		if err == nil {
			if e := msg.Header.Get(headerError); e != "" {
				return nil, fmt.Errorf("%w: %s: %s", ErrRemote, op, e)
			}
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", sim.ErrSimulatorLost, err)
		}
		if attempt >= c.retries {
			return nil, fmt.Errorf("%w: %s: %w", sim.ErrSimulatorLost, op, err)
		}
		c.l.Debug("retrying request",
			log.String("op", op), log.Int("attempt", attempt+1), log.ErrorField(err))
	}
}

func (c *Client) Connect(ctx context.Context) error {
	body := oj.JSON(map[string]any{
		"client": c.id,
		"host":   c.host,
		"port":   int64(c.port),
	})
	msg, err := c.request(ctx, opHello, []byte(body))
	if err != nil {
		return err
	}
	m, err := parseObject(msg.Data)
	if err != nil {
		return fmt.Errorf("hello reply: %w", err)
	}
	cam := sim.Camera{
		Width:    getInt(m, "width"),
		Height:   getInt(m, "height"),
		Channels: getInt(m, "channels"),
	}
	c.mu.Lock()
	c.camera = cam
	c.mu.Unlock()
	c.l.Info("connected to simulator bridge",
		log.String("client", c.id),
		log.String("camera", strconv.Itoa(cam.Width)+"x"+strconv.Itoa(cam.Height)))
	return nil
}

func (c *Client) Camera() sim.Camera {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera
}

//nolint:whitespace // editor/linter issue
func (c *Client) SetSynchronous(
	ctx context.Context,
	enabled bool,
	fixedDelta time.Duration,
) error {
	body := oj.JSON(map[string]any{
		"enabled":        enabled,
		"fixed_delta_ms": float64(fixedDelta.Microseconds()) / 1000,
	})
	_, err := c.request(ctx, opSync, []byte(body))
	return err
}

func (c *Client) SetAutopilot(ctx context.Context, enabled bool) error {
	_, err := c.request(ctx, opAutopilot, []byte(oj.JSON(map[string]any{"enabled": enabled})))
	return err
}

func (c *Client) Spawn(ctx context.Context, spawnPoint int) error {
	_, err := c.request(ctx, opSpawn,
		[]byte(oj.JSON(map[string]any{"spawn_point": int64(spawnPoint)})))
	return err
}

//nolint:whitespace // editor/linter issue
func (c *Client) Frame(ctx context.Context) (
	*model.FrameData, model.VehicleState, error,
) {
	msg, err := c.request(ctx, opFrame, nil)
	if err != nil {
		return nil, model.VehicleState{}, err
	}
	return decodeFrameReply(msg)
}

func (c *Client) Apply(ctx context.Context, cmd model.ControlCommand) error {
	_, err := c.request(ctx, opApply, encodeCommand(cmd))
	return err
}

func (c *Client) Tick(ctx context.Context) error {
	_, err := c.request(ctx, opTick, nil)
	return err
}

// Close tells the bridge to release the vehicle. The nats connection is
// owned by the caller.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	msg, err := c.conn.RequestWithContext(ctx, subject(c.prefix, opClose), nil)
	if err != nil {
		return err
	}
	if e := msg.Header.Get(headerError); e != "" {
		return fmt.Errorf("%w: close: %s", ErrRemote, e)
	}
	return nil
}
