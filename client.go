package faktory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/faktory-go/client/internal/conn"
	"github.com/faktory-go/client/internal/engine"
	"github.com/faktory-go/client/internal/proto"
	"github.com/faktory-go/client/internal/wire"
)

// FailError carries the detail a caller wants the server to record against a
// failed job. Passing a plain error to Fail is also supported: its Error()
// becomes Message, ErrType defaults to "error", and Backtrace is empty.
type FailError struct {
	Message   string
	ErrType   string
	Backtrace []string
}

func (e *FailError) Error() string { return e.Message }

// Client is the application-facing Faktory session: it owns a reconnecting
// engine.Engine and translates Push/Fetch/Ack/Fail/Beat/Info/Flush into wire
// commands with the expectations §4.4 of the design documents.
type Client struct {
	eng *engine.Engine
	log *logrus.Entry
}

// NewClient validates cfg, builds the dial closure, and connects. The
// returned Client is ready for Push/Fetch/... calls once Connect succeeds.
func NewClient(ctx context.Context, cfg Config, log *logrus.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithField("component", "client")

	connCfg := conn.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Labels:   cfg.Labels,
		WorkerID: cfg.WorkerID,
		TLS:      cfg.TLSConfig,
	}
	idleTimeout := cfg.IdleTimeout

	dial := func(ctx context.Context) (*conn.Conn, error) {
		return conn.Dial(ctx, connCfg, idleTimeout, entry)
	}

	eng := engine.New(dial, cfg.ReconnectLimit, cfg.ReconnectBaseDelay, entry)
	if err := eng.Connect(ctx); err != nil {
		return nil, fmt.Errorf("faktory: connect: %w", err)
	}

	return &Client{eng: eng, log: entry}, nil
}

// send is the shared path every command surface method funnels through: it
// resolves the current connection and dispatches a single command.
func (c *Client) send(ctx context.Context, cmd wire.Command, expect string) (wire.Frame, error) {
	cn, err := c.eng.Conn()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("faktory: %w", err)
	}
	return cn.Send(ctx, cmd, expect)
}

// Push submits job, assigning a Jid via uuid.NewString if the caller left it
// empty, and returns the (possibly generated) Jid on success.
func (c *Client) Push(ctx context.Context, job *Job) (string, error) {
	if job.Jid == "" {
		job.Jid = uuid.NewString()
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("faktory: marshal job: %w", err)
	}
	if _, err := c.send(ctx, wire.Command{Verb: proto.VerbPush, Args: []any{string(body)}}, "OK"); err != nil {
		return "", fmt.Errorf("faktory: push: %w", err)
	}
	return job.Jid, nil
}

// Fetch asks for the next job from the given queues, highest priority
// first. A nil *Job with a nil error means no work is currently available.
func (c *Client) Fetch(ctx context.Context, queues ...string) (*Job, error) {
	args := make([]any, len(queues))
	for i, q := range queues {
		args[i] = q
	}
	frame, err := c.send(ctx, wire.Command{Verb: proto.VerbFetch, Args: args}, "")
	if err != nil {
		return nil, fmt.Errorf("faktory: fetch: %w", err)
	}
	if frame.Kind == wire.KindEmpty {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal(frame.Payload, &job); err != nil {
		return nil, fmt.Errorf("faktory: decode fetched job: %w", err)
	}
	return &job, nil
}

// Ack tells the server jid completed successfully.
func (c *Client) Ack(ctx context.Context, jid string) error {
	body, _ := json.Marshal(map[string]string{"jid": jid})
	if _, err := c.send(ctx, wire.Command{Verb: proto.VerbAck, Args: []any{string(body)}}, "OK"); err != nil {
		return fmt.Errorf("faktory: ack: %w", err)
	}
	return nil
}

// Fail reports jid failed. failErr may be a *FailError for full control over
// ErrType/Backtrace, or any other error whose Error() becomes the message.
// The backtrace is truncated to proto.MaxBacktraceLines entries.
func (c *Client) Fail(ctx context.Context, jid string, failErr error) error {
	fe, ok := failErr.(*FailError)
	if !ok {
		fe = &FailError{Message: failErr.Error(), ErrType: "error"}
	}
	backtrace := fe.Backtrace
	if len(backtrace) > proto.MaxBacktraceLines {
		backtrace = backtrace[:proto.MaxBacktraceLines]
	}
	payload := map[string]any{
		"jid":     jid,
		"message": fe.Message,
		"errtype": fe.ErrType,
	}
	if len(backtrace) > 0 {
		payload["backtrace"] = backtrace
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("faktory: marshal fail payload: %w", err)
	}
	if _, err := c.send(ctx, wire.Command{Verb: proto.VerbFail, Args: []any{string(body)}}, "OK"); err != nil {
		return fmt.Errorf("faktory: fail: %w", err)
	}
	return nil
}

// beatReply mirrors the bulk payload BEAT may return when the server wants
// the worker to quiet or terminate.
type beatReply struct {
	State string `json:"state"`
}

// Beat sends a heartbeat for workerID. It returns "" for a plain OK, or the
// server-signaled state ("quiet"/"terminate") when the server asks the
// worker to change behavior.
func (c *Client) Beat(ctx context.Context, workerID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"wid": workerID})
	frame, err := c.send(ctx, wire.Command{Verb: proto.VerbBeat, Args: []any{string(body)}}, "")
	if err != nil {
		return "", fmt.Errorf("faktory: beat: %w", err)
	}
	if frame.Kind == wire.KindBulk {
		var reply beatReply
		if err := json.Unmarshal(frame.Payload, &reply); err != nil {
			return "", fmt.Errorf("faktory: decode beat reply: %w", err)
		}
		return reply.State, nil
	}
	return "", nil
}

// Info returns the server's INFO payload decoded as a generic map.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	frame, err := c.send(ctx, wire.Command{Verb: proto.VerbInfo}, "")
	if err != nil {
		return nil, fmt.Errorf("faktory: info: %w", err)
	}
	var info map[string]any
	if err := json.Unmarshal(frame.Payload, &info); err != nil {
		return nil, fmt.Errorf("faktory: decode info: %w", err)
	}
	return info, nil
}

// Flush clears all job state. Mostly useful for test fixtures.
func (c *Client) Flush(ctx context.Context) error {
	if _, err := c.send(ctx, wire.Command{Verb: proto.VerbFlush}, ""); err != nil {
		return fmt.Errorf("faktory: flush: %w", err)
	}
	return nil
}

// Close shuts down the underlying engine and its connection.
func (c *Client) Close() error {
	return c.eng.Close()
}
