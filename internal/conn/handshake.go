package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/faktory-go/client/internal/authhash"
	"github.com/faktory-go/client/internal/proto"
	"github.com/faktory-go/client/internal/wire"
)

// ErrVersionMismatch is returned when the server's HI greeting advertises a
// protocol version this client does not speak.
var ErrVersionMismatch = errors.New("conn: protocol version mismatch")

// ErrHandshakeRejected is returned when the server's reply to HELLO is not
// the inline status OK.
var ErrHandshakeRejected = errors.New("conn: handshake rejected")

// Handshake performs the Faktory HI/HELLO exchange directly over c's
// decoder and socket, ahead of the read loop: the server's HI greeting is
// unsolicited, so nothing is registered in the pending-reply queue yet.
func Handshake(c *Conn, cfg Config) error {
	hello, err := readHello(c)
	if err != nil {
		return err
	}
	if hello.V != proto.Version {
		return fmt.Errorf("%w: server speaks v%d, client speaks v%d", ErrVersionMismatch, hello.V, proto.Version)
	}

	ahoy, err := buildAhoy(cfg, hello)
	if err != nil {
		return fmt.Errorf("conn: build ahoy: %w", err)
	}
	if err := c.writeLine(proto.VerbHello, []any{ahoy}); err != nil {
		return fmt.Errorf("conn: write HELLO: %w", err)
	}

	return readHelloReply(c)
}

// readHello reads and decodes the server's HI greeting.
func readHello(c *Conn) (proto.Hello, error) {
	frame, err := c.dec.Next()
	if err != nil {
		return proto.Hello{}, fmt.Errorf("conn: read HI: %w", err)
	}
	if frame.Kind != wire.KindHello {
		return proto.Hello{}, fmt.Errorf("conn: expected HI greeting, got kind %v", frame.Kind)
	}
	var hello proto.Hello
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		return proto.Hello{}, fmt.Errorf("conn: parse HI payload: %w", err)
	}
	return hello, nil
}

// buildAhoy constructs the HELLO reply payload, computing pwdhash when the
// greeting carried a salt.
func buildAhoy(cfg Config, hello proto.Hello) (proto.Ahoy, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	ahoy := proto.Ahoy{
		Hostname: hostname,
		Labels:   cfg.Labels,
		V:        proto.Version,
	}
	if cfg.WorkerID != "" {
		ahoy.WID = cfg.WorkerID
		ahoy.PID = os.Getpid()
	}
	if hello.Salt != "" {
		hash, err := authhash.SHA256Iterated(cfg.Password, hello.Salt, hello.Iterations)
		if err != nil {
			return proto.Ahoy{}, err
		}
		ahoy.PWDHash = hash
	}
	return ahoy, nil
}

// readHelloReply reads the server's response to HELLO and asserts it is OK.
func readHelloReply(c *Conn) error {
	frame, err := c.dec.Next()
	if err != nil {
		return fmt.Errorf("conn: read HELLO reply: %w", err)
	}
	if frame.Kind == wire.KindError {
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, frame.Text)
	}
	if frame.Kind != wire.KindInline || frame.Text != "OK" {
		return fmt.Errorf("%w: got %+v", ErrHandshakeRejected, frame)
	}
	return nil
}
