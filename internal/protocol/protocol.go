// Package protocol implements the line-oriented control protocol spoken with
// the parent process manager over stdin/stdout.
//
// The loader announces itself, the parent answers with a fixed greeting and
// a block of "key: value" options terminated by a blank line. Once the child
// application accepts connections the loader reports the socket it listens on.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"meteor-loader/internal/config"
)

const (
	Greeting      = "!> I have control 1.0\n"
	ExpectedReply = "You have control 1.0\n"

	SocketName     = "main"
	SocketProtocol = "http_session"
	SocketHost     = "127.0.0.1"
	// SocketConcurrency is the session hint sent with the socket; 0 means
	// the parent decides.
	SocketConcurrency = 0
)

var (
	ErrInvalidHeader    = errors.New("invalid initialization header")
	ErrTruncatedOptions = errors.New("options ended before blank line")
)

// Greet writes the loader's opening line.
func Greet(w io.Writer) error {
	_, err := io.WriteString(w, Greeting)
	return err
}

// ReadGreeting consumes exactly one line and checks it against the expected
// reply. Nothing beyond that line is read.
func ReadGreeting(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read greeting: %w", err)
	}
	if line != ExpectedReply {
		return ErrInvalidHeader
	}
	return nil
}

// ReadOptions reads "key: value" lines until a blank line. A repeated key
// keeps its last value; a line without a colon stores the key with an empty
// value.
func ReadOptions(r *bufio.Reader) (map[string]string, error) {
	opts := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrTruncatedOptions
			}
			return nil, fmt.Errorf("read options: %w", err)
		}
		if line == "\n" {
			return opts, nil
		}
		name, value, _ := strings.Cut(strings.TrimSpace(line), ":")
		opts[name] = strings.TrimLeft(value, " ")
	}
}

// Handshake runs the whole startup exchange and returns the parent's options.
func Handshake(r *bufio.Reader, w io.Writer) (config.Options, error) {
	if err := Greet(w); err != nil {
		return config.Options{}, fmt.Errorf("write greeting: %w", err)
	}
	if err := ReadGreeting(r); err != nil {
		return config.Options{}, err
	}
	raw, err := ReadOptions(r)
	if err != nil {
		return config.Options{}, err
	}
	return config.NewOptions(raw), nil
}

// SocketLine renders the socket description for port.
func SocketLine(port int) string {
	return fmt.Sprintf("!> socket: %s;tcp://%s:%d;%s;%d\n",
		SocketName, SocketHost, port, SocketProtocol, SocketConcurrency)
}

// WriteReady tells the parent the application accepts connections on port.
// The notification is written in a single call.
func WriteReady(w io.Writer, port int) error {
	_, err := io.WriteString(w, "!> Ready\n"+SocketLine(port)+"!> \n")
	return err
}
