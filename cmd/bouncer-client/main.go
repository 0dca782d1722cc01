// Command bouncer-client sends one piece of mail to a running
// bouncer-daemon: it reads the message body from stdin, frames it as a
// kind=mail frame per spec.md §6, sends it over TCP, and waits for the
// "OK\n" ACK before exiting. It is invoked as an MTA pipe transport:
// one short-lived process per message, exiting once the ACK arrives or
// the send fails.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/frame"
)

// Exit codes follow the sysexits.h convention the original bounce
// pipeline used, so an MTA's pipe transport can tell a usage mistake
// (don't retry) from a transient send failure (requeue and retry).
const (
	exitOK       = 0
	exitUsage    = 64
	exitTempFail = 75
)

// maxBodyBytes bounds what this CLI will read from stdin before giving
// up; the daemon enforces its own, separately configured max_body_len
// on the wire.
const maxBodyBytes = 50 * 1024 * 1024

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to bouncer-client.toml")
	server := flag.String("server", "", "daemon address, host:port")
	from := flag.String("from", "", "envelope sender")
	to := flag.String("to", "", "envelope recipient")
	flag.Parse()
	if *configPath == "" && flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	var cfg config.ClientConfig
	path := config.ResolvePath(*configPath, "BOUNCER_CLIENT_CONFIG_PATH", "bouncer-client")
	if err := config.Load(path, &cfg); err != nil && *configPath != "" {
		fmt.Fprintf(os.Stderr, "bouncer-client: %v\n", err)
		return exitUsage
	}
	cfg.Normalize()

	if *server != "" {
		cfg.Server = *server
	}
	if *from == "" || *to == "" || cfg.Server == "" {
		fmt.Fprintln(os.Stderr, "usage: bouncer-client -server host:port -from sender -to recipient < message")
		return exitUsage
	}

	body, err := readBody(os.Stdin, maxBodyBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-client: %v\n", err)
		return exitUsage
	}

	if err := sendAndWaitAck(cfg, *from, *to, body); err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-client: %v\n", err)
		return exitTempFail
	}
	return exitOK
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read message from stdin: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("message body too large: max %d bytes", limit)
	}
	return body, nil
}

func sendAndWaitAck(cfg config.ClientConfig, from, to string, body []byte) error {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return fmt.Errorf("connect_timeout: %w", err)
	}
	ioTimeout, err := cfg.GetIOTimeout()
	if err != nil {
		return fmt.Errorf("io_timeout: %w", err)
	}

	conn, err := net.DialTimeout("tcp", cfg.Server, connectTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Server, err)
	}
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	if err := conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	f := &frame.Frame{
		Kind: frame.KindMail,
		From: from,
		To:   to,
		Body: body,
	}
	if err := frame.Encode(conn, f); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	if err := frame.ReadAck(conn); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	return nil
}
