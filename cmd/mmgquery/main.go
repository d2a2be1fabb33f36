// Command mmgquery sends one request over MQTT and prints the matched response.
//
//	mmgquery -target 0 -cmd 3 1 5
//	mmgquery -cmd pv -format json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/correlator"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/resident-x/go-mmgbridge/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitTimeout = 2
	exitRemote  = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("mmgquery", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "Path to configuration file")
	host := flags.String("host", "", "MQTT broker host (overrides config)")
	port := flags.Int("port", 0, "MQTT broker port (overrides config)")
	target := flags.String("target", "0", "Target id (gateway or slave id)")
	command := flags.String("cmd", "", "Command: function code or named query")
	timeout := flags.Duration("timeout", 5*time.Second, "Response timeout")
	format := flags.String("format", "text", "Output format: text, json or yaml")
	verbose := flags.Bool("v", false, "Log the MQTT session")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: mmgquery [flags] -cmd COMMAND [ARGS...]\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	if *command == "" {
		fmt.Fprintln(stderr, "mmgquery: -cmd is required")
		flags.Usage()
		return exitError
	}
	if !validFormat(*format) {
		fmt.Fprintf(stderr, "mmgquery: unknown format %q\n", *format)
		return exitError
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "mmgquery: %v\n", err)
		return exitError
	}
	if *host != "" {
		cfg.MQTT.Host = *host
	}
	if *port != 0 {
		cfg.MQTT.Port = *port
	}
	// The daemon may share this broker; never reuse its client id.
	cfg.MQTT.ClientID = ""

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+cfg.MQTT.ConnectTimeout+5*time.Second)
	defer cancel()

	client := pubsub.NewClient(&cfg.MQTT)
	defer client.Close()

	started := time.Now()
	resp, err := query(ctx, client, topics{
		request:  pubsub.ExpandTopic(cfg.MQTT.RequestTopic, cfg.MQTT.InstanceID),
		response: pubsub.ExpandTopic(cfg.MQTT.ResponseTopic, cfg.MQTT.InstanceID),
	}, *target, *command, flags.Args(), *timeout)

	code := exitCode(err)
	if resp == nil {
		fmt.Fprintf(stderr, "mmgquery: %v\n", err)
		return code
	}

	out, ferr := render(*format, newResult(resp, time.Since(started)))
	if ferr != nil {
		fmt.Fprintf(stderr, "mmgquery: %v\n", ferr)
		return exitError
	}
	fmt.Fprint(stdout, out)
	return code
}

type topics struct {
	request  string
	response string
}

// query subscribes to the response topic, connects and sends one request.
func query(ctx context.Context, transport domain.Transport, t topics, target, command string, args []string, timeout time.Duration) (*protocol.Response, error) {
	c := correlator.New(transport, &correlator.Config{
		RequestTopic:   t.request,
		DefaultTimeout: timeout,
	}, log.Logger)

	handler := func(_ string, payload []byte) { c.HandleMessage(payload) }
	if err := transport.Subscribe(ctx, t.response, handler); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", t.response, err)
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	req := &protocol.Request{
		Cookie:   c.NextCookie(),
		TargetID: target,
		Command:  command,
		Args:     args,
	}
	return c.Send(ctx, req, timeout)
}

// exitCode maps a query error onto the process exit status.
func exitCode(err error) int {
	var remote *protocol.RemoteError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, protocol.ErrTimeout):
		return exitTimeout
	case errors.As(err, &remote):
		return exitRemote
	default:
		return exitError
	}
}

func validFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json", "yaml":
		return true
	}
	return false
}
