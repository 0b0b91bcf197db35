package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Packages
	kong "github.com/alecthomas/kong"
	pqbus "github.com/aridsondez/pqbus/pkg/pqbus"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

type Globals struct {
	Debug        bool          `name:"debug" help:"Enable debug logging, including SQL statements"`
	Queue        string        `name:"queue" short:"q" help:"Queue name" default:"queue"`
	Namespace    string        `name:"namespace" env:"PQBUS_NAMESPACE" help:"Queue namespace" default:"default"`
	ClaimTimeout time.Duration `name:"claim-timeout" help:"Age after which an unacknowledged claim is reclaimed" default:"30s"`
	PollInterval time.Duration `name:"poll-interval" help:"Maximum wait between polls when no notification arrives" default:"5s"`

	// Private fields
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

type CLI struct {
	Globals
	Commands
}

// errEmpty makes pop exit with a distinct status when there is nothing to pop.
var errEmpty = errors.New("queue is empty")

const exitEmpty = 2

///////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

func main() {
	cli := new(CLI)
	ctx := kong.Parse(cli,
		kong.Name("pqbus"),
		kong.Description("PostgreSQL message queue"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	// Create the context and cancel function
	cli.Globals.ctx, cli.Globals.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cli.Globals.cancel()

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	cli.Globals.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Call the Run() method of the selected parsed command.
	err := ctx.Run(&cli.Globals)
	switch {
	case err == nil:
	case errors.Is(err, errEmpty):
		cli.Globals.cancel()
		os.Exit(exitEmpty)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		cli.Globals.cancel()
		os.Exit(1)
	}
}

///////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

// Bus connects to target, or to $DATABASE_URL when target is empty.
func (g *Globals) Bus(target string) (*pqbus.Bus, error) {
	if target == "" {
		target = os.Getenv("DATABASE_URL")
	}
	if target == "" {
		return nil, errors.New("no target: pass a connection string or set DATABASE_URL")
	}

	opts := []pqbus.Opt{
		pqbus.WithNamespace(g.Namespace),
		pqbus.WithClaimTimeout(g.ClaimTimeout),
		pqbus.WithPollInterval(g.PollInterval),
		pqbus.WithApplicationName("pqbus-cli"),
		pqbus.WithLogger(g.log),
	}
	if g.Debug {
		opts = append(opts, pqbus.WithQueryLog())
	}
	return pqbus.New(g.ctx, target, opts...)
}

// Open connects and returns a handle on the --queue queue.
func (g *Globals) Open(target string) (*pqbus.Bus, *pqbus.Queue, error) {
	bus, err := g.Bus(target)
	if err != nil {
		return nil, nil, err
	}
	q, err := bus.Queue(g.Queue)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	return bus, q, nil
}
