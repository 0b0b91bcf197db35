package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	// Packages
	pqbus "github.com/aridsondez/pqbus/pkg/pqbus"
	worker "github.com/aridsondez/pqbus/pkg/worker"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

type Commands struct {
	Init      InitCommand      `cmd:"" name:"init" help:"Create the message table." group:"ADMIN"`
	Push      PushCommand      `cmd:"" name:"push" help:"Push standard input as one message." group:"QUEUE"`
	Pop       PopCommand       `cmd:"" name:"pop" help:"Pop one message and print it. Exits 2 when the queue is empty." group:"QUEUE"`
	PopAll    PopAllCommand    `cmd:"" name:"popall" help:"Print and acknowledge messages until interrupted." group:"QUEUE"`
	Stats     StatsCommand     `cmd:"" name:"stats" help:"Print queue statistics." group:"QUEUE"`
	Publisher PublisherCommand `cmd:"" name:"publisher" help:"Push numbered messages in a loop." group:"DEMO"`
	Consumer  ConsumerCommand  `cmd:"" name:"consumer" help:"Consume messages with a worker." group:"DEMO"`
}

type Target struct {
	Target string `arg:"" optional:"" name:"target" help:"PostgreSQL connection string (default: $DATABASE_URL)"`
}

type InitCommand struct {
	Target
	Reset bool `name:"reset" help:"Drop the table, and every message in it, first"`
}

type PushCommand struct {
	Target
}

type PopCommand struct {
	Target
}

type PopAllCommand struct {
	Target
}

type StatsCommand struct {
	Target
}

type PublisherCommand struct {
	Target
	Count    uint          `name:"count" help:"Number of messages to push (0 for no limit)" default:"0"`
	Interval time.Duration `name:"interval" help:"Delay between messages" default:"1s"`
}

type ConsumerCommand struct {
	Target
	Concurrency int           `name:"concurrency" help:"Concurrent handlers" default:"1"`
	Delay       time.Duration `name:"delay" help:"Simulated processing time per message" default:"0s"`
}

///////////////////////////////////////////////////////////////////////////////
// COMMANDS

func (cmd *InitCommand) Run(ctx *Globals) error {
	bus, err := ctx.Bus(cmd.Target.Target)
	if err != nil {
		return err
	}
	defer bus.Close()

	if cmd.Reset {
		return bus.Reset(ctx.ctx)
	}
	return bus.Init(ctx.ctx)
}

func (cmd *PushCommand) Run(ctx *Globals) error {
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	bus, q, err := ctx.Open(cmd.Target.Target)
	if err != nil {
		return err
	}
	defer bus.Close()

	id, err := q.Push(ctx.ctx, body)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (cmd *PopCommand) Run(ctx *Globals) error {
	bus, q, err := ctx.Open(cmd.Target.Target)
	if err != nil {
		return err
	}
	defer bus.Close()

	m, err := q.Pop(ctx.ctx)
	if err != nil {
		return err
	} else if m == nil {
		return errEmpty
	}
	if _, err := os.Stdout.Write(m.Body); err != nil {
		return errors.Join(err, q.Release(context.WithoutCancel(ctx.ctx), m.ID))
	}
	return q.Ack(ctx.ctx, m.ID)
}

func (cmd *PopAllCommand) Run(ctx *Globals) error {
	bus, q, err := ctx.Open(cmd.Target.Target)
	if err != nil {
		return err
	}
	defer bus.Close()
	defer q.Close()

	return drain(ctx.ctx, q, os.Stdout)
}

// settleTimeout bounds an ack or release made after an interrupt.
const settleTimeout = 5 * time.Second

// messageSource is the part of a queue handle drain consumes.
type messageSource interface {
	Messages(ctx context.Context) iter.Seq2[*pqbus.Message, error]
	Ack(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64) error
}

// drain prints and acknowledges messages until ctx is done. A message that
// has been printed is acknowledged even if ctx ends in the meantime.
func drain(ctx context.Context, q messageSource, w io.Writer) error {
	for m, err := range q.Messages(ctx) {
		if err != nil {
			return err
		}
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		if _, err := fmt.Fprintln(w, m.String()); err != nil {
			err = errors.Join(err, q.Release(settleCtx, m.ID))
			cancel()
			return err
		}
		err := q.Ack(settleCtx, m.ID)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (cmd *StatsCommand) Run(ctx *Globals) error {
	bus, q, err := ctx.Open(cmd.Target.Target)
	if err != nil {
		return err
	}
	defer bus.Close()

	s, err := q.Stats(ctx.ctx)
	if err != nil {
		return err
	}
	fmt.Printf("namespace=%s queue=%s available=%d claimed=%d", s.Namespace, s.Queue, s.Available, s.Claimed)
	if s.OldestCreated != nil {
		fmt.Printf(" oldest=%s", s.OldestCreated.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}

func (cmd *PublisherCommand) Run(ctx *Globals) error {
	bus, q, err := ctx.Open(cmd.Target.Target)
	if err != nil {
		return err
	}
	defer bus.Close()

	ticker := time.NewTicker(cmd.Interval)
	defer ticker.Stop()

	for n := uint(1); cmd.Count == 0 || n <= cmd.Count; n++ {
		id, err := q.PushString(ctx.ctx, fmt.Sprintf("message %d", n))
		if err != nil {
			return err
		}
		ctx.log.Info("published", "queue", q.Name(), "id", id, "n", n)

		select {
		case <-ctx.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func (cmd *ConsumerCommand) Run(ctx *Globals) error {
	bus, q, err := ctx.Open(cmd.Target.Target)
	if err != nil {
		return err
	}
	defer bus.Close()
	defer q.Close()

	w := worker.New(worker.Config{
		Concurrency: cmd.Concurrency,
		Logger:      ctx.log,
	})
	w.Handle(q, func(hctx context.Context, m *pqbus.Message) error {
		ctx.log.Info("consumed", "queue", m.Queue, "id", m.ID, "deliveries", m.Deliveries, "body", m.String())
		if cmd.Delay <= 0 {
			return nil
		}
		select {
		case <-hctx.Done():
			return hctx.Err()
		case <-time.After(cmd.Delay):
			return nil
		}
	})
	return w.Run(ctx.ctx)
}
