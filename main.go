// Command searchchat sends one message to the agent and prints the streamed
// answer. Pass -c to continue the conversation printed on a previous run.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/RichardoC/searchchat/internal/app"
	"github.com/RichardoC/searchchat/internal/config"
	"github.com/RichardoC/searchchat/internal/logging"
	"github.com/RichardoC/searchchat/internal/search"
	"github.com/RichardoC/searchchat/internal/stream"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type Options struct {
	Config     string `short:"f" long:"config" description:"config YAML path"`
	Checkpoint string `short:"c" long:"checkpoint" description:"conversation to continue"`
	Raw        bool   `long:"raw" description:"print the event-stream frames instead of text"`
	Args       struct {
		Message []string `positional-arg-name:"message" required:"1"`
	} `positional-args:"yes"`
}

func main() {
	opts := &Options{}
	if _, err := flags.NewParser(opts, flags.Default).Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *Options) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	// the interactive output goes to stdout, keep the log quiet
	cfg.Logging.Format = "console"
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var sink stream.Sink = stream.NewStreamWriter(os.Stdout)
	if !opts.Raw {
		sink = stream.SinkFunc(printEvent)
	}

	tr := stream.NewTranslator(opts.Checkpoint, search.ToolName, stream.WithLogger(logger))
	if opts.Checkpoint != "" {
		if _, err := uuid.Parse(opts.Checkpoint); err != nil {
			return tr.Abort(fmt.Errorf("invalid checkpoint %q", opts.Checkpoint), sink)
		}
	}
	message := strings.Join(opts.Args.Message, " ")
	events, err := application.Agent.Run(ctx, tr.CheckpointID(), message)
	if err != nil {
		logger.Debug("turn did not start", zap.Error(err))
		return tr.Abort(err, sink)
	}
	if err := tr.Run(ctx, events, sink); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printEvent renders events for a terminal: answer text on stdout, everything
// else on stderr.
func printEvent(e stream.Event) error {
	switch e.Type {
	case stream.TypeCheckpoint:
		fmt.Fprintf(os.Stderr, "checkpoint: %s\n", e.CheckpointID)
	case stream.TypeContent:
		fmt.Fprint(os.Stdout, e.Content)
	case stream.TypeSearchStart:
		fmt.Fprintf(os.Stderr, "searching: %s\n", e.Query)
	case stream.TypeSearchResults:
		if e.Error != "" {
			fmt.Fprintf(os.Stderr, "search failed: %s\n", e.Error)
			break
		}
		for _, u := range e.URLs {
			fmt.Fprintf(os.Stderr, "  %s\n", u)
		}
	case stream.TypeError:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", e.Error)
	case stream.TypeEnd:
		fmt.Fprintln(os.Stdout)
	}
	return nil
}
