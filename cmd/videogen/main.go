package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makeasinger/videogen/internal/client"
	"github.com/makeasinger/videogen/internal/config"
	"github.com/makeasinger/videogen/internal/logger"
)

type cliConfig struct {
	imageURL       string
	prompt         string
	negativePrompt string
	duration       int
	aspectRatio    string
	mode           string
	deadline       time.Duration
	logLevel       string
}

// videogen runs one generation in the foreground and prints the outcome as
// JSON. Credentials come from the same configuration as the server.
func main() {
	cli := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	// stdout carries the outcome.
	log := logger.SetupWriter(os.Stderr, cli.logLevel)

	c, err := client.NewKlingClient(&cfg.Kling, client.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := client.TaskRequest{
		ImageURL:       cli.imageURL,
		Prompt:         cli.prompt,
		NegativePrompt: cli.negativePrompt,
		Duration:       cli.duration,
		AspectRatio:    cli.aspectRatio,
		Mode:           cli.mode,
	}

	outcome := c.RunTask(ctx, req, cli.deadline, client.OnPoll(func(ev client.PollEvent) {
		fmt.Fprintf(os.Stderr, "poll %d: task %s %s (%s)\n", ev.Poll, ev.TaskID, ev.Status, ev.Elapsed.Truncate(time.Second))
	}))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode outcome: %v\n", err)
		os.Exit(2)
	}

	if !outcome.Success {
		os.Exit(1)
	}
}

func parseFlags() cliConfig {
	var cli cliConfig
	flag.StringVar(&cli.imageURL, "image", "", "source image URL (omit for text-to-video)")
	flag.StringVar(&cli.prompt, "prompt", "", "text prompt")
	flag.StringVar(&cli.negativePrompt, "negative-prompt", "", "negative prompt")
	flag.IntVar(&cli.duration, "duration", client.DefaultDuration, "clip length in seconds (5 or 10)")
	flag.StringVar(&cli.aspectRatio, "aspect-ratio", "", "aspect ratio for text-to-video (16:9, 9:16, 1:1)")
	flag.StringVar(&cli.mode, "mode", "", "generation mode (std or pro)")
	flag.DurationVar(&cli.deadline, "deadline", 0, "maximum wait for completion (0 uses kling.max_wait)")
	flag.StringVar(&cli.logLevel, "log-level", "warn", "log level")
	flag.Parse()
	return cli
}
