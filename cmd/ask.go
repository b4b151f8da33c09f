package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"pagerelay/internal/config"
	"pagerelay/internal/dispatch"
	"pagerelay/internal/profile"
	providerfactory "pagerelay/internal/provider/factory"
	"pagerelay/internal/relay"
	"pagerelay/internal/session"
	"pagerelay/internal/stream"
)

const askUsage = `Usage:
  pagerelay ask --config <path> --profile <id> [--text <text>] [--prompt <prompt>] [--no-stream]

Reads the text to process from --text, or from stdin when the flag is absent.

Flags:
  --config  string   Path to YAML configuration file (required)
  --profile string   Profile id or name to process with (required)
  --text    string   Text to process (default: stdin)
  --prompt  string   Override the profile's user prompt
  --no-stream        Wait for the full response instead of streaming`

func ask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, askUsage)
	}

	var cfgPath, profileKey, text, prompt string
	var noStream bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&profileKey, "profile", "", "profile id or name")
	fs.StringVar(&text, "text", "", "text to process")
	fs.StringVar(&prompt, "prompt", "", "user prompt override")
	fs.BoolVar(&noStream, "no-stream", false, "disable streaming")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse ask flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("ask command requires --config <path>")
	}
	if profileKey == "" {
		return errors.New("ask command requires --profile <id>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	store, err := profile.NewStore(cfg.Profiles.Path)
	if err != nil {
		return err
	}

	prof, ok := store.Lookup(profileKey)
	if !ok {
		return fmt.Errorf("unknown profile %q", profileKey)
	}

	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read text from stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to process: provide --text or pipe content on stdin")
	}

	adapters, err := providerfactory.New()
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(adapters, stream.NewRegistry())
	link := relay.NewLocal(dispatcher, store)

	// Print only the suffix of each cumulative update so the stream reads
	// naturally in a terminal.
	var printed int
	controller := session.NewController(link, func(content string) {
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
	})
	link.BindPage(func(u relay.StreamUpdate) { controller.OnUpdate(u) }, nil)

	// The ask command always confirms via its own flags, so the profile's
	// immediate-processing preference does not apply here.
	prof.ProcessImmediately = false
	if _, err := controller.Open(ctx, prof, text); err != nil {
		return err
	}

	userPrompt := prof.UserPrompt
	if prompt != "" {
		userPrompt = prompt
	}

	result, err := controller.Process(ctx, userPrompt, !noStream)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("processing failed: %s", result.Error)
	}

	if noStream {
		fmt.Println(result.Response)
	} else if printed > 0 {
		fmt.Println()
	}
	return nil
}
