package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/0xReLogic/Cigano/internal/cards"
	"github.com/0xReLogic/Cigano/internal/config"
	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/secrets"
)

const name = "cigano"

var (
	// overridden during build with ldflags
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		logger := logging.L()
		if errors.Is(err, errBind) {
			logger.Error().Err(err).Msg("could not bind any port, exiting")
		} else {
			logger.Error().Err(err).Msg("cigano exited with error")
		}
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "Cigano card interpretation backend",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags:   serveFlags(),
		Action:  runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API (default)",
				Flags:  serveFlags(),
				Action: runServe,
			},
			cardsCommand(),
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML configuration file",
			Sources: cli.EnvVars("CIGANO_CONFIG"),
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Path to a dotenv file (default .env when present)",
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "Preferred listen port, overrides PORT",
		},
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(config.LoadOptions{
		File:    cmd.String("config"),
		EnvFile: cmd.String("env-file"),
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid --port: %w", err)
		}
	}

	logging.Init(cfg.Logging)

	if cfg.Gemini.APIKey == "" && cfg.Gemini.APIKeyParameter != "" {
		store, err := secrets.NewDefaultParamStore(ctx)
		if err != nil {
			return err
		}
		if err := resolveAPIKey(ctx, cfg, store); err != nil {
			return err
		}
	}
	return runServer(ctx, cfg)
}

type secretGetter interface {
	Get(ctx context.Context, name string) (string, error)
}

// resolveAPIKey fills the Gemini key from the parameter store when the
// environment did not provide one.
func resolveAPIKey(ctx context.Context, cfg *config.Config, store secretGetter) error {
	if cfg.Gemini.APIKey != "" || cfg.Gemini.APIKeyParameter == "" {
		return nil
	}
	key, err := store.Get(ctx, cfg.Gemini.APIKeyParameter)
	if err != nil {
		return fmt.Errorf("failed to resolve gemini api key: %w", err)
	}
	cfg.Gemini.APIKey = key
	logging.L().Info().Str("parameter", cfg.Gemini.APIKeyParameter).Msg("gemini api key loaded from parameter store")
	return nil
}

func cardsCommand() *cli.Command {
	return &cli.Command{
		Name:  "cards",
		Usage: "List the accepted cards, timeframes and themes",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the vocabularies as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			out := cmd.Root().Writer
			if out == nil {
				out = os.Stdout
			}

			if cmd.Bool("json") {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string][]string{
					"cartas": cards.Deck(),
					"tempos": cards.Timeframes(),
					"temas":  cards.Themes(),
				})
			}

			for i, card := range cards.Deck() {
				fmt.Fprintf(out, "%2d  %s\n", i+1, card)
			}
			fmt.Fprintf(out, "\ntempos: %s\n", strings.Join(cards.Timeframes(), ", "))
			fmt.Fprintf(out, "temas:  %s\n", strings.Join(cards.Themes(), ", "))
			return nil
		},
	}
}
