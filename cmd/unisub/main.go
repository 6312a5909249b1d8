// Command unisub manages a unisub message store from the shell: schema
// migration, topic administration, publishing and a tailing subscriber.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/nrempel/unisub"

	_ "github.com/lib/pq"
)

// Populated at build-time via -ldflags.
var version = "dev"

type rootFlags struct {
	DatabaseURL string
	LogLevel    string
}

func main() {
	flags := &rootFlags{}

	app := &cli.Command{
		Name:    "unisub",
		Usage:   "Topic-based publish/subscribe on a single Postgres database",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "database-url",
				Usage:       "Postgres connection string",
				Sources:     cli.EnvVars("DATABASE_URL"),
				Destination: &flags.DatabaseURL,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("UNISUB_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := setupLogger(flags.LogLevel); err != nil {
				return ctx, err
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			newMigrateCmd(flags),
			newTopicCmd(flags),
			newPublishCmd(flags),
			newTailCmd(flags),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogger(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(parsed)
	return nil
}

func requireDatabaseURL(flags *rootFlags) error {
	if flags.DatabaseURL == "" {
		return errors.New("database connection string required, set --database-url or DATABASE_URL")
	}
	return nil
}

func openStore(ctx context.Context, flags *rootFlags) (*unisub.PubSub, error) {
	if err := requireDatabaseURL(flags); err != nil {
		return nil, err
	}
	return unisub.Open(ctx, flags.DatabaseURL, unisub.WithLogger(log.Logger))
}

func newMigrateCmd(flags *rootFlags) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the store schema",
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := requireDatabaseURL(flags); err != nil {
				return err
			}

			db, err := sql.Open("postgres", flags.DatabaseURL)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer func() { _ = db.Close() }()

			if err := unisub.Migrate(db); err != nil {
				return err
			}
			fmt.Println("Migrations completed successfully")
			return nil
		},
	}
}

func newTopicCmd(flags *rootFlags) *cli.Command {
	return &cli.Command{
		Name:  "topic",
		Usage: "Manage topics",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create a topic",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, c *cli.Command) error {
					name := c.Args().First()
					if name == "" {
						return errors.New("missing topic name")
					}

					ps, err := openStore(ctx, flags)
					if err != nil {
						return err
					}
					defer func() { _ = ps.Close() }()

					if err := ps.CreateTopic(ctx, name); err != nil {
						return err
					}
					fmt.Printf("Topic '%s' created successfully\n", name)
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove a topic and all of its messages",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, c *cli.Command) error {
					name := c.Args().First()
					if name == "" {
						return errors.New("missing topic name")
					}

					ps, err := openStore(ctx, flags)
					if err != nil {
						return err
					}
					defer func() { _ = ps.Close() }()

					if err := ps.RemoveTopic(ctx, name); err != nil {
						return err
					}
					fmt.Printf("Topic '%s' removed successfully\n", name)
					return nil
				},
			},
		},
	}
}

func newPublishCmd(flags *rootFlags) *cli.Command {
	return &cli.Command{
		Name:        "publish",
		Usage:       "Publish a message to a topic",
		ArgsUsage:   "<topic> [payload]",
		Description: "Publishes the payload argument, or standard input when no payload is given.",
		Action: func(ctx context.Context, c *cli.Command) error {
			topic := c.Args().First()
			if topic == "" {
				return errors.New("missing topic name")
			}

			var payload []byte
			if c.Args().Len() > 1 {
				payload = []byte(c.Args().Get(1))
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading payload from stdin: %w", err)
				}
				payload = data
			}

			ps, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = ps.Close() }()

			return ps.Publish(ctx, topic, payload)
		},
	}
}

func newTailCmd(flags *rootFlags) *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Subscribe to a topic and print each message to stdout",
		ArgsUsage: "<topic>",
		Action: func(ctx context.Context, c *cli.Command) error {
			topic := c.Args().First()
			if topic == "" {
				return errors.New("missing topic name")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			ps, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = ps.Close() }()

			go func() {
				<-ctx.Done()
				ps.Shutdown()
			}()

			// The engine's shutdown signal, not context cancellation, ends
			// the tail so the in-flight message finishes cleanly.
			return ps.Subscribe(context.Background(), topic, func(_ context.Context, payload []byte) error {
				fmt.Printf("%s\n", payload)
				return nil
			})
		},
	}
}
