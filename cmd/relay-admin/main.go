// ABOUTME: Admin CLI for support-relay: tokens, pending notifications and the game catalog
// ABOUTME: Works directly against the relay database named in the config file

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/support-relay/internal/auth"
	"github.com/2389/support-relay/internal/config"
	"github.com/2389/support-relay/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "relay-admin",
		Short:         "Administer a support-relay deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to relay.yaml (default: $RELAY_CONFIG or ~/.config/support-relay/relay.yaml)")

	root.AddCommand(tokenCmd())
	root.AddCommand(notifyCmd())
	root.AddCommand(offerCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(connectionsCmd())

	if err := root.Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// withStore opens the configured database for the duration of fn.
func withStore(fn func(ctx context.Context, cfg *config.Config, s store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, cfg, s)
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		name    string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a JWT for a client or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if role != "client" && role != "operator" {
				return fmt.Errorf("--role must be client or operator, got %q", role)
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(auth.Claims{Subject: subject, Username: name, Role: role}, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "participant id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name used in greetings")
	cmd.Flags().StringVar(&role, "role", "client", "client or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <client> <message...>",
		Short: "Queue a pending notification for a client's next connect",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, s store.Store) error {
				n := &store.PendingNotification{Recipient: args[0], Body: strings.Join(args[1:], " ")}
				if err := s.CreatePendingNotification(ctx, n); err != nil {
					return fmt.Errorf("creating notification: %w", err)
				}
				color.Green("  ✓ Queued %s for %s\n", n.ID, n.Recipient)
				return nil
			})
		},
	}
}

func offerCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "offer <client>",
		Short: "Queue the advertising message for a client unless it is already pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, s store.Store) error {
				body := message
				if body == "" {
					body = cfg.Advertising.Message
				}
				n, err := s.OfferAdvertising(ctx, args[0], body)
				if err != nil {
					return fmt.Errorf("offering advertising: %w", err)
				}
				color.Green("  ✓ Pending %s for %s\n", n.ID, n.Recipient)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "override advertising.message")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the game catalog the bot answers from",
	}

	var title, genre string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a game",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, s store.Store) error {
				if err := s.AddGame(ctx, &store.Game{Title: title, Genre: genre}); err != nil {
					return fmt.Errorf("adding game: %w", err)
				}
				color.Green("  ✓ %s (%s)\n", title, genre)
				return nil
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "game title (required)")
	add.Flags().StringVar(&genre, "genre", "", "game genre (required)")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("genre")

	list := &cobra.Command{
		Use:   "list",
		Short: "List titles and genres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, s store.Store) error {
				titles, err := s.ListTitles(ctx)
				if err != nil {
					return fmt.Errorf("listing titles: %w", err)
				}
				genres, err := s.ListGenres(ctx)
				if err != nil {
					return fmt.Errorf("listing genres: %w", err)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "TITLES\t%d\n", len(titles))
				for _, t := range titles {
					fmt.Fprintf(w, "\t%s\n", t)
				}
				fmt.Fprintf(w, "GENRES\t%d\n", len(genres))
				for _, g := range genres {
					fmt.Fprintf(w, "\t%s\n", g)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func connectionsCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "connections <identity>",
		Short: "Count recent connections and report advertising eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, s store.Store) error {
				since := time.Now().Add(-cfg.Advertising.Window)
				n, err := s.CountRecentConnections(ctx, args[0], role, since)
				if err != nil {
					return fmt.Errorf("counting connections: %w", err)
				}
				fmt.Printf("%s: %d connection(s) since %s\n", args[0], n, since.Format(time.RFC3339))
				if role == store.ConnectionClient {
					if n >= cfg.Advertising.MinConnections {
						color.Green("  eligible for pending notifications\n")
					} else {
						color.Yellow("  not yet eligible (needs %d)\n", cfg.Advertising.MinConnections)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", store.ConnectionClient, "client or operator")
	return cmd
}
