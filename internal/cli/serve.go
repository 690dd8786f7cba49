package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cairn/internal/audit"
	"github.com/roach88/cairn/internal/config"
	"github.com/roach88/cairn/internal/identity"
	"github.com/roach88/cairn/internal/server"
	"github.com/roach88/cairn/internal/stream"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Addr     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the event store over HTTP until interrupted.

Accepted events are published to Kafka when kafka.brokers is set, and
aggregates are re-verified in the background when audit.interval is set.

Examples:
  cairn serve --config cairn.toml
  CAIRN_AUTH_JWT_SECRET=... cairn serve --db ./cairn.db --addr :9000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (defaults to server.addr)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return WrapExitError(ExitCommandError, "auth.jwt_secret is required to serve", err)
	}

	var pub *stream.KafkaPublisher
	if cfg.Kafka.Brokers != "" {
		pub, err = stream.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Timeout)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to kafka", err)
		}
		defer pub.Close()
	}

	eng, st, err := openEngine(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	defer eng.Close()

	validator := audit.NewValidator(st, eng.Projector())
	srv := server.New(eng, validator, verifier, server.Config{
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, addr)
	})
	if pub != nil {
		relay := stream.NewRelay("kafka:"+cfg.Kafka.Topic, st, st, pub,
			stream.WithWakeup(eng.Hub()),
			stream.WithPoll(cfg.Kafka.Poll),
		)
		g.Go(func() error {
			if err := relay.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if cfg.Audit.Interval > 0 {
		sched := audit.NewScheduler(validator, cfg.Audit.Interval, cfg.Audit.Parallelism, logSweep)
		g.Go(func() error {
			if err := sched.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "server stopped", err)
	}
	return nil
}

func newVerifier(cfg config.AuthConfig) (*identity.Verifier, error) {
	opts := []identity.Option{identity.WithLeeway(cfg.Leeway)}
	if cfg.Issuer != "" {
		opts = append(opts, identity.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, identity.WithAudience(cfg.Audience))
	}
	return identity.NewVerifier([]byte(cfg.JWTSecret), opts...)
}

func logSweep(reports []audit.Report) {
	for _, r := range reports {
		for _, m := range r.Mismatches {
			slog.Error("aggregate failed verification",
				"event", "integrity_fault",
				"tenant_id", r.TenantID,
				"aggregate_id", m.AggregateID,
				"reason", m.Reason(),
			)
		}
	}
}
