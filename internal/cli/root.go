// Package cli holds the chatrelay command tree: the relay server, the
// terminal chat client and chat management commands.
package cli

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/chatstore"
	"chatrelay/internal/config"
	"chatrelay/internal/provider"
	"chatrelay/internal/relay"
	"chatrelay/internal/storage"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by every command once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
}

// NewRootCommand builds the chatrelay command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Streaming chat relay and terminal client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CHATRELAY_CONFIG"), "config file (json, toml or yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCommand(a),
		newChatCommand(a),
		newChatsCommand(a),
		newProbeCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	level, err := zerolog.ParseLevel(strings.ToLower(a.logLevel))
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", a.logLevel)
	}
	a.logger = newLogger(os.Stderr, level)
	cmd.SetContext(a.logger.WithContext(cmd.Context()))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	a.cfg = cfg
	return nil
}

func newLogger(w *os.File, level zerolog.Level) zerolog.Logger {
	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// buildRelay wires the configured provider into a relay. A provider that
// cannot be built does not stop the relay; its requests fail with the
// configuration error instead.
func (a *app) buildRelay(ctx context.Context) *relay.Relay {
	p, err := provider.New(ctx, a.cfg.Upstream)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("upstream provider unavailable")
	}
	return relay.New(p, err, relay.Options{
		Timeout:          a.cfg.UpstreamTimeout(),
		MaxResponseBytes: a.cfg.Upstream.MaxResponseBytes,
		Gate:             relay.NewGate(a.cfg.BasicConfig.MaxConcurrentStreams),
	})
}

func (a *app) buildProber(ctx context.Context, r *relay.Relay) (*relay.Prober, func() error, error) {
	c, closeCache, err := cache.New(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	hasKey := strings.TrimSpace(a.cfg.Upstream.APIKey) != ""
	return relay.NewProber(r, c, a.cfg.ProbeTTL(), hasKey), closeCache, nil
}

// openStore opens the durable chat store for the terminal client.
func (a *app) openStore(ctx context.Context) (*chatstore.Store, func() error, error) {
	kv, err := storage.NewKV(a.cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open chat storage")
	}
	store := chatstore.New(kv)
	store.Initialize(ctx)
	return store, kv.Close, nil
}
