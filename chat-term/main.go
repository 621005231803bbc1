package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/roomchat/config"
	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/render"
)

var rootCmd = &cobra.Command{
	Use:   "chat-term",
	Short: "Terminal room chat",
	Long: `chat-term joins a chat room and keeps its feed in sync with a shared store.

Settings come from ROOMCHAT_* environment variables (or a .env file) and can
be overridden with flags.`,
	RunE: runTerm,
}

var (
	flagBackend     string
	flagRoom        string
	flagNick        string
	flagDataPath    string
	flagRelayURL    string
	flagPostgresDSN string
	flagMQTTBroker  string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagBackend, "backend", "", "storage backend: local, sqlite, postgres, relay or mqtt")
	flags.StringVar(&flagRoom, "room", "", "room to join")
	flags.StringVar(&flagNick, "nick", "", "nickname (generated when empty)")
	flags.StringVar(&flagDataPath, "data-path", "", "directory for the local and sqlite backends")
	flags.StringVar(&flagRelayURL, "relay-url", "", "chat-relay base URL for the relay backend")
	flags.StringVar(&flagPostgresDSN, "postgres-dsn", "", "connection string for the postgres backend")
	flags.StringVar(&flagMQTTBroker, "mqtt-broker", "", "broker URL for the mqtt backend")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat command")
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Read()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = config.Backend(flagBackend)
	}
	if flags.Changed("room") {
		cfg.Room = flagRoom
	}
	if flags.Changed("nick") {
		cfg.Nick = flagNick
	}
	if flags.Changed("data-path") {
		cfg.DataPath = flagDataPath
	}
	if flags.Changed("relay-url") {
		cfg.RelayURL = flagRelayURL
	}
	if flags.Changed("postgres-dsn") {
		cfg.PostgresDSN = flagPostgresDSN
	}
	if flags.Changed("mqtt-broker") {
		cfg.MQTT.Broker = flagMQTTBroker
	}
	return cfg, cfg.Validate()
}

func runTerm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	self, err := chooseIdentity(ctx, cfg.Nick, b.prefs)
	if err != nil {
		return err
	}

	term := render.NewTerminal(os.Stdout)
	opts := cfg.FeedOptions()
	opts.Snapshots = b.snapshots
	opts.Log = b.log
	opts.Renderer = term
	opts.OnStatus = func(err error) { term.Status("storage: %v", err) }
	chat, err := feed.New(opts)
	if err != nil {
		return err
	}

	room, err := initialRoom(cfg.Room)
	if err != nil {
		return err
	}
	h, err := chat.Join(ctx, self, room)
	if err != nil {
		return fmt.Errorf("join %q: %w", room, err)
	}
	term.Status("joined #%s as %s via %s (%s); /help lists commands", h.Room(), self.Name, cfg.Backend, chat.Strategy())

	r := &repl{chat: chat, session: h, self: self, term: term, rooms: b.rooms}
	err = r.run(ctx, os.Stdin)

	lctx, cancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
	defer cancel()
	if lerr := h.Leave(lctx); lerr != nil {
		log.Warn().Err(lerr).Msg("[term] leave failed")
	}
	return err
}
