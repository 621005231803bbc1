package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/roomchat/logstore"
	"github.com/gosuda/roomchat/relay"
)

var rootCmd = &cobra.Command{
	Use:   "chat-relay",
	Short: "Room chat relay: shared append log over HTTP and WebSocket",
	RunE:  runRelay,
}

var (
	flagServerURLs []string
	flagPort       int
	flagName       string
	flagDataPath   string
	flagCredKey    string
	flagRetention  int
	flagRPS        float64
	flagBurst      int
	flagTrustProxy bool
	flagLogLevel   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "portal relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", 8080, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", "roomchat", "backend display name")
	flags.StringVar(&flagDataPath, "data-path", "", "directory for the Pebble message log (in memory when empty)")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
	flags.IntVar(&flagRetention, "retention", 1000, "messages kept per room (0 keeps everything)")
	flags.Float64Var(&flagRPS, "rps", 5, "appends per second allowed per client")
	flags.IntVar(&flagBurst, "burst", 10, "append burst allowed per client")
	flags.BoolVar(&flagTrustProxy, "trust-proxy", false, "rate limit by X-Forwarded-For (only behind a proxy that sets it)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute relay command")
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := logstore.Open(logstore.Options{
		Dir:        flagDataPath,
		InMemory:   flagDataPath == "",
		MaxPerRoom: flagRetention,
	})
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	if flagDataPath == "" {
		log.Warn().Msg("[relay] no --data-path; messages are kept in memory only")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := relay.New(flagName, store, relay.Options{RPS: flagRPS, Burst: flagBurst, TrustProxy: flagTrustProxy, Registry: reg})

	clients, listeners, err := listenPortal()
	if err != nil {
		_ = store.Close()
		return err
	}
	if len(listeners) == 0 && flagPort < 0 {
		_ = store.Close()
		return errors.New("nothing to serve: no relay servers via --server-url or RELAY env, and --port is disabled")
	}

	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, srv); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[relay] portal http error")
			}
		}()
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: srv, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[relay] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[relay] local http stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("[relay] http server shutdown error")
		}
		cancel()
	}
	srv.CloseAll()
	srv.Wait()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("[relay] store close error")
	}
	log.Info().Msg("[relay] shutdown complete")
	return nil
}

// listenPortal opens one listener per portal relay URL, all sharing one
// credential.
func listenPortal() ([]*sdk.RDClient, []net.Listener, error) {
	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}

	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, raw := range flagServerURLs {
		for _, p := range strings.Split(raw, ",") {
			u := strings.TrimSpace(p)
			if u == "" {
				continue
			}
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("[relay] new portal client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
			if err != nil {
				for _, c := range clients {
					_ = c.Close()
				}
				return nil, nil, fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
			log.Info().Str("url", u).Msg("[relay] listening on portal relay")
		}
	}
	return clients, listeners, nil
}
