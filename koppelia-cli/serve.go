package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/koppelia/simconsole"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulated console",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var (
	flagListen     string
	flagDataPath   string
	flagStages     []string
	flagMediaDir   string
	flagPlaysDir   string
	flagServerURLs []string
	flagName       string
	flagCredKey    string
)

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&flagListen, "listen", "", "local listen address (default from config, :2225)")
	flags.StringVar(&flagDataPath, "data-path", "", "directory for the persistent store (empty keeps everything in memory)")
	flags.StringSliceVar(&flagStages, "stages", nil, "stages declared up front; repeat or comma-separated")
	flags.StringVar(&flagMediaDir, "media-dir", "", "directory served under /media/")
	flags.StringVar(&flagPlaysDir, "plays-dir", "", "directory of downloaded plays served under /game/api/playdata/")
	flags.StringSliceVar(&flagServerURLs, "server-url", nil, "relay server base URL(s) to also expose the console through; repeat or comma-separated (env RELAY)")
	flags.StringVar(&flagName, "name", "koppelia", "relay backend display name")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional relay credential key (base64 encoded)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := cfg.Serve
	if flagListen != "" {
		sc.Listen = flagListen
	}
	if flagDataPath != "" {
		sc.DataPath = flagDataPath
	}
	if len(flagStages) > 0 {
		sc.Stages = flagStages
	}
	if flagMediaDir != "" {
		sc.MediaDir = flagMediaDir
	}
	if flagPlaysDir != "" {
		sc.PlaysDir = flagPlaysDir
	}

	store, err := simconsole.OpenStore(sc.DataPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	opts := []simconsole.Option{
		simconsole.WithStore(store),
		simconsole.WithGameID(cfg.GameID),
		simconsole.WithMediaDir(sc.MediaDir),
		simconsole.WithPlaysDir(sc.PlaysDir),
	}
	if len(sc.Stages) > 0 {
		opts = append(opts, simconsole.WithStages(sc.Stages...))
	}
	srv, err := simconsole.New(opts...)
	if err != nil {
		return fmt.Errorf("start simulated console: %w", err)
	}
	defer srv.Close()
	mux := srv.Router()

	httpSrv := &http.Server{Addr: sc.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
	ln, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sc.Listen, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("persistent", sc.DataPath != "").Msg("simulated console listening")
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("local http stopped")
			stop()
		}
	}()

	relay, err := startRelay(ctx, mux)
	if err != nil {
		return err
	}

	<-ctx.Done()
	if relay != nil {
		relay()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("http server shutdown")
	}
	log.Info().Msg("simulated console stopped")
	return nil
}

// startRelay exposes mux through the portal relay when relay servers are
// configured. The returned func closes the listener and the client.
func startRelay(ctx context.Context, mux http.Handler) (func(), error) {
	servers := flagServerURLs
	if len(servers) == 0 && os.Getenv("RELAY") != "" {
		servers = strings.Split(os.Getenv("RELAY"), ",")
	}
	if len(servers) == 0 {
		return nil, nil
	}

	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred, err = cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("new credential from private key: %w", err)
		}
	}

	client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = servers })
	if err != nil {
		return nil, fmt.Errorf("new relay client: %w", err)
	}
	ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay listen: %w", err)
	}
	log.Info().Strs("servers", servers).Str("name", flagName).Msg("exposed through relay")
	go func() {
		if err := http.Serve(ln, mux); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
			log.Error().Err(err).Msg("relay http error")
		}
	}()
	return func() {
		_ = ln.Close()
		_ = client.Close()
	}, nil
}
