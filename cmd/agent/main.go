package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"desklink/internal/agent"
	"desklink/internal/bridge"
	"desklink/internal/devicecfg"
	"desklink/internal/localapi"
	"desklink/internal/pairing"
)

const dialTimeout = 15 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath   string
		listenAddr   string
		serverURL    string
		bridgeSocket string
		stunURLs     []string
	)

	cmd := &cobra.Command{
		Use:          "desklink-agent",
		Short:        "Pair this machine with a DeskLink account and accept remote sessions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Default()
			gin.SetMode(gin.ReleaseMode)

			store, err := devicecfg.Open(configPath, logger)
			if err != nil {
				return err
			}
			if serverURL != "" && serverURL != store.Get().ServerURL {
				if _, err := store.Update(func(c *devicecfg.Config) { c.ServerURL = serverURL }); err != nil {
					return err
				}
			}
			logger.Printf("agent: device id %s, server %s, config %s", store.Get().DeviceID, store.Get().ServerURL, store.Path())

			var ice []webrtc.ICEServer
			if len(stunURLs) > 0 {
				ice = append(ice, webrtc.ICEServer{URLs: stunURLs})
			}

			queue := pairing.New(store, pairing.NewHTTPRedeemer(), pairing.WithLogger(logger))
			executor := bridge.NewClient(bridgeSocket)
			defer executor.Close()

			ag := agent.New(store, executor,
				agent.WithLogger(logger),
				agent.WithICEServers(ice),
				agent.WithDialer(&websocket.Dialer{
					Proxy:            http.ProxyFromEnvironment,
					HandshakeTimeout: dialTimeout,
				}),
			)
			srv := localapi.NewHTTPServer(listenAddr, localapi.NewRouter(localapi.Deps{
				Config:  store,
				Pairing: queue,
				Remote:  ag,
				Logger:  logger,
			}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logger.Printf("local api: listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return ag.Run(ctx, queue.Events())
			})

			err = g.Wait()

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if cerr := queue.Close(closeCtx); cerr != nil {
				logger.Printf("pairing: close: %v", cerr)
			}
			logger.Printf("shutdown complete")
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", devicecfg.DefaultPath(), "path to the agent config file")
	cmd.Flags().StringVar(&listenAddr, "listen", localapi.DefaultAddr, "loopback address for the local API")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "coordinator base URL (saved to the config file)")
	cmd.Flags().StringVar(&bridgeSocket, "bridge-socket", bridge.DefaultSocketPath(), "unix socket of the executor")
	cmd.Flags().StringSliceVar(&stunURLs, "stun", nil, "STUN server URLs for the WebRTC answerer")

	return cmd
}
