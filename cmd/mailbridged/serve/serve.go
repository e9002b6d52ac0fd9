/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailbridge/cmd/mailbridged/common"
	"stash.kopano.io/kgol/mailbridge/internal/ipc"
	"stash.kopano.io/kgol/mailbridge/server"
	"stash.kopano.io/kgol/mailbridge/server/webhook"
)

// Default param values used by the serving commands.
var (
	DefaultWebhookPort       = 8000
	DefaultWebhookPrefix     = webhook.DefaultPrefix
	DefaultReadyFd           = 0
	DefaultSystemdNotify     = false
	DefaultStatePath         = os.Getenv("MAILBRIDGED_DEFAULT_STATE_PATH")
	DefaultDumpPath          = os.TempDir()
	DefaultWithMetrics       = false
	DefaultMetricsListenAddr = "127.0.0.1:6778"
	DefaultWithPprof         = false
	DefaultPprofListenAddr   = "127.0.0.1:6060"
)

func init() {
	envDefaultMetricsListenAddr := os.Getenv("MAILBRIDGED_DEFAULT_METRICS_LISTEN")
	if envDefaultMetricsListenAddr != "" {
		DefaultMetricsListenAddr = envDefaultMetricsListenAddr
	}

	if DefaultStatePath == "" {
		DefaultStatePath, _ = os.Getwd()
	}
}

type mode struct {
	lmtp    bool
	webhook bool
	sync    bool
}

func (m mode) names() []string {
	var names []string
	if m.lmtp {
		names = append(names, "lmtp")
	}
	if m.webhook {
		names = append(names, "webhook")
	}
	return names
}

// CommandLMTP returns the command serving LMTP only.
func CommandLMTP() *cobra.Command {
	lmtpCmd := &cobra.Command{
		Use:   "lmtp [...args]",
		Short: "Serve LMTP on the configured socket and relay mail to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, args, mode{lmtp: true})
		},
	}

	addServeFlags(lmtpCmd, false)

	return lmtpCmd
}

// CommandWebhook returns the command serving the routing table webhook only.
func CommandWebhook() *cobra.Command {
	webhookCmd := &cobra.Command{
		Use:   "webhook [...args]",
		Short: "Serve the webhook which replaces the routing tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, args, mode{webhook: true})
		},
	}

	addServeFlags(webhookCmd, true)

	return webhookCmd
}

// CommandDaemon returns the command refreshing both routing tables and then
// serving LMTP and the webhook.
func CommandDaemon() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon [...args]",
		Short: "Refresh routing tables, then serve LMTP and the webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, args, mode{lmtp: true, webhook: true, sync: true})
		},
	}

	addServeFlags(daemonCmd, true)

	return daemonCmd
}

func addServeFlags(cmd *cobra.Command, withWebhook bool) {
	if withWebhook {
		cmd.Flags().IntVarP(&DefaultWebhookPort, "port", "n", DefaultWebhookPort, "TCP port to serve the webhook on")
		cmd.Flags().StringVarP(&DefaultWebhookPrefix, "prefix", "p", DefaultWebhookPrefix, "URL path of the webhook")
	}
	cmd.Flags().IntVarP(&DefaultReadyFd, "ready-fd", "r", DefaultReadyFd, "File descriptor to write a newline to when ready (s6 readiness)")
	cmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	cmd.Flags().StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to state directory, identifies the shared status")
	cmd.Flags().StringVar(&DefaultDumpPath, "dump-dir", DefaultDumpPath, "Directory for interrupted LMTP message data dumps (with --debug)")
	cmd.Flags().BoolVar(&DefaultWithMetrics, "with-metrics", DefaultWithMetrics, "Enable metrics")
	cmd.Flags().StringVar(&DefaultMetricsListenAddr, "metrics-listen", DefaultMetricsListenAddr, "TCP listen address for metrics")
	cmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	cmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")
}

func serve(cmd *cobra.Command, args []string, m mode) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
	}()

	err := bs.configure(ctx, cmd, args, m)
	if err != nil {
		return common.StartupError(err)
	}

	return bs.srv.Serve(ctx)
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	srv *server.Server
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string, m mode) error {
	logger, mailConfig, err := common.Bootstrap(cmd)
	if err != nil {
		return err
	}
	bs.logger = logger

	logger.Debugln("serve start")

	if DefaultStatePath == "" {
		return fmt.Errorf("state-path must not be empty")
	}
	statePath, err := filepath.Abs(DefaultStatePath)
	if err != nil {
		return fmt.Errorf("state-path invalid: %w", err)
	}

	var withStatus bool

	cfg := &server.Config{
		Logger: logger,

		OnReady: func(srv *server.Server) {
			common.NotifyReady(logger, DefaultReadyFd, DefaultSystemdNotify)
		},
		OnStatus: func(srv *server.Server) {
			if !withStatus {
				withStatus = true
				bs.Add(1)
				go func() {
					defer bs.Done()
					<-ctx.Done()
					statusErr := clearStatus()
					if statusErr != nil {
						logger.WithError(statusErr).Errorln("failed to clear status")
					}
				}()
			}

			shareStatus(srv, m.names())
		},

		Mail: mailConfig,

		EnableLMTP:    m.lmtp,
		EnableWebhook: m.webhook,
		SyncOnStart:   m.sync,

		Debug:    common.DefaultDebug,
		DumpPath: DefaultDumpPath,
	}

	if m.webhook {
		if DefaultWebhookPort <= 0 || DefaultWebhookPort > 65535 {
			return fmt.Errorf("invalid port: %d", DefaultWebhookPort)
		}
		cfg.WebhookListenAddress = net.JoinHostPort("", strconv.Itoa(DefaultWebhookPort))
		cfg.WebhookPrefix = DefaultWebhookPrefix
	}

	if DefaultWithMetrics {
		if DefaultMetricsListenAddr == "" {
			return fmt.Errorf("metrics-listen must not be empty")
		}
		cfg.MetricsListenAddress = DefaultMetricsListenAddr
	}

	ipc.MustInitializeStatusSHM(statePath, "")

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			if listenErr := http.ListenAndServe(pprofListen, nil); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}
