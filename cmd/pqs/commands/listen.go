package commands

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TheusHen/pqs/pqs"
	"github.com/TheusHen/pqs/pqs/session"
)

// listen: accept sessions and print what arrives.
func listenCmd() *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept sessions and print received messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadIdentity()
			if err != nil {
				return err
			}
			log := cfg.Logger()
			reg := prometheus.NewRegistry()
			out := cmd.OutOrStdout()

			var p *pqs.Peer
			handler := func(s *session.Session, data []byte) {
				from := "?"
				if rp, ok := s.AppData().(*pqs.RemotePeer); ok {
					from = rp.ID.Short()
				}
				fmt.Fprintf(out, "%s: %s\n", from, data)
				if echo {
					if err := p.Send(s, data); err != nil {
						log.WithFields(logrus.Fields{
							"function":   "listen",
							"session_id": s.ID().String(),
							"error":      err,
						}).Warn("Echo failed")
					}
				}
			}
			p, err = pqs.NewPeer(kp, pqs.Options{
				Session:    cfg.SessionConfig(log),
				PSK:        cfg.PSK(),
				Registerer: reg,
				Handler:    handler,
			})
			if err != nil {
				return err
			}
			defer p.Close()
			if err := p.Listen(cfg.Listen.Address); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Address != "" {
				srv := &http.Server{
					Addr:    cfg.Metrics.Address,
					Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.WithError(err).Error("Metrics server failed")
					}
				}()
				defer srv.Close()
			}

			log.WithFields(logrus.Fields{
				"function": "listen",
				"address":  p.ListenAddr(),
				"peer_id":  p.PeerID().String(),
			}).Info("Listening")
			err = p.Serve(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "send every message back to its sender")
	return cmd
}
