package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/pqs/pqs"
	"github.com/TheusHen/pqs/pqs/session"
)

// send <peer> <message>: open a session and send one message.
func sendCmd() *cobra.Command {
	var (
		addr    string
		blobHex string
		timeout time.Duration
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Open a session to a configured peer and send a message",
		Long: "Open a session to a configured peer and send a message.\n" +
			"<peer> names a [[Peers]] entry; --addr and --blob override it.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var blob []byte
			if pc, ok := cfg.Peer(args[0]); ok {
				blob = pc.Blob()
				if addr == "" {
					addr = pc.Address
				}
			}
			if blobHex != "" {
				b, err := hex.DecodeString(blobHex)
				if err != nil {
					return fmt.Errorf("--blob: %w", err)
				}
				blob = b
			}
			if addr == "" || blob == nil {
				return fmt.Errorf("unknown peer %q and no --addr/--blob given", args[0])
			}

			kp, err := loadIdentity()
			if err != nil {
				return err
			}
			replies := make(chan string, 1)
			p, err := pqs.NewPeer(kp, pqs.Options{
				Session: cfg.SessionConfig(cfg.Logger()),
				PSK:     cfg.PSK(),
				Handler: func(_ *session.Session, data []byte) {
					select {
					case replies <- string(data):
					default:
					}
				},
			})
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			s, err := p.Dial(ctx, addr, blob)
			if err != nil {
				return err
			}
			if err := p.Send(s, []byte(args[1])); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "sent")

			if wait > 0 {
				select {
				case r := <-replies:
					fmt.Fprintf(out, "reply: %s\n", r)
				case <-time.After(wait):
					fmt.Fprintln(out, "no reply")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "remote address host:port")
	cmd.Flags().StringVar(&blobHex, "blob", "", "remote static public blob in hex")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "handshake timeout")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for a reply")
	return cmd
}
