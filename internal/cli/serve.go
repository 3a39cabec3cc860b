package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/app"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nolan daemon",
	Long: `Run the daemon in the foreground: recover runs orphaned by a previous
instance, register cron schedules and serve the HTTP API, the /events
websocket stream and /metrics until interrupted.

Runs keep going in their sessions when the daemon stops; the next
'nolan serve' picks them up again.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (default from config.yaml, 127.0.0.1:7420)")
	serveCmd.Flags().Bool("mdns", false, "Advertise the API on the local network via mDNS")
	serveCmd.Flags().Bool("qr", false, "Print a QR code of the event stream URL")
	serveCmd.Flags().String("backend", "", "Session backend: tmux or pty (default from config.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	home := config.Home()
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", home, err)
	}
	// The daemon always logs, with or without --debug.
	logPath, err := debug.Init(logsDir())
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}

	s, err := config.LoadSettings(home)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		s.Listen = listen
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		s.SessionBackend = backend
		if err := s.Validate(); err != nil {
			return err
		}
	}
	advertise, _ := cmd.Flags().GetBool("mdns")
	showQR, _ := cmd.Flags().GetBool("qr")

	a, err := app.New(home, s, app.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	return a.Serve(ctx, app.Options{
		Advertise: advertise,
		OnListen: func(addr string) {
			url := "http://" + addr
			fmt.Fprintf(out, "%s listening on %s\n", styled(titleStyle, "nolan"), styled(okStyle, url))
			printField(out, "Home", home)
			printField(out, "Backend", s.SessionBackend)
			printField(out, "Events", "ws://"+addr+"/events")
			printField(out, "Log", logPath)
			if advertise || s.MDNS {
				printField(out, "mDNS", app.MDNSServiceType)
			}
			if showQR {
				if err := printQRCode(out, url); err != nil {
					fmt.Fprintln(os.Stderr, styled(warnStyle, "qr: "+err.Error()))
				}
			}
			fmt.Fprintln(out, styled(dimStyle, "Press Ctrl+C to stop."))
		},
	})
}

func printQRCode(w io.Writer, url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, code.ToString(false))
	return err
}
