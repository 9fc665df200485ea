package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"shiftboard/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "shiftboard",
		Short:         "Scrape venue staff schedules and serve them over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler and HTTP API until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "scrape [venue-id...]",
			Short: "Run one scrape batch and print the result as JSON",
			RunE: func(cmd *cobra.Command, ids []string) error {
				return scrapeOnce(cmd.Context(), cfgPath, ids)
			},
		},
		&cobra.Command{
			Use:   "venues",
			Short: "List configured venues",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listVenues(cfgPath)
			},
		},
	)
	return root
}

func serve(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(parent); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	// Not running under systemd is fine; SdNotify is a no-op then.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	return a.Err()
}

func scrapeOnce(parent context.Context, cfgPath string, ids []string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	res, err := a.Scrape(ctx, ids)
	closeErr := a.Close()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if len(res.Succeeded) == 0 && len(res.Failed) > 0 {
		return errors.Join(errors.New("every venue failed"), closeErr)
	}
	return closeErr
}

func listVenues(cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHOURS\tURL")
	for _, v := range a.Venues() {
		fmt.Fprintf(tw, "%s\t%s\t%s-%s\t%s\n", v.ID, v.Name, v.OpenTime, v.CloseTime, v.URL)
	}
	return tw.Flush()
}
