package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kxc663/translation-client/internal/notify"
	"github.com/kxc663/translation-client/internal/poll"
)

type pollFlags struct {
	endpoint string
	timeout  time.Duration
	json     bool
}

func newPollCmd() *cobra.Command {
	var flags pollFlags
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll a translation job until it finishes",
		Long: `Starts one polling epoch against the configured status endpoint and
prints every status as it arrives. Ctrl-C cancels the epoch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoll(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "status endpoint (overrides client.endpoint)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "overall polling timeout (overrides client.timeout)")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print events as JSON lines")
	return cmd
}

func runPoll(cmd *cobra.Command, flags pollFlags) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()
	clientCfg := app.Config.Client
	if flags.endpoint != "" {
		clientCfg.Endpoint = flags.endpoint
	}
	if flags.timeout > 0 {
		clientCfg.Timeout = flags.timeout
	}

	client, err := poll.New(clientOptions(clientCfg, app.Logger.Named("poll")))
	if err != nil {
		return fmt.Errorf("create poll client: %w", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	session, err := client.Start(ctx, printer(out, flags.json))
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}

	err = session.Wait(context.Background())
	switch {
	case err == nil:
		fmt.Fprintln(out, "Translation completed!")
		return nil
	case errors.Is(err, poll.ErrCancelled):
		fmt.Fprintln(out, "Translation polling cancelled.")
		return nil
	default:
		return err
	}
}

func printer(out io.Writer, asJSON bool) notify.Subscriber[poll.Event] {
	enc := json.NewEncoder(out)
	return notify.Subscriber[poll.Event]{
		OnNext: func(ev poll.Event) {
			if asJSON {
				_ = enc.Encode(ev)
				return
			}
			fmt.Fprintf(out, "[%s] attempt %d: %s\n", ev.At.Format(time.TimeOnly), ev.Attempt, ev)
		},
	}
}
