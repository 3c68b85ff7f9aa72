package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"answercore/internal/app"
	"answercore/internal/events"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Inspect and test webhook subscriptions",
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered webhooks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		hooks, err := a.Store.ListWebhooks(cmd.Context(), false)
		if err != nil {
			return err
		}
		if len(hooks) == 0 {
			fmt.Println("no webhooks registered")
			return nil
		}
		for _, h := range hooks {
			state := "active"
			if !h.Active {
				state = "inactive"
			}
			eventList := "*"
			if len(h.Events) > 0 {
				eventList = strings.Join(h.Events, ",")
			}
			fmt.Printf("%s  %-8s %-20s %s  [%s]\n", h.ID, state, h.Name, h.URL, eventList)
		}
		return nil
	},
}

var webhookTestCmd = &cobra.Command{
	Use:   "test <webhook-id>",
	Short: "Send a signed ping event to a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		row, err := a.Dispatcher.Deliver(cmd.Context(), args[0], events.New("webhook.ping", map[string]any{
			"message": "answerd webhook connectivity test",
			"sent_at": time.Now().UTC().Format(time.RFC3339),
		}))
		if err != nil {
			return err
		}
		fmt.Printf("delivery %s: %s (HTTP %d, %dms)\n",
			row.ID, row.Status, row.HTTPStatus, row.ResponseTimeMS)
		if row.ErrorMessage != "" {
			fmt.Println("error:", row.ErrorMessage)
		}
		return nil
	},
}

func init() {
	webhookCmd.AddCommand(webhookListCmd, webhookTestCmd)
	rootCmd.AddCommand(webhookCmd)
}
