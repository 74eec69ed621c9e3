package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go.weald.dev/reviver/internal/core"
	"go.weald.dev/reviver/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int
	var session string

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent child lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config-path")

			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}

			database, err := db.Open(cfg.Events.Database)
			if err != nil {
				return err
			}
			defer database.Close()

			var events []db.Event
			if session != "" {
				events, err = database.EventsForSession(session)
			} else {
				events, err = database.RecentEvents(limit)
			}
			if err != nil {
				return err
			}

			if len(events) == 0 {
				fmt.Println("No events recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSESSION\tEVENT\tDETAILS")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Session, e.EventType, e.Details)
			}
			return w.Flush()
		},
	}

	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events to show")
	eventsCmd.Flags().StringVar(&session, "session", "", "show all events for one proxy session")

	return eventsCmd
}
