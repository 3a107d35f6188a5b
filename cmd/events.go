package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/classbook/internal/display"
	"github.com/example/classbook/internal/event"
)

func newEventsCmd(flags *rootFlags) *cobra.Command {
	var (
		asJSON bool
		day    string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the facility's events for a day and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if _, err := configureLogging(cfg, ""); err != nil {
				return err
			}

			loc := cfg.Location()
			when := time.Now().In(loc)
			if day != "" {
				if when, err = time.ParseInLocation(time.DateOnly, day, loc); err != nil {
					return err
				}
			}

			events, err := newFacilityClient(cfg).FetchEvents(cmd.Context(), when)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(event.Sorted(events))
			}
			console := display.NewConsole(out, cfg.FacilityID+" · "+when.Format(time.DateOnly))
			console.Loc = loc
			_, err = out.Write([]byte(console.Frame(events, 0, 0)))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&day, "day", "", "day to list (YYYY-MM-DD, default today)")
	return cmd
}
