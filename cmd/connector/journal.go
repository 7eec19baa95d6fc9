package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/journal/fsjournal"
)

var journalCmd = &cli.Command{
	Name:      "journal",
	Usage:     "Show journaled state machine events",
	ArgsUsage: "[entity id]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "system",
			Usage: "only show events of this system, e.g. negotiation",
		},
		&cli.StringFlag{
			Name:  "event",
			Usage: "only show events of this kind, e.g. exhausted",
		},
		&cli.IntFlag{
			Name:  "last",
			Usage: "show the last n matching events, 0 for all",
			Value: 100,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cfg.Journal.Path == "" {
			return xerrors.New("the journal is disabled in the config")
		}

		id, system, event := cctx.Args().First(), cctx.String("system"), cctx.String("event")
		entries, err := fsjournal.Read(cfg.Journal.Path, func(e fsjournal.Entry) bool {
			return (id == "" || e.EntityID() == id) &&
				(system == "" || e.System == system) &&
				(event == "" || e.Event == event)
		})
		if err != nil {
			return err
		}
		if n := cctx.Int("last"); n > 0 && len(entries) > n {
			entries = entries[len(entries)-n:]
		}

		tw := tabwriter.NewWriter(cctx.App.Writer, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "When\tEvent\tEntity\tDetail")
		for _, e := range entries {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				humanize.Time(e.Timestamp), colorEvent(e), e.EntityID(), entryDetail(e))
		}
		return tw.Flush()
	},
}

func colorEvent(e fsjournal.Entry) string {
	name := e.System + ":" + e.Event
	switch e.Event {
	case "exhausted", "fatal":
		return color.RedString(name)
	case "delayed":
		return color.YellowString(name)
	default:
		return name
	}
}

// entryDetail summarizes the data of transition and attempt events.
func entryDetail(e fsjournal.Entry) string {
	var parts []string
	if from, to := e.Get("From"), e.Get("To"); to.Exists() {
		parts = append(parts, from.String()+" -> "+to.String())
	}
	if d := e.Get("Description"); d.Exists() {
		parts = append(parts, d.String())
	}
	if c := e.Get("StateCount").Int(); c > 1 {
		parts = append(parts, fmt.Sprintf("attempt %d", c))
	}
	if err := e.Get("Error"); err.String() != "" {
		parts = append(parts, color.RedString(err.String()))
	}
	return strings.Join(parts, ", ")
}
