package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/negotiation"
	"github.com/dsconnector/connector/node"
	"github.com/dsconnector/connector/node/config"
	"github.com/dsconnector/connector/store"
	"github.com/dsconnector/connector/transfer"
)

var queryFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "filter",
		Usage: "criterion as '<path> <op> <value>', e.g. 'counterPartyId = bob'; repeatable",
	},
	&cli.StringFlag{
		Name:  "state",
		Usage: "only list entities in this state",
	},
	&cli.StringFlag{
		Name:  "sort",
		Usage: "field path to sort by",
		Value: "stateTimestamp",
	},
	&cli.BoolFlag{
		Name:  "asc",
		Usage: "sort ascending",
	},
	&cli.IntFlag{
		Name:  "offset",
		Value: 0,
	},
	&cli.IntFlag{
		Name:  "limit",
		Value: 50,
	},
}

// querySpec builds the query from the list flags; state names the entity's
// state in its own enum.
func querySpec(cctx *cli.Context, state func(string) (int, error)) (store.QuerySpec, error) {
	spec := store.QuerySpec{
		SortField: cctx.String("sort"),
		SortOrder: store.SortDesc,
		Offset:    cctx.Int("offset"),
		Limit:     cctx.Int("limit"),
	}
	if cctx.Bool("asc") {
		spec.SortOrder = store.SortAsc
	}
	for _, f := range cctx.StringSlice("filter") {
		c, err := store.ParseCriterion(f)
		if err != nil {
			return spec, err
		}
		spec.Filter = append(spec.Filter, c)
	}
	if s := cctx.String("state"); s != "" {
		code, err := state(s)
		if err != nil {
			return spec, err
		}
		spec.Filter = append(spec.Filter, store.Equal("state", code))
	}
	return spec, nil
}

// withStores opens the configured stores for offline inspection. The memory
// backend starts empty, so there is nothing to look at.
func withStores(cctx *cli.Context, fn func(*node.Stores) error) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if cfg.Store.Backend == config.BackendMemory {
		return xerrors.New("the memory store backend keeps nothing between runs")
	}
	st, err := node.OpenStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(st)
}

var negotiationsCmd = &cli.Command{
	Name:  "negotiations",
	Usage: "Inspect contract negotiations",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List negotiations",
			Flags: queryFlags,
			Action: func(cctx *cli.Context) error {
				spec, err := querySpec(cctx, func(s string) (int, error) {
					st, err := negotiation.ParseState(s)
					return int(st), err
				})
				if err != nil {
					return err
				}
				return withStores(cctx, func(st *node.Stores) error {
					ns, err := st.Negotiations.Query(cctx.Context, spec)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cctx.App.Writer, 2, 4, 2, ' ', 0)
					_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tCOUNTER-PARTY\tAGREEMENT\tUPDATED")
					for _, n := range ns {
						agreement := "-"
						if n.ContractAgreement != nil {
							agreement = n.ContractAgreement.ID
						}
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
							n.ID, n.Type, colorNegotiationState(n), n.CounterPartyID, agreement, since(n.StateTimestamp))
					}
					return tw.Flush()
				})
			},
		},
		{
			Name:      "show",
			Usage:     "Show one negotiation",
			ArgsUsage: "<id>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 1 {
					return cli.ShowSubcommandHelp(cctx)
				}
				return withStores(cctx, func(st *node.Stores) error {
					n, err := st.Negotiations.FindByID(cctx.Context, cctx.Args().First())
					if err != nil {
						return err
					}
					if n == nil {
						return xerrors.Errorf("negotiation %s: %w", cctx.Args().First(), store.ErrNotFound)
					}
					printHeader(cctx.App.Writer, n.Base(), colorNegotiationState(n))
					return printJSON(cctx.App.Writer, n)
				})
			},
		},
		{
			Name:  "agreements",
			Usage: "List contract agreements",
			Flags: queryFlags[:1],
			Action: func(cctx *cli.Context) error {
				spec, err := querySpec(cctx, nil)
				if err != nil {
					return err
				}
				spec.SortField = "contractSigningDate"
				return withStores(cctx, func(st *node.Stores) error {
					as, err := st.Negotiations.QueryAgreements(cctx.Context, spec)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cctx.App.Writer, 2, 4, 2, ' ', 0)
					_, _ = fmt.Fprintln(tw, "ID\tASSET\tPROVIDER\tCONSUMER\tSIGNED")
					for _, a := range as {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
							a.ID, a.AssetID, a.ProviderID, a.ConsumerID, humanize.Time(time.Unix(a.ContractSigningDate, 0)))
					}
					return tw.Flush()
				})
			},
		},
	},
}

var transfersCmd = &cli.Command{
	Name:  "transfers",
	Usage: "Inspect transfer processes",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List transfers",
			Flags: queryFlags,
			Action: func(cctx *cli.Context) error {
				spec, err := querySpec(cctx, func(s string) (int, error) {
					st, err := transfer.ParseState(s)
					return int(st), err
				})
				if err != nil {
					return err
				}
				return withStores(cctx, func(st *node.Stores) error {
					tps, err := st.Transfers.Query(cctx.Context, spec)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cctx.App.Writer, 2, 4, 2, ' ', 0)
					_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tASSET\tCONTRACT\tRESOURCES\tUPDATED")
					for _, tp := range tps {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
							tp.ID, tp.Type, colorTransferState(tp), tp.AssetID, tp.ContractID, len(tp.ProvisionedResources), since(tp.StateTimestamp))
					}
					return tw.Flush()
				})
			},
		},
		{
			Name:      "show",
			Usage:     "Show one transfer",
			ArgsUsage: "<id>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 1 {
					return cli.ShowSubcommandHelp(cctx)
				}
				return withStores(cctx, func(st *node.Stores) error {
					tp, err := st.Transfers.FindByID(cctx.Context, cctx.Args().First())
					if err != nil {
						return err
					}
					if tp == nil {
						return xerrors.Errorf("transfer %s: %w", cctx.Args().First(), store.ErrNotFound)
					}
					printHeader(cctx.App.Writer, tp.Base(), colorTransferState(tp))
					return printJSON(cctx.App.Writer, tp)
				})
			},
		},
	},
}

func colorNegotiationState(n *negotiation.ContractNegotiation) string {
	s := n.CurrentState()
	switch {
	case s == negotiation.Finalized:
		return color.GreenString(s.String())
	case s == negotiation.Terminated || s == negotiation.Terminating:
		return color.RedString(s.String())
	case n.Pending:
		return color.CyanString(s.String())
	case n.StateCount > 1:
		return color.YellowString("%s (attempt %d)", s, n.StateCount)
	default:
		return s.String()
	}
}

func colorTransferState(tp *transfer.TransferProcess) string {
	s := tp.CurrentState()
	switch {
	case s == transfer.Completed || (s == transfer.Deprovisioned && tp.ErrorDetail == ""):
		return color.GreenString(s.String())
	case s == transfer.Terminated || s == transfer.Terminating || s == transfer.Deprovisioned:
		return color.RedString(s.String())
	case tp.Pending:
		return color.CyanString(s.String())
	case tp.StateCount > 1:
		return color.YellowString("%s (attempt %d)", s, tp.StateCount)
	default:
		return s.String()
	}
}

func since(millis int64) string {
	return humanize.Time(time.UnixMilli(millis))
}

func printHeader(w io.Writer, e *entity.StatefulEntity, state string) {
	_, _ = fmt.Fprintf(w, "%s  %s  entered %s, attempt %d\n", e.ID, state, since(e.StateTimestamp), e.StateCount)
	if e.ErrorDetail != "" {
		_, _ = fmt.Fprintf(w, "%s %s\n", color.RedString("error:"), e.ErrorDetail)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
