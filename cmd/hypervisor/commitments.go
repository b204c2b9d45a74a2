package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/store"
)

func (a *app) openStore(ctx context.Context) (*store.SQLCommitmentStore, error) {
	if a.cfg.Store.Driver == "" {
		return nil, fmt.Errorf("no commitment store configured: set store.driver and store.dsn")
	}
	return store.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
}

func (a *app) commitmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commitments",
		Short: "Inspect committed session roots",
	}

	var jsonOutput bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored commitment records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			recs, err := st.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if recs == nil {
					recs = []audit.CommitmentRecord{}
				}
				return enc.Encode(recs)
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SESSION\tMERKLE ROOT\tDELTAS\tPARTICIPANTS\tCOMMITTED\tANCHOR")
			for _, r := range recs {
				anchorID := r.AnchorID
				if anchorID == "" {
					anchorID = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.SessionID, shortRoot(r.MerkleRoot), r.DeltaCount,
					strings.Join(r.ParticipantDIDs, ","),
					r.CommittedAt.Format(time.RFC3339), anchorID)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&jsonOutput, "json", false, "Output records as JSON")

	cmd.AddCommand(list)
	return cmd
}

func shortRoot(root string) string {
	switch {
	case root == "":
		return "(empty)"
	case len(root) > 16:
		return root[:16]
	default:
		return root
	}
}
