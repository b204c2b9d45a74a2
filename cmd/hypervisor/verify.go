package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
)

// VerifyReport is the outcome of `hypervisor verify`.
type VerifyReport struct {
	SessionID     string   `json:"session_id"`
	CommittedRoot string   `json:"committed_root"`
	ComputedRoot  string   `json:"computed_root"`
	ClaimedRoot   string   `json:"claimed_root,omitempty"`
	DeltaCount    int      `json:"delta_count"`
	Pass          bool     `json:"pass"`
	Failures      []string `json:"failures,omitempty"`
}

func (a *app) verifyCmd() *cobra.Command {
	var (
		sessionID  string
		root       string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a session's committed Merkle root against its archived delta chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			rec, err := st.Get(ctx, sessionID)
			if err != nil {
				return err
			}
			deltas, err := st.LoadDeltas(ctx, sessionID)
			if err != nil {
				return err
			}

			report := VerifyReport{
				SessionID:     sessionID,
				CommittedRoot: rec.MerkleRoot,
				ComputedRoot:  audit.MerkleRootOf(deltas),
				ClaimedRoot:   root,
				DeltaCount:    len(deltas),
			}
			if !audit.VerifyRecordHash(rec) {
				report.Failures = append(report.Failures, "commitment record hash does not match its contents")
			}
			if err := audit.VerifyDeltas(deltas); err != nil {
				report.Failures = append(report.Failures, err.Error())
			}
			if rec.DeltaCount != len(deltas) {
				report.Failures = append(report.Failures,
					fmt.Sprintf("commitment covers %d deltas, archive holds %d", rec.DeltaCount, len(deltas)))
			}
			if report.ComputedRoot != rec.MerkleRoot {
				report.Failures = append(report.Failures, "archived delta chain does not reproduce the committed root")
			}
			if root != "" && root != rec.MerkleRoot {
				report.Failures = append(report.Failures, "claimed root differs from the committed root")
			}
			report.Pass = len(report.Failures) == 0

			if jsonOutput {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				status := "PASS"
				if !report.Pass {
					status = "FAIL"
				}
				_, _ = fmt.Fprintf(a.stdout, "%s %s (%d deltas)\n", status, sessionID, report.DeltaCount)
				for _, f := range report.Failures {
					_, _ = fmt.Fprintf(a.stdout, "  - %s\n", f)
				}
			}
			if !report.Pass {
				return errMismatch
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (required)")
	cmd.Flags().StringVar(&root, "root", "", "Merkle root to check against the commitment")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
