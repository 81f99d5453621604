package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
)

func newCPACmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cpa",
		Short: "Inspect partner agreement documents",
	}
	cmd.AddCommand(newCPAValidateCmd(opts), newCPAListCmd(opts))
	return cmd
}

// patterns returns the documents named on the command line, falling back
// to cpa.files from the configuration.
func (o *rootOptions) patterns(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(o.cfg.CPA.Files) > 0 {
		return o.cfg.CPA.Files, nil
	}
	return nil, errors.New("no agreement documents given and cpa.files is not configured")
}

func newCPAValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file|glob]...",
		Short: "Check partner agreement documents for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, err := opts.patterns(args)
			if err != nil {
				return err
			}
			files, err := cpa.ResolveFiles(patterns)
			if err != nil {
				return err
			}

			seen := make(map[string]string)
			failures := 0
			for _, file := range files {
				data, err := os.ReadFile(file)
				if err != nil {
					printf(cmd, "FAIL %s: %v\n", file, err)
					failures++
					continue
				}
				var agreements []*cpa.PartnerAgreement
				if err := json.Unmarshal(data, &agreements); err != nil {
					printf(cmd, "FAIL %s: %v\n", file, err)
					failures++
					continue
				}
				for i, a := range agreements {
					if a == nil {
						continue
					}
					if err := a.Validate(); err != nil {
						printf(cmd, "FAIL %s[%d] %s: %v\n", file, i, a.CPAID, err)
						failures++
						continue
					}
					if first, dup := seen[a.CPAID]; dup {
						printf(cmd, "FAIL %s[%d] %s: duplicate of agreement in %s\n", file, i, a.CPAID, first)
						failures++
						continue
					}
					seen[a.CPAID] = file
					printf(cmd, "ok   %s[%d] %s\n", file, i, a.CPAID)
				}
			}

			if failures > 0 {
				return fmt.Errorf("%d problem(s) found", failures)
			}
			printf(cmd, "%d agreement(s) valid\n", len(seen))
			return nil
		},
	}
}

func newCPAListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list [file|glob]...",
		Short: "List the agreements the gateway would load",
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, err := opts.patterns(args)
			if err != nil {
				return err
			}
			repo := cpa.NewRepository(patterns, opts.logger)
			if err := repo.Load(); err != nil {
				return err
			}
			agreements := repo.All()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(agreements)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CPA ID\tACTIVE\tINITIATOR\tRESPONDER\tREPLY\tENDPOINT")
			for _, a := range agreements {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\n",
					a.CPAID, a.Active, a.Initiator.PartyID, a.Responder.PartyID,
					a.ReplyPattern(), a.TransportReceiverEndpoint)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output agreements as JSON")
	return cmd
}
