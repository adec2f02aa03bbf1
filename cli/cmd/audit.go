package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/securevault/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
	Long:  `Inspect audit events recorded by vault operations. Audit logging must be enabled with a file logger.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long: `Query audit events of the selected namespace.

Examples:
  securevault audit query --action SECRET_GET --limit 20
  securevault audit query --success=false --since 2026-01-01T00:00:00Z
  securevault audit query --key api-token --details`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var (
	auditAction  string
	auditSuccess string
	auditKey     string
	auditSince   string
	auditUntil   string
	auditLimit   int
	auditOffset  int
	auditAll     bool
	auditDetails bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (e.g. SECRET_SET, SECRET_GET)")
	auditQueryCmd.Flags().StringVar(&auditSuccess, "success", "", "filter by outcome (true, false)")
	auditQueryCmd.Flags().StringVar(&auditKey, "key", "", "filter by entry key")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "only events at or after this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "only events at or before this RFC3339 time")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of events to skip")
	auditQueryCmd.Flags().BoolVar(&auditAll, "all-namespaces", false, "include events of every namespace")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "show request IDs and metadata")
	auditQueryCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildAuditQuery()
	if err != nil {
		return err
	}

	result, err := vaultManager.QueryAuditLogs(options)
	if err != nil {
		return err
	}

	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	printAuditTable(result)
	return nil
}

func buildAuditQuery() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Action: strings.ToUpper(auditAction),
		Key:    auditKey,
		Limit:  auditLimit,
		Offset: auditOffset,
	}
	if !auditAll {
		options.Namespace = viper.GetString("vault.namespace")
	}

	if auditSuccess != "" {
		switch strings.ToLower(auditSuccess) {
		case "true", "yes", "ok":
			v := true
			options.Success = &v
		case "false", "no", "failed":
			v := false
			options.Success = &v
		default:
			return options, fmt.Errorf("invalid --success value %q (true, false)", auditSuccess)
		}
	}

	var err error
	if options.Since, err = parseAuditTime("since", auditSince); err != nil {
		return options, err
	}
	if options.Until, err = parseAuditTime("until", auditUntil); err != nil {
		return options, err
	}
	if options.Since != nil && options.Until != nil && options.Until.Before(*options.Since) {
		return options, fmt.Errorf("--until must not be before --since")
	}
	if options.Limit < 0 || options.Offset < 0 {
		return options, fmt.Errorf("--limit and --offset must not be negative")
	}
	return options, nil
}

func parseAuditTime(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s time %q: expected RFC3339", flag, value)
	}
	return &t, nil
}

func printAuditTable(result audit.QueryResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		fmt.Fprintln(w, "TIMESTAMP\tNAMESPACE\tACTION\tSTATUS\tKEY\tDURATION\tREQUEST\tERROR")
	} else {
		fmt.Fprintln(w, "TIMESTAMP\tNAMESPACE\tACTION\tSTATUS\tKEY\tERROR")
	}

	for _, event := range result.Events {
		status := okColor.Sprint("ok")
		if !event.Success {
			status = errColor.Sprint("failed")
		}
		timestamp := event.Timestamp.Local().Format("2006-01-02 15:04:05")

		if auditDetails {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\t%s\n",
				timestamp, event.Namespace, event.Action, status, event.Key,
				event.Duration, event.RequestID, event.Error)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				timestamp, event.Namespace, event.Action, status, event.Key, event.Error)
		}
	}
	_ = w.Flush()

	if auditDetails {
		for _, event := range result.Events {
			if len(event.Metadata) == 0 {
				continue
			}
			fmt.Printf("\n%s %s\n", keyColor.Sprint(event.ID), event.Action)
			names := make([]string, 0, len(event.Metadata))
			for name := range event.Metadata {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s: %v\n", name, event.Metadata[name])
			}
		}
	}

	fmt.Printf("\nShowing %d of %d events", len(result.Events), result.TotalCount)
	if result.HasMore {
		fmt.Printf(" (use --offset %d for more)", auditOffset+len(result.Events))
	}
	fmt.Println()
}
