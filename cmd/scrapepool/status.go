package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"scrapepool/pkg/credstore"
	"scrapepool/pkg/logger"
	"scrapepool/pkg/pool"
)

var statusJSON bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool status",
	Long: `Build the pool from the current configuration and stored
credentials, and print its identity, proxy and health state.`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the snapshot as JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	log := logger.GetLogger()

	scheduler, err := pool.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build pool: %v\n", err)
		os.Exit(1)
	}

	manager, err := credstore.NewManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize credential manager: %v\n", err)
		os.Exit(1)
	}
	creds, err := manager.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list credentials: %v\n", err)
		os.Exit(1)
	}
	for _, cred := range creds {
		if _, err := scheduler.AddIdentity(cred.Label, cred.Secret, pool.StateFresh); err != nil {
			log.WithError(err).WithField("identity_id", cred.Label).Warn("skipping identity")
		}
	}

	snap := scheduler.Snapshot()

	if statusJSON {
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Pool status at %s\n\n", snap.TakenAt.Format(time.RFC3339))

	if len(snap.Identities) == 0 {
		fmt.Println("No identities. Store credentials with 'scrapepool credential add'.")
	} else {
		fmt.Printf("%-24s %-14s %-8s %-10s %s\n", "IDENTITY", "STATE", "USED", "REMAINING", "PROXY")
		for _, ident := range snap.Identities {
			proxyID := ident.AssignedProxyID
			if proxyID == "" {
				proxyID = "-"
			}
			fmt.Printf("%-24s %-14s %-8d %-10d %s\n",
				ident.ID, ident.State, ident.RequestsThisWindow, ident.RemainingQuota, proxyID)
		}
	}

	fmt.Println()
	if len(snap.Proxies) == 0 {
		fmt.Println("No proxies configured; requests go direct.")
	} else {
		fmt.Printf("%-38s %-10s %-10s %s\n", "PROXY", "HEALTH", "FAILURES", "ENDPOINT")
		for _, p := range snap.Proxies {
			fmt.Printf("%-38s %-10s %-10d %s\n", p.ID, p.Health, p.ConsecutiveFailures, p.EndpointURI)
		}
	}
}
