package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/canopyhq/canopy/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	apiURL   string
	cfgFile  string
	token    string
	adminKey string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Canopy custom domains CLI",
	Long: `canopy is the command-line interface for the Canopy domain service.

It lets you connect custom domains to your storefront, check verification
progress, and inspect how hostnames route to published sites.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.canopy")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if apiURL == "" {
			apiURL = viper.GetString("api_url")
		}
		if apiURL == "" {
			apiURL = "https://api.canopy.site"
		}
		if token == "" {
			token = viper.GetString("token")
		}
		if adminKey == "" {
			adminKey = viper.GetString("admin_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.canopy/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Canopy API URL (default https://api.canopy.site)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "tenant session token")
	rootCmd.PersistentFlags().StringVar(&adminKey, "admin-key", "", "platform operator key")

	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(webhooksCmd)
	rootCmd.AddCommand(versionCmd)

	domainsCmd.AddCommand(domainsAddCmd)
	domainsCmd.AddCommand(domainsListCmd)
	domainsCmd.AddCommand(domainsStatusCmd)
	domainsCmd.AddCommand(domainsVerifyCmd)
	domainsCmd.AddCommand(domainsInstructionsCmd)
	domainsCmd.AddCommand(domainsRemoveCmd)

	webhooksCmd.AddCommand(webhooksAddCmd)
	webhooksCmd.AddCommand(webhooksListCmd)
	webhooksCmd.AddCommand(webhooksRemoveCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if adminKey != "" {
		opts = append(opts, client.WithAdminKey(adminKey))
	}
	return client.New(apiURL, opts...)
}

// ── domains ──────────────────────────────────────────────────────────────────

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Manage custom domains",
}

var addTenantID string

var domainsAddCmd = &cobra.Command{
	Use:   "add <hostname>",
	Short: "Claim a custom domain and print the DNS records to create",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().RegisterDomain(context.Background(), addTenantID, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Domain %s claimed (status: %s).\n\n", d.Hostname, d.Status)
		fmt.Println("Create these DNS records at your provider:")
		printRecords(d.DNSRecords)
		fmt.Println("\nVerification runs automatically; check progress with:")
		fmt.Printf("  canopy domains status %s\n", d.ID)
		return nil
	},
}

func init() {
	domainsAddCmd.Flags().StringVar(&addTenantID, "tenant", "", "tenant to claim for (admin key only)")
	domainsListCmd.Flags().StringVar(&listTenantID, "tenant", "", "tenant to list (admin key only)")
}

var listTenantID string

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your custom domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		domains, err := newClient().ListDomains(context.Background(), listTenantID)
		if err != nil {
			return err
		}
		if len(domains) == 0 {
			fmt.Println("no custom domains")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOSTNAME\tSTATUS\tCERT\tRETRIES\tREASON")
		for _, d := range domains {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				d.ID, d.Hostname, d.Status, d.CertificateStatus, d.RetryCount, d.FailureReason)
		}
		return w.Flush()
	},
}

var statusFormat string

var domainsStatusCmd = &cobra.Command{
	Use:   "status <domain-id>",
	Short: "Show a domain's provisioning status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().GetDomain(context.Background(), args[0])
		if err != nil {
			return err
		}

		if statusFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}

		fmt.Printf("Hostname:    %s\n", d.Hostname)
		fmt.Printf("Status:      %s\n", d.Status)
		fmt.Printf("Certificate: %s\n", d.CertificateStatus)
		if d.FailureReason != "" {
			fmt.Printf("Reason:      %s\n", d.FailureReason)
		}
		if d.RetryCount > 0 {
			fmt.Printf("Retries:     %d\n", d.RetryCount)
		}
		if d.NextRetryAt != nil {
			fmt.Printf("Next check:  %s\n", d.NextRetryAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	domainsStatusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text or json")
}

var domainsVerifyCmd = &cobra.Command{
	Use:   "verify <domain-id>",
	Short: "Request an immediate verification attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().RequestVerification(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Verification requested for %s (status: %s).\n", d.Hostname, d.Status)
		fmt.Println("Verification runs in the background; re-run status to see the result.")
		return nil
	},
}

var domainsInstructionsCmd = &cobra.Command{
	Use:   "instructions <domain-id>",
	Short: "Print the DNS records to create for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := newClient().Instructions(context.Background(), args[0])
		if err != nil {
			return err
		}
		printRecords(records)
		return nil
	},
}

var domainsRemoveCmd = &cobra.Command{
	Use:   "rm <domain-id>",
	Short: "Disconnect and remove a custom domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RemoveDomain(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("domain removed")
		return nil
	},
}

func printRecords(records []client.DNSRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tHOST\tVALUE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Kind, r.Name, r.Value)
	}
	w.Flush() //nolint:errcheck
}

// ── resolve ──────────────────────────────────────────────────────────────────

var resolveCmd = &cobra.Command{
	Use:   "resolve <hostname>",
	Short: "Resolve a hostname to the tenant site that serves it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		route, err := newClient().Resolve(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Host:   %s\n", route.Host)
		fmt.Printf("Tenant: %s\n", route.TenantID)
		fmt.Printf("Site:   %s\n", route.SiteID)
		return nil
	},
}

// ── webhooks ─────────────────────────────────────────────────────────────────

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage webhook subscriptions for domain events",
}

var webhookEvents string

var webhooksAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe a URL to domain lifecycle events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events := strings.Split(webhookEvents, ",")
		for i := range events {
			events[i] = strings.TrimSpace(events[i])
		}

		sub, secret, err := newClient().Subscribe(context.Background(), args[0], events)
		if err != nil {
			return err
		}
		fmt.Printf("Subscription %s created.\n\n", sub.ID)
		fmt.Printf("Signing secret (shown once, store it now):\n  %s\n", secret)
		return nil
	},
}

func init() {
	webhooksAddCmd.Flags().StringVar(&webhookEvents, "events",
		"domain.active,domain.reconnecting,domain.dns_failed,domain.connect_failed,domain.removed",
		"comma-separated event types")
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		subs, err := newClient().ListSubscriptions(context.Background())
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			fmt.Println("no subscriptions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tEVENTS")
		for _, s := range subs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.URL, strings.Join(s.Events, ","))
		}
		return w.Flush()
	},
}

var webhooksRemoveCmd = &cobra.Command{
	Use:   "rm <subscription-id>",
	Short: "Delete a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Unsubscribe(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("subscription deleted")
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("canopy %s\n", version)
	},
}
