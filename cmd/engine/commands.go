package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/voicebridge/campaign-engine/internal/campaign"
	"github.com/voicebridge/campaign-engine/internal/models"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func createCampaignCommands() *cobra.Command {
	campaignCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
		Long:  "Commands for creating and controlling outbound calling campaigns",
	}

	campaignCmd.AddCommand(
		createCampaignCreateCommand(),
		createCampaignListCommand(),
		createCampaignShowCommand(),
		createCampaignPauseCommand(),
		createCampaignResumeCommand(),
		createCampaignCancelCommand(),
		createCampaignImportCommand(),
	)

	return campaignCmd
}

func createCampaignCreateCommand() *cobra.Command {
	var (
		tenantID     string
		listID       string
		fromNumber   string
		providerHint string
		botEndpoint  string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create and start a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			c, err := store.Create(ctx, campaign.CreateParams{
				TenantID:     tenantID,
				Name:         args[0],
				ListID:       listID,
				FromNumber:   fromNumber,
				ProviderHint: models.Provider(providerHint),
				BotEndpoint:  botEndpoint,
			})
			if err != nil {
				return fmt.Errorf("failed to create campaign: %v", err)
			}

			fmt.Printf("%s Campaign '%s' created (%s, %d contacts)\n",
				green("✓"), args[0], c.ID, c.TotalContacts)
			fmt.Println("Start a worker with 'engine -serve' to drive it")
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant id")
	cmd.Flags().StringVarP(&listID, "list", "l", "", "Contact list id")
	cmd.Flags().StringVarP(&fromNumber, "from", "f", "", "Caller id number")
	cmd.Flags().StringVar(&providerHint, "provider", "", "Pin to one provider (plivo/twilio)")
	cmd.Flags().StringVar(&botEndpoint, "bot", "", "Voice bot readiness endpoint")

	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("list")
	cmd.MarkFlagRequired("from")

	return cmd
}

func createCampaignListCommand() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			campaigns, err := store.ListByTenant(ctx, tenantID, 0)
			if err != nil {
				return fmt.Errorf("failed to list campaigns: %v", err)
			}

			if len(campaigns) == 0 {
				fmt.Println("No campaigns found")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Name", "Status", "Progress", "Connected", "Failed", "Runner"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)

			for _, c := range campaigns {
				table.Append([]string{
					c.ID,
					c.Name,
					colorStatus(c.Status),
					fmt.Sprintf("%d/%d", c.CurrentIndex, c.TotalContacts),
					fmt.Sprintf("%d", c.ConnectedCount),
					fmt.Sprintf("%d", c.FailedCount),
					c.RunnerID,
				})
			}

			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant id")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func createCampaignShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <campaign-id>",
		Short: "Show campaign progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			p, err := store.Progress(ctx, args[0], appConfig.Engine.OrphanThreshold())
			if err != nil {
				return fmt.Errorf("failed to load campaign: %v", err)
			}

			fmt.Printf("%s %s\n", bold("Campaign:"), p.CampaignID)
			fmt.Printf("%s %s", bold("Status:"), colorStatus(p.Status))
			if p.StatusReason != "" {
				fmt.Printf(" (%s)", p.StatusReason)
			}
			fmt.Println()
			fmt.Printf("%s %d/%d (processed %d, connected %d, failed %d)\n",
				bold("Progress:"), p.CurrentIndex, p.Total, p.Processed, p.Connected, p.Failed)

			heartbeat := "never"
			if p.Heartbeat != nil {
				heartbeat = fmt.Sprintf("%s ago", time.Since(*p.Heartbeat).Round(time.Second))
			}
			fmt.Printf("%s %s (%s)\n", bold("Heartbeat:"), heartbeat, colorHealth(p.HeartbeatHealth))

			return nil
		},
	}
}

func createCampaignPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <campaign-id>",
		Short: "Pause a running campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			err := store.SetStatus(ctx, args[0], campaign.StatusChange{
				To:     models.CampaignStatusPaused,
				Reason: models.PauseReasonUser,
			})
			if err != nil {
				return fmt.Errorf("failed to pause campaign: %v", err)
			}

			fmt.Printf("%s Campaign paused\n", green("✓"))
			return nil
		},
	}
}

func createCampaignResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <campaign-id>",
		Short: "Resume a paused campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			err := store.SetStatus(ctx, args[0], campaign.StatusChange{
				To: models.CampaignStatusRunning,
			})
			if err != nil {
				return fmt.Errorf("failed to resume campaign: %v", err)
			}

			c, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s Campaign resumed, %d contacts remaining\n",
				green("✓"), c.TotalContacts-c.CurrentIndex)
			return nil
		},
	}
}

func createCampaignCancelCommand() *cobra.Command {
	var cancelledBy string

	cmd := &cobra.Command{
		Use:   "cancel <campaign-id>",
		Short: "Cancel a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			err := store.SetStatus(ctx, args[0], campaign.StatusChange{
				To:          models.CampaignStatusCancelled,
				CancelledBy: cancelledBy,
			})
			if err != nil {
				return fmt.Errorf("failed to cancel campaign: %v", err)
			}

			fmt.Printf("%s Campaign cancelled\n", green("✓"))
			return nil
		},
	}

	cmd.Flags().StringVar(&cancelledBy, "by", "cli", "Operator cancelling the campaign")

	return cmd
}

func createCampaignImportCommand() *cobra.Command {
	var listID string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a contact list from a file, one number per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open file: %v", err)
			}
			defer f.Close()

			var numbers []string
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				number := strings.TrimSpace(scanner.Text())
				if number == "" || strings.HasPrefix(number, "#") {
					continue
				}
				numbers = append(numbers, number)
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read file: %v", err)
			}

			if listID == "" {
				listID = uuid.NewString()
			}

			if err := store.ImportContacts(ctx, listID, numbers); err != nil {
				return fmt.Errorf("failed to import contacts: %v", err)
			}

			fmt.Printf("%s Imported %d contacts into list %s\n", green("✓"), len(numbers), listID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&listID, "list", "l", "", "List id (generated when omitted)")

	return cmd
}

func createCallsCommand() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Show active calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			calls, err := reg.ListActive(ctx, tenantID, 0)
			if err != nil {
				return fmt.Errorf("failed to list calls: %v", err)
			}

			if len(calls) == 0 {
				fmt.Println("No active calls")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Call ID", "Tenant", "To", "Provider", "State", "Since"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)

			for _, c := range calls {
				table.Append([]string{
					c.CallID,
					c.TenantID,
					c.ToNumber,
					string(c.Provider),
					colorCallState(c.State),
					time.Since(c.StateSince).Round(time.Second).String(),
				})
			}

			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Filter by tenant")

	return cmd
}

func createBalanceCommands() *cobra.Command {
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Manage tenant balances",
	}

	showCmd := &cobra.Command{
		Use:   "show <tenant-id>",
		Short: "Show a tenant balance and recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			b, err := ledger.Balance(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to read balance: %v", err)
			}

			balanceStr := green(fmt.Sprintf("%d credits", b.AvailableBalance))
			if b.AvailableBalance <= 0 {
				balanceStr = red(fmt.Sprintf("%d credits", b.AvailableBalance))
			}
			fmt.Printf("%s %s\n\n", bold("Balance:"), balanceStr)

			entries, err := ledger.Entries(ctx, args[0], 20)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"When", "Kind", "Credits", "After", "Seconds", "Ref"})
			table.SetBorder(false)

			for _, e := range entries {
				ref := e.CallID
				if e.Kind == models.BillingKindCampaign {
					ref = e.CampaignID
				}
				table.Append([]string{
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					string(e.Kind),
					fmt.Sprintf("%d", e.Credits),
					fmt.Sprintf("%d", e.BalanceAfter),
					fmt.Sprintf("%d", e.DurationSeconds),
					ref,
				})
			}

			table.Render()
			return nil
		},
	}

	var amount int64
	creditCmd := &cobra.Command{
		Use:   "credit <tenant-id>",
		Short: "Top up a tenant balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			after, err := ledger.Credit(ctx, args[0], amount)
			if err != nil {
				return fmt.Errorf("failed to credit balance: %v", err)
			}

			fmt.Printf("%s Balance is now %d credits\n", green("✓"), after)
			return nil
		},
	}
	creditCmd.Flags().Int64VarP(&amount, "amount", "a", 0, "Credits to add")
	creditCmd.MarkFlagRequired("amount")

	balanceCmd.AddCommand(showCmd, creditCmd)
	return balanceCmd
}

func createCredentialCommands() *cobra.Command {
	credCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage tenant provider credentials",
	}

	var (
		tenantID  string
		accountID string
		authToken string
	)

	setCmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a tenant credential override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			err := creds.Upsert(ctx, &models.ProviderCredentials{
				TenantID:  tenantID,
				Provider:  models.Provider(args[0]),
				AccountID: accountID,
				AuthToken: authToken,
			})
			if err != nil {
				return fmt.Errorf("failed to store credentials: %v", err)
			}

			fmt.Printf("%s Credentials stored for %s/%s\n", green("✓"), tenantID, args[0])
			return nil
		},
	}
	setCmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant id")
	setCmd.Flags().StringVar(&accountID, "account", "", "Provider account id")
	setCmd.Flags().StringVar(&authToken, "token", "", "Provider auth token")
	setCmd.MarkFlagRequired("tenant")
	setCmd.MarkFlagRequired("account")
	setCmd.MarkFlagRequired("token")

	var delTenant string
	deleteCmd := &cobra.Command{
		Use:   "delete <provider>",
		Short: "Delete a tenant credential override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			if err := creds.Delete(ctx, delTenant, models.Provider(args[0])); err != nil {
				return fmt.Errorf("failed to delete credentials: %v", err)
			}

			fmt.Printf("%s Credentials deleted, falling back to system default\n", green("✓"))
			return nil
		},
	}
	deleteCmd.Flags().StringVarP(&delTenant, "tenant", "t", "", "Tenant id")
	deleteCmd.MarkFlagRequired("tenant")

	credCmd.AddCommand(setCmd, deleteCmd)
	return credCmd
}

func createMonitorCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live view of registry occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := initForCLI(ctx); err != nil {
				return err
			}

			for {
				snap, err := reg.Snapshot(ctx, "")
				if err != nil {
					return err
				}

				fmt.Print("\033[2J\033[H")
				fmt.Printf("%s %s\n\n", bold("Campaign Engine"), time.Now().Format("15:04:05"))
				fmt.Printf("Active calls: %s\n\n", blue(fmt.Sprintf("%d", snap.NonTerminal)))

				table := tablewriter.NewWriter(os.Stdout)
				table.SetHeader([]string{"State", "Count"})
				table.SetBorder(false)
				for _, state := range []models.CallState{
					models.CallStateInitiating, models.CallStateWarming,
					models.CallStateRinging, models.CallStateOngoing,
					models.CallStateCompleted, models.CallStateFailed,
					models.CallStateTimeout,
				} {
					table.Append([]string{colorCallState(state), fmt.Sprintf("%d", snap.ByState[state])})
				}
				table.Render()

				time.Sleep(interval)
			}
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Refresh interval")

	return cmd
}

func colorStatus(s models.CampaignStatus) string {
	switch s {
	case models.CampaignStatusRunning:
		return green(string(s))
	case models.CampaignStatusPaused:
		return yellow(string(s))
	case models.CampaignStatusCompleted:
		return blue(string(s))
	default:
		return red(string(s))
	}
}

func colorHealth(h models.HeartbeatHealth) string {
	switch h {
	case models.HeartbeatHealthy:
		return green(string(h))
	case models.HeartbeatStale:
		return yellow(string(h))
	default:
		return red(string(h))
	}
}

func colorCallState(s models.CallState) string {
	switch s {
	case models.CallStateOngoing:
		return green(string(s))
	case models.CallStateRinging, models.CallStateWarming, models.CallStateInitiating:
		return yellow(string(s))
	case models.CallStateCompleted:
		return blue(string(s))
	default:
		return red(string(s))
	}
}
