package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/helpdesk/internal/email/inbound/postmaster"
)

var (
	processLimitFlag  int
	processFolderFlag string
	processDryRunFlag bool
)

var processEmailsCmd = &cobra.Command{
	Use:   "process-emails",
	Short: "Turn unread support mail into tickets and comments",
	Long: `Reads unseen messages from the configured mailbox once. Replies that
reference an existing ticket become comments, everything else opens a new
ticket. Processed messages are marked seen.`,
	RunE: runProcessEmails,
}

func init() {
	processEmailsCmd.Flags().IntVar(&processLimitFlag, "limit", 0, "Maximum number of messages to process (0 = all)")
	processEmailsCmd.Flags().StringVar(&processFolderFlag, "folder", "", "Mailbox folder to read (default: imap.folder)")
	processEmailsCmd.Flags().BoolVar(&processDryRunFlag, "dry-run", false, "Report what would happen without writing or marking")
}

func runProcessEmails(cmd *cobra.Command, _ []string) error {
	out := newUI(cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.IMAP.Enabled {
		out.Warning("IMAP email processing is disabled (imap.enabled=false)")
		return nil
	}
	if err := cfg.IMAP.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, closer, err := a.postmaster(ctx, processFolderFlag)
	if err != nil {
		return err
	}
	defer closer.Close()

	if processDryRunFlag {
		out.Warning("[DRY-RUN] no tickets will be written and no messages marked")
	}
	out.Info("Processing incoming emails...")

	summary, err := svc.Run(ctx, postmaster.Options{
		Limit:  processLimitFlag,
		Folder: processFolderFlag,
		DryRun: processDryRunFlag,
	})
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("email processing failed: %w", err)}
	}
	printSummary(out, summary)
	return nil
}

func printSummary(out *ui, s postmaster.Summary) {
	if s.Total() == 0 {
		out.Info("No unread emails to process")
		return
	}
	out.Success("Processed %d email(s): %s created, %s updated, %d duplicate(s)",
		s.Total(), green(s.Created), green(s.Updated), s.Duplicates)
	if s.Errors > 0 {
		out.Warning("%s email(s) could not be processed and were left unread", red(s.Errors))
	}
}

// runWithTimeout bounds a diagnostic command.
func runWithTimeout(parent context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, shutdownGrace)
	defer cancel()
	return fn(ctx)
}
