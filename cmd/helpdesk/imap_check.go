package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/helpdesk/internal/email/inbound/adapter"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/connector"
)

var imapTestFolderFlag string

var imapTestCmd = &cobra.Command{
	Use:   "imap-test",
	Short: "Check the mailbox connection and count unread messages",
	Long: `Connects to the configured mailbox, logs in, selects the folder and
counts unseen messages without fetching or marking anything.`,
	RunE: runIMAPTest,
}

func init() {
	imapTestCmd.Flags().StringVar(&imapTestFolderFlag, "folder", "", "Mailbox folder to select (default: imap.folder)")
}

func runIMAPTest(cmd *cobra.Command, _ []string) error {
	out := newUI(cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if err := cfg.IMAP.Validate(); err != nil {
		return err
	}

	account := adapter.AccountFromConfig(cfg.IMAP, imapTestFolderFlag)
	out.Info("Connecting to %s:%d (%s) as %s...", account.Host, account.Port, account.Type, account.Username)

	transport, err := connector.NewMailboxFactory(logger, cfg.IMAP.DialTimeout).TransportFor(account)
	if err != nil {
		return err
	}
	return runWithTimeout(cmd.Context(), func(ctx context.Context) error {
		session, err := transport.Connect(ctx, account)
		if err != nil {
			return &exitError{code: 2, err: err}
		}
		defer session.Close()
		out.Success("Logged in and selected %s", account.Folder)

		uids, err := session.Unseen(ctx, 0)
		if err != nil {
			return &exitError{code: 2, err: err}
		}
		out.Success("%s unread message(s) waiting", yellow(len(uids)))
		return nil
	})
}
