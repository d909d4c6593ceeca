package main

import (
	"errors"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/remrin/locket/internal/browser"
)

var openCmd = &cobra.Command{
	Use:   "open <site>",
	Short: "Open a supported companion site in the running browser",
	Long: `Opens a new tab on a supported site (claude, chatgpt, gemini) in the
browser that a running "locket run" is attached to. Requires
browser.debugger_url (or REMRIN_DEBUGGER_URL) so the tab lands in that
browser; without a running session, use "locket run --open <site>".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Browser.DebuggerURL == "" {
			return errors.New("browser.debugger_url is not set; start with `locket run --open " + args[0] + "` instead")
		}
		mgr := browser.NewManager(cfg.Browser, nil, nil, logger)
		if err := mgr.Start(cmd.Context()); err != nil {
			return err
		}
		defer mgr.Shutdown()
		if err := mgr.Open(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Opened %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
}
