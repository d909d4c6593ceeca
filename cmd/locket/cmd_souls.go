package main

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/remrin/locket/internal/soul"
)

var soulsCmd = &cobra.Command{
	Use:   "souls",
	Short: "List your souls",
	RunE:  runSouls,
}

var soulCmd = &cobra.Command{
	Use:   "soul",
	Short: "Manage the active soul",
}

var soulUseCmd = &cobra.Command{
	Use:   "use [id or name]",
	Short: "Activate a soul for all attached tabs",
	Args:  cobra.ExactArgs(1),
	RunE:  runSoulUse,
}

var soulOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Deactivate the active soul",
	RunE:  runSoulOff,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login, active soul, and recent interceptions",
	RunE:  runStatus,
}

func init() {
	soulCmd.AddCommand(soulUseCmd, soulOffCmd)
	rootCmd.AddCommand(soulsCmd, soulCmd, statusCmd)
}

// loadSouls returns the freshest soul list available: the backend when
// logged in, the local state cache otherwise.
func loadSouls(cmd *cobra.Command) ([]soul.Soul, error) {
	client := newBackend()
	if client.Authenticated() {
		souls, err := client.ListPersonas(cmd.Context())
		if err == nil {
			return souls, nil
		}
		pterm.Warning.Printf("Could not reach Remrin (%v); showing cached souls.\n", err)
	}
	st, err := openState()
	if err != nil {
		return nil, err
	}
	return st.Get().Souls, nil
}

func runSouls(cmd *cobra.Command, args []string) error {
	souls, err := loadSouls(cmd)
	if err != nil {
		return err
	}
	if len(souls) == 0 {
		pterm.Info.Println("No souls found. Create one on Remrin.ai")
		return nil
	}

	st, err := openState()
	if err != nil {
		return err
	}
	activeID := st.Get().ActiveSoulID

	rows := pterm.TableData{{"", "ID", "Name", "Memories"}}
	for _, s := range souls {
		mark := ""
		if activeID != nil && s.ID == *activeID {
			mark = "*"
		}
		mem := "-"
		if s.HasLocketData() {
			mem = "yes"
		}
		rows = append(rows, []string{mark, s.ID, s.Name, mem})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runSoulUse(cmd *cobra.Command, args []string) error {
	souls, err := loadSouls(cmd)
	if err != nil {
		return err
	}

	query := strings.ToLower(args[0])
	var match *soul.Soul
	for i := range souls {
		s := &souls[i]
		if s.ID == args[0] || strings.ToLower(s.Name) == query {
			match = s
			break
		}
	}
	if match == nil {
		return fmt.Errorf("no soul matches %q", args[0])
	}

	st, err := openState()
	if err != nil {
		return err
	}
	if err := st.SetSouls(souls); err != nil {
		return err
	}
	if err := st.SetActiveSoul(&match.ID); err != nil {
		return err
	}

	pterm.Success.Printf("%s is now active\n", match.Name)
	return nil
}

func runSoulOff(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	if err := st.SetActiveSoul(nil); err != nil {
		return err
	}
	pterm.Success.Println("Soul deactivated")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newBackend()
	st, err := openState()
	if err != nil {
		return err
	}
	snapshot := st.Get()

	if s := client.Session(); s != nil {
		pterm.Success.Printf("Logged in as %s\n", s.Email)
	} else {
		pterm.Warning.Println("Not logged in")
	}

	if snapshot.ActiveSoulID != nil {
		if s := soul.FindByID(snapshot.Souls, *snapshot.ActiveSoulID); s != nil {
			pterm.Info.Printf("Active soul: %s\n", s.Name)
		} else {
			pterm.Info.Printf("Active soul: %s (not in cache)\n", *snapshot.ActiveSoulID)
		}
	} else {
		pterm.Info.Println("No active soul")
	}

	if len(snapshot.SessionState) > 0 {
		rows := pterm.TableData{{"Tab", "URL", "Messages"}}
		for _, ts := range snapshot.SessionState {
			rows = append(rows, []string{ts.TabID, ts.URL, fmt.Sprintf("%d", ts.MessageCount)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
	}

	hist, err := openHistory()
	if err != nil {
		return err
	}
	defer hist.Close()

	recent, err := hist.Recent(10)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		pterm.Info.Println("No interceptions recorded yet")
		return nil
	}

	counts, err := hist.CountBySoul()
	if err != nil {
		return err
	}

	rows := pterm.TableData{{"When", "Soul", "Site", "Mode"}}
	for _, rec := range recent {
		rows = append(rows, []string{
			rec.CreatedAt.Local().Format("2006-01-02 15:04"),
			rec.SoulName,
			rec.Site,
			rec.Mode,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	pterm.Info.Printf("%d interception(s) across %d soul(s)\n", total, len(counts))
	return nil
}
