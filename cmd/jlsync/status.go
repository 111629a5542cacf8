package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bitbridge-tools/jlsync/internal/engine"
)

var statusTeam string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table sync state",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTeam, "team", "", "limit to one team")
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// plainStyles strips colors when stdout is not a terminal.
func plainStyles() bool {
	return !term.IsTerminal(int(os.Stdout.Fd())) ||
		termenv.EnvColorProfile() == termenv.Ascii
}

func runStatus(cmd *cobra.Command, args []string) {
	a, err := loadApp(nil)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := a.coord.Status(ctx, statusTeam)
	if err != nil {
		fatalf("status: %v", err)
	}
	printStatus(report)
}

func printStatus(report *engine.StatusReport) {
	plain := plainStyles()
	render := func(s lipgloss.Style, text string) string {
		if plain {
			return text
		}
		return s.Render(text)
	}

	fmt.Println(render(headerStyle, "Tables"))
	if len(report.Tables) == 0 {
		fmt.Println(render(dimStyle, "  no enabled tables"))
	}
	for _, t := range report.Tables {
		state := render(okStyle, "synced")
		if t.NeedsColdStart {
			state = render(warnStyle, "cold start pending")
		}
		last := "never"
		if t.Log.LastProcessedMS > 0 {
			last = time.UnixMilli(t.Log.LastProcessedMS).Local().Format("2006-01-02 15:04:05")
		}

		fmt.Printf("  %s/%s (%s): %s\n", t.Team, t.TableKey, t.TableID, state)
		line := fmt.Sprintf("    tracked=%d success=%d errors=%d last=%s",
			t.Log.Total, t.Log.Success, t.Log.Errors, last)
		if t.Log.Errors > 0 {
			fmt.Println(render(errStyle, line))
		} else {
			fmt.Println(render(dimStyle, line))
		}
	}

	if report.Cache != nil {
		fmt.Println(render(headerStyle, "User cache"))
		fmt.Printf("  total=%d valid=%d empty=%d pending=%d\n",
			report.Cache.Total, report.Cache.Valid, report.Cache.Empty, report.Cache.Pending)
	}

	if report.Metrics != nil {
		fmt.Println(render(headerStyle, "Last 7 days"))
		m := report.Metrics
		last := "never"
		if m.LastSessionMS > 0 {
			last = time.UnixMilli(m.LastSessionMS).Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  sessions=%d cycles=%d created=%d updated=%d failed=%d last=%s\n",
			m.Sessions, m.Cycles, m.Created, m.Updated, m.Failed, last)
	}
}
