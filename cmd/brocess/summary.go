package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/brocess/internal/store"
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyanStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

const separatorLine = "    ─────────────────────────────────"

func printSummary(w io.Writer, cfg appConfig, results []fileResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(w, renderSummary(cfg, results))
}

func renderSummary(cfg appConfig, results []fileResult) string {
	check := greenStyle.Render("●")
	cross := redStyle.Render("●")

	var lines []string
	lines = append(lines, "")
	lines = append(lines, boldStyle.Render("    Files"))
	lines = append(lines, "")

	var records, upserts int
	for _, r := range results {
		mark := check
		if r.Err != nil {
			mark = cross
		}
		lines = append(lines, fmt.Sprintf("    %s  %-5s %s", mark, r.Type, cyanStyle.Render(shortenPath(r.Path))))
		detail := fmt.Sprintf("%d records, %d upserts, %.1f rec/s", r.Stats.Records, r.Stats.Upserts, r.Stats.Rate)
		lines = append(lines, "          "+dimStyle.Render(detail))
		if n := r.Stats.Skipped + r.Stats.Malformed + r.Stats.StorageErrors; n > 0 {
			lines = append(lines, "          "+yellowStyle.Render(fmt.Sprintf(
				"%d skipped, %d malformed, %d storage errors",
				r.Stats.Skipped, r.Stats.Malformed, r.Stats.StorageErrors)))
		}
		if r.Err != nil {
			lines = append(lines, "          "+redStyle.Render(r.Err.Error()))
		}
		if r.Removed {
			lines = append(lines, "          "+dimStyle.Render("removed"))
		}
		records += r.Stats.Records
		upserts += r.Stats.Upserts
	}

	lines = append(lines, "")
	lines = append(lines, dimStyle.Render(separatorLine))
	lines = append(lines, fmt.Sprintf("    %s records, %s upserts into %s %s",
		boldStyle.Render(fmt.Sprint(records)),
		boldStyle.Render(fmt.Sprint(upserts)),
		cfg.Backend,
		dimStyle.Render(displayDatabase(cfg))))
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func renderBanner(cfg appConfig, addr string) string {
	check := greenStyle.Render("●")
	dot := dimStyle.Render("●")

	logo := cyanStyle.Bold(true).Render(`
    ╔╗ ╦═╗╔═╗╔═╗╔═╗╔═╗╔═╗
    ╠╩╗╠╦╝║ ║║  ║╣ ╚═╗╚═╗
    ╚═╝╩╚═╚═╝╚═╝╚═╝╚═╝╚═╝`)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+dimStyle.Render("v"+version))
	lines = append(lines, "")
	lines = append(lines, dimStyle.Render(separatorLine))
	lines = append(lines, "")

	lines = append(lines, boldStyle.Render("    Gateway"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyanStyle.Render(addr)))
	lines = append(lines, "")

	lines = append(lines, boldStyle.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, cfg.Backend, dimStyle.Render(displayDatabase(cfg))))
	lines = append(lines, "")

	lines = append(lines, boldStyle.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dimStyle.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dimStyle.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, dimStyle.Render(separatorLine))
	lines = append(lines, "")
	lines = append(lines, "    "+dimStyle.Render("Press ")+yellowStyle.Render("Ctrl+C")+dimStyle.Render(" to stop"))
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// displayDatabase hides MySQL credentials.
func displayDatabase(cfg appConfig) string {
	switch {
	case cfg.Backend == store.BackendMySQL:
		return "(connection string)"
	case cfg.Database == "" || cfg.Database == ":memory:":
		return "in-memory"
	}
	return shortenPath(cfg.Database)
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
