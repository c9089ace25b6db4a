package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cloudzz-dev/cldzshop/internal/client/debug"
	"github.com/cloudzz-dev/cldzshop/internal/client/ui"
)

func main() {
	profile := flag.String("profile", "", "session profile, for running several accounts side by side")
	debugLog := flag.Bool("debug", false, "append a JSON debug log to debug.log")
	flag.Parse()

	serverURL := os.Getenv("CLDZSHOP_SERVER")
	if serverURL == "" {
		serverURL = "ws://localhost:3567/ws"
	}

	if *debugLog {
		closeLog, err := debug.Enable("debug.log")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer closeLog()
	}
	debug.Log.Info().Str("server", serverURL).Str("profile", *profile).Msg("starting")

	p := tea.NewProgram(ui.New(serverURL, ui.ProfileStore{Profile: *profile}), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		debug.Log.Error().Err(err).Msg("exited")
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
