package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rmax-ai/raciflow/pkg/client"
)

func main() {
	endpoint := flag.String("endpoint", envOr("RACIFLOW_ENDPOINT", client.DefaultEndpoint), "raciflow-d base URL")
	token := flag.String("token", os.Getenv("RACIFLOW_TOKEN"), "bearer token, needed to flush")
	poll := flag.Duration("poll", pollRate, "refresh interval")
	flag.Parse()

	opts := []client.Option{
		client.WithBackoff(client.ConstantBackoff(0), 0),
	}
	if *token != "" {
		opts = append(opts, client.WithToken(*token))
	}
	c := client.NewClient(*endpoint, opts...)

	p := tea.NewProgram(initialModel(c, *poll), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// pollRate is the default refresh interval.
const pollRate = time.Second
