package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	wsclient "github.com/dohr-michael/mal/clients/ws"
)

// Run connects to the gateway at baseURL and runs the dashboard until the
// user quits or ctx is done.
func Run(ctx context.Context, baseURL string) error {
	client, err := wsclient.Dial(ctx, baseURL)
	if err != nil {
		return err
	}
	defer client.Close()

	p := tea.NewProgram(NewApp(client), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
