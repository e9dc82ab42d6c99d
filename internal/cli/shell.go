package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/rileyhilliard/herd/internal/errors"
)

var promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)

// runShell is the interactive loop: print a prompt, read a line, hand it to
// the dispatcher, repeat until the exit verb or EOF.
func runShell(ctx context.Context, configPath, cluster string) error {
	a, err := buildApp(ctx, configPath, cluster)
	if err != nil {
		return err
	}
	defer a.close()

	a.cons.Notice("herd %s; 'help' lists commands, 'exit' leaves", formatVersion(version))

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(os.Stdout, prompt(a))

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(os.Stdout)
				a.pool.ReleaseAll()
				return nil
			}
			return errors.WrapWithCode(err, errors.ErrExec,
				"Couldn't read from the terminal", "")
		}

		if err := a.dispatcher.Submit(ctx, line); err != nil {
			a.cons.Printf("%s", err.Error())
		}
		if a.dispatcher.Quit() {
			return nil
		}
	}
}

// prompt renders 'herd>' or 'herd:<cluster>>' with the active cluster name.
func prompt(a *app) string {
	name := a.workspace.Active()
	text := "herd"
	if name != "" {
		text = "herd:" + name
	}
	return promptStyle.Render(text+">") + " "
}
