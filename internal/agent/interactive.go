package agent

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	quitStyle   = lipgloss.NewStyle().Faint(true)
)

const promptText = "next command ready: <Enter> to dispatch, q to quit"

// promptNext pauses the loop for operator confirmation. It reports false
// when the operator quits or the input stream ends.
func (a *Agent) promptNext() bool {
	text := promptText
	if f, ok := a.Out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		text = promptStyle.Render("servo") + " " + quitStyle.Render(promptText)
	}
	fmt.Fprintln(a.Out, text)

	if a.reader == nil {
		a.reader = bufio.NewReader(a.In)
	}
	line, err := a.reader.ReadString('\n')
	if err != nil && line == "" {
		a.logger.Info("interactive input closed, stopping")
		a.stop.Set(StopExit)
		return false
	}
	if strings.EqualFold(strings.TrimSpace(line), "q") {
		a.logger.Info("operator quit")
		a.stop.Set(StopExit)
		return false
	}
	return true
}
