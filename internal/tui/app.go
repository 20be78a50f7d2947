package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rivo/uniseg"

	"github.com/mpataki/scriptool/internal/models"
	"github.com/mpataki/scriptool/internal/render"
	"github.com/mpataki/scriptool/internal/session"
)

type View int

const (
	ViewScriptList View = iota
	ViewScriptDetail
	ViewEditor
	ViewHelp
)

// Help is the reference shown on the help screen.
type Help struct {
	Description string
	Globals     []string
}

type App struct {
	session   *session.Session
	formatter *render.Formatter
	help      Help

	view        View
	records     []models.ScriptRecord
	selectedIdx int
	editor      textarea.Model

	width  int
	height int
	err    error
}

func NewApp(sess *session.Session, formatter *render.Formatter, help Help) *App {
	editor := textarea.New()
	editor.Placeholder = "return project.list(\".\")"
	editor.ShowLineNumbers = true
	editor.SetWidth(80)
	editor.SetHeight(12)

	return &App{
		session:   sess,
		formatter: formatter,
		help:      help,
		view:      ViewScriptList,
		editor:    editor,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRecords, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveScripts() bool {
	for _, rec := range a.records {
		if !rec.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if msg.Width > 4 {
			a.editor.SetWidth(msg.Width - 4)
		}
		return a, nil

	case recordsLoadedMsg:
		a.records = msg.records
		if a.selectedIdx >= len(a.records) {
			a.selectedIdx = max(len(a.records)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Elapsed times only move while something is running
		if a.hasActiveScripts() {
			return a, tea.Batch(a.loadRecords, a.tickCmd())
		}
		return a, a.tickCmd()

	case submittedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.err = nil
		a.editor.Reset()
		a.view = ViewScriptList
		return a, tea.Batch(a.loadRecords, waitFor(msg.id, msg.done))

	case scriptDoneMsg:
		return a, a.loadRecords
	}

	if a.view == ViewEditor {
		var cmd tea.Cmd
		a.editor, cmd = a.editor.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewScriptList:
		return a.handleListKey(msg)
	case ViewScriptDetail:
		return a.handleDetailKey(msg)
	case ViewEditor:
		return a.handleEditorKey(msg)
	case ViewHelp:
		return a.handleHelpKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.records)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.records) > 0 && a.selectedIdx < len(a.records) {
			a.view = ViewScriptDetail
		}

	case "n":
		a.view = ViewEditor
		return a, a.editor.Focus()

	case "e":
		// Edit a copy of the selected script
		if len(a.records) > 0 && a.selectedIdx < len(a.records) {
			a.editor.SetValue(a.records[a.selectedIdx].Script)
		}
		a.view = ViewEditor
		return a, a.editor.Focus()

	case "r":
		return a, a.loadRecords

	case "?":
		a.view = ViewHelp
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewScriptList

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.records)-1 {
			a.selectedIdx++
		}
	}

	return a, nil
}

func (a *App) handleEditorKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.editor.Blur()
		a.view = ViewScriptList
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "ctrl+s":
		script := a.editor.Value()
		if strings.TrimSpace(script) == "" {
			return a, nil
		}
		a.editor.Blur()
		return a, a.submit(script)
	}

	var cmd tea.Cmd
	a.editor, cmd = a.editor.Update(msg)
	return a, cmd
}

func (a *App) handleHelpKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit
	case "q", "esc", "?":
		a.view = ViewScriptList
	}
	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewScriptList:
		return a.viewScriptList()
	case ViewScriptDetail:
		return a.viewScriptDetail()
	case ViewEditor:
		return a.viewEditor()
	case ViewHelp:
		return a.viewHelp()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	codeStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func (a *App) viewScriptList() string {
	s := titleStyle.Render("scriptool") + "  " + dimStyle.Render(a.session.Engine()+" · session "+a.session.ID()) + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	if len(a.records) == 0 {
		s += "No scripts yet. Press 'n' to write one.\n"
	} else {
		s += "Scripts\n"
		s += "───────\n"

		for i, rec := range a.records {
			line := a.formatRecordLine(rec)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[n] new  [e] edit copy  [enter] view  [r] refresh  [?] help  [q] quit")

	return s
}

func (a *App) formatRecordLine(rec models.ScriptRecord) string {
	status := formatStatus(rec.Status)
	script := Truncate(FirstLine(rec.Script), 40)
	return fmt.Sprintf("#%-3d %s  %6s  %s", rec.ID, status, a.formatElapsed(rec), script)
}

func (a *App) formatElapsed(rec models.ScriptRecord) string {
	switch {
	case rec.Status.Terminal():
		return formatDuration(rec.Duration())
	case rec.StartedAt != nil:
		return formatDuration(time.Since(*rec.StartedAt)) + "…"
	default:
		return ""
	}
}

func formatStatus(status models.ScriptStatus) string {
	switch status {
	case models.ScriptStatusPending:
		return statusPending.Render("○ pending  ")
	case models.ScriptStatusRunning:
		return statusRunning.Render("● running  ")
	case models.ScriptStatusSucceeded:
		return statusSucceeded.Render("✓ succeeded")
	case models.ScriptStatusFailed:
		return statusFailed.Render("✗ failed   ")
	default:
		return string(status)
	}
}

func (a *App) viewScriptDetail() string {
	if len(a.records) == 0 || a.selectedIdx >= len(a.records) {
		return "No script selected"
	}
	rec := a.records[a.selectedIdx]

	header := fmt.Sprintf("Script #%d", rec.ID)
	s := titleStyle.Render(header) + "  " + formatStatus(rec.Status) + "\n\n"

	s += codeStyle.Render(strings.TrimRight(rec.Script, "\n")) + "\n\n"

	s += labelStyle.Render("Created: ") + dimStyle.Render(rec.CreatedAt.Format(time.TimeOnly))
	if rec.Status.Terminal() {
		s += labelStyle.Render("  Took: ") + dimStyle.Render(formatDuration(rec.Duration()))
	}
	if rec.ErrorKind != "" {
		s += labelStyle.Render("  Kind: ") + statusFailed.Render(string(rec.ErrorKind))
	}
	s += "\n\n"

	message, err := a.formatter.Format(rec)
	if err != nil {
		s += statusRunning.Render("(still "+string(rec.Status)+")") + "\n"
	} else {
		s += message + "\n"
	}

	s += "\n" + helpStyle.Render("[↑/↓] previous/next  [esc] back")

	return s
}

func (a *App) viewEditor() string {
	s := titleStyle.Render("New script") + "  " + dimStyle.Render(a.session.Engine()) + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	s += a.editor.View() + "\n"
	s += "\n" + helpStyle.Render("[ctrl+s] run  [esc] cancel")

	return s
}

func (a *App) viewHelp() string {
	s := titleStyle.Render("Help") + "\n\n"
	s += a.help.Description + "\n"

	if len(a.help.Globals) > 0 {
		s += "\n" + labelStyle.Render("Globals: ") + strings.Join(a.help.Globals, ", ") + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back")

	return s
}

// Messages

type recordsLoadedMsg struct {
	records []models.ScriptRecord
}

type submittedMsg struct {
	id   models.ScriptID
	done *session.Completion
	err  error
}

type scriptDoneMsg struct {
	id models.ScriptID
}

// Commands

func (a *App) loadRecords() tea.Msg {
	return recordsLoadedMsg{records: a.session.Records()}
}

func (a *App) submit(script string) tea.Cmd {
	return func() tea.Msg {
		id, done, err := a.session.Submit(script)
		return submittedMsg{id: id, done: done, err: err}
	}
}

func waitFor(id models.ScriptID, done *session.Completion) tea.Cmd {
	return func() tea.Msg {
		<-done.Done()
		return scriptDoneMsg{id: id}
	}
}

// FirstLine returns the first line of s after trimming, marking any elision.
func FirstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// Truncate shortens s to at most width terminal cells without splitting
// grapheme clusters.
func Truncate(s string, width int) string {
	if uniseg.StringWidth(s) <= width {
		return s
	}

	const tail = "..."
	target := width - len(tail)

	var b strings.Builder
	var current int
	state := -1
	remaining := s
	for len(remaining) > 0 {
		var cluster string
		var w int
		cluster, remaining, w, state = uniseg.FirstGraphemeClusterInString(remaining, state)
		if current+w > target {
			break
		}
		current += w
		b.WriteString(cluster)
	}
	b.WriteString(tail)
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", m, s)
}
