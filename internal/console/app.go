package console

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/coldharbor/workerd/internal/vmpool"
)

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#2F71F2", Dark: "#4A90FF"}
	colorError   = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#FF4672"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}

	styleTitle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).MarginBottom(1)
	styleDim   = lipgloss.NewStyle().Foreground(colorDim)
	styleError = lipgloss.NewStyle().Foreground(colorError)
)

// snapshotMsg carries one Snapshot read off the status socket.
type snapshotMsg struct {
	snap Snapshot
	err  error
}

// DashboardModel is the bubbletea model behind "workerd status": a live
// table of pool slot states, refreshed as the attached Client delivers
// each new Snapshot.
type DashboardModel struct {
	client *Client
	table  table.Model
	err    error
}

// NewDashboardModel builds a model reading from an already-dialed client.
func NewDashboardModel(client *Client) DashboardModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "SLOT", Width: 6},
			{Title: "STATE", Width: 10},
			{Title: "KEY", Width: 10},
		}),
		table.WithFocused(false),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Foreground(colorDim).Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return DashboardModel{client: client, table: t}
}

// Init kicks off the first listen for a pushed snapshot.
func (m DashboardModel) Init() tea.Cmd {
	return m.listenForPush()
}

// listenForPush returns a tea.Cmd that blocks for the next Snapshot line.
func (m DashboardModel) listenForPush() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		snap, err := client.Read()
		return snapshotMsg{snap: snap, err: err}
	}
}

// Update handles key presses and incoming snapshots.
func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.table.SetRows(rowsFor(msg.snap.Slots))
		return m, m.listenForPush()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// rowsFor converts a Snapshot's slots into bubbles/table rows, sorted by
// slot index so the dashboard doesn't reshuffle between refreshes.
func rowsFor(slots []vmpool.SlotStatus) []table.Row {
	sorted := append([]vmpool.SlotStatus{}, slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	rows := make([]table.Row, len(sorted))
	for i, slot := range sorted {
		rows[i] = table.Row{strconv.Itoa(slot.Index), slot.State, strconv.FormatUint(uint64(slot.Key), 10)}
	}
	return rows
}

// View renders the slot table.
func (m DashboardModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("\n  %s\n", styleError.Render(fmt.Sprintf("status stream ended: %v", m.err)))
	}
	return styleTitle.Render("workerd pool status") + "\n" + m.table.View() + "\n" + styleDim.Render("q to quit")
}
