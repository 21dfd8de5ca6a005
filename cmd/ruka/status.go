package main

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/ruka/pkg/client"
	"github.com/gwillem/ruka/pkg/hand"
	"github.com/gwillem/ruka/pkg/server"
)

type StatusCommand struct {
	Addr string `long:"addr" short:"a" description:"Server address (default from config)"`
}

func (c *StatusCommand) Execute(args []string) error {
	cl, err := newClient(c.Addr)
	if err != nil {
		return err
	}

	st, err := cl.State()
	if err != nil {
		if errors.Is(err, client.ErrDaemonNotRunning) {
			return fmt.Errorf("%w: start it with 'ruka serve'", err)
		}
		return err
	}

	fmt.Println(renderStatus(st))
	return nil
}

// newClient returns a client for addr, or for the listen address of the
// config when addr is empty.
func newClient(addr string) (*client.Client, error) {
	if addr == "" {
		cfg, err := hand.LoadConfigFrom(opts.Config)
		if err != nil {
			return nil, err
		}
		addr = dialAddr(cfg.Listen)
	}
	return client.New(addr), nil
}

// dialAddr turns a listen address into one that can be dialed locally.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func renderStatus(st *server.State) string {
	var sb strings.Builder

	running := successStyle.Render("running")
	if !st.Running {
		running = warnStyle.Render("stopped")
	}
	sb.WriteString(headerStyle.Render("RUKA hand"))
	sb.WriteString(fmt.Sprintf("  %s  %s\n\n",
		running, dimStyle.Render(fmt.Sprintf("%.0f Hz, smoothing %.2f", st.Rate, st.Smoothing))))

	headerCell := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	jointCell := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	movingCell := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)

	rows := make([][]string, 0, len(st.Channels))
	moving := make([]bool, 0, len(st.Channels))
	for _, ch := range st.Channels {
		rows = append(rows, []string{
			fmt.Sprintf("%d", ch.Channel),
			ch.JointName,
			fmt.Sprintf("%d", ch.TargetPulse),
			fmt.Sprintf("%d", ch.CurrentPulse),
			fmt.Sprintf("%3.0f%%", ch.Normalized*100),
			fmt.Sprintf("%.0f", ch.Velocity),
		})
		moving = append(moving, ch.Velocity != 0)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Ch", "Joint", "Target", "Current", "Curl", "Velocity").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerCell
			case col == 1:
				return jointCell
			case row >= 0 && row < len(moving) && moving[row]:
				return movingCell
			default:
				return cell
			}
		})

	sb.WriteString(t.Render())
	return sb.String()
}
