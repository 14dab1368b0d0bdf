package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/client/peer"
	"github.com/jedib0t/go-pretty/v6/table"
)

const timeLayout = "2006-01-02 15:04"

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(header)
	return t
}

func renderCallLogs(w io.Writer, logs []model.CallLog) {
	t := newTable(w, table.Row{"Room", "Caller", "Receiver", "Started", "Duration"})
	for _, l := range logs {
		duration := "in progress"
		if l.EndTime != nil {
			duration = (time.Duration(l.Duration) * time.Second).String()
		}
		t.AppendRow(table.Row{l.RoomID, l.CallerID, l.ReceiverID, l.StartTime.Local().Format(timeLayout), duration})
	}
	t.Render()
}

func renderCallStats(w io.Writer, s model.CallStats) {
	t := newTable(w, table.Row{"Calls", "Total", "Average"})
	t.AppendRow(table.Row{
		s.TotalCalls,
		(time.Duration(s.TotalDuration) * time.Second).String(),
		(time.Duration(s.AverageDuration) * time.Second).String(),
	})
	t.Render()
}

func renderSummaries(w io.Writer, list []model.MeetingSummary) {
	t := newTable(w, table.Row{"ID", "Room", "Created", "Summary"})
	for _, ms := range list {
		t.AppendRow(table.Row{ms.ID, ms.RoomID, ms.CreatedAt.Local().Format(timeLayout), truncate(ms.Summary.Summary, 60)})
	}
	t.Render()
}

func renderICEServers(w io.Writer, servers []model.ICEServer) {
	t := newTable(w, table.Row{"URLs", "Username"})
	for _, s := range servers {
		for i, u := range s.URLs {
			user := ""
			if i == 0 {
				user = s.Username
			}
			t.AppendRow(table.Row{u, user})
		}
	}
	t.Render()
}

func renderProfile(w io.Writer, u *model.User) {
	t := newTable(w, table.Row{"ID", "Username", "Email", "Created"})
	email := u.Email
	if email == "" {
		email = "-"
	}
	t.AppendRow(table.Row{u.ID, u.Username, email, u.CreatedAt.Local().Format(timeLayout)})
	t.Render()
}

func renderPeers(w io.Writer, peers map[string]peer.State) {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := newTable(w, table.Row{"User", "State"})
	for _, id := range ids {
		t.AppendRow(table.Row{id, peers[id].String()})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d peers", len(ids))})
	t.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
