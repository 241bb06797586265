package output

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/inventory"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool

	now func() time.Time
}

// FormatHosts formats host records as a table, one row per host.
func (f *TableFormatter) FormatHosts(records []inventory.Records) (string, error) {
	hosts := hostsOf(records)
	if len(hosts) == 0 {
		return "No hosts found\n", nil
	}
	return f.hostTable(hosts), nil
}

// FormatGuests formats guest records as a table, one row per guest.
func (f *TableFormatter) FormatGuests(records []inventory.Records) (string, error) {
	guests := guestsOf(records)
	if len(guests) == 0 {
		return "No guests found\n", nil
	}
	return f.guestTable(guests), nil
}

// FormatResult renders a search result as a record table and anything
// else as a one-row summary.
func (f *TableFormatter) FormatResult(r v1alpha1.Result) (string, error) {
	if r.OK() && r.Verb.IsSearch() {
		if r.Verb.RecordKind() == v1alpha1.RecordHost {
			if len(r.Hosts) == 0 {
				return "No hosts found\n", nil
			}
			return f.hostTable(r.Hosts), nil
		}
		if len(r.Guests) == 0 {
			return "No guests found\n", nil
		}
		return f.guestTable(r.Guests), nil
	}

	status, message := green("Success"), "-"
	if !r.OK() {
		status, message = red(string(r.ErrorKind())), r.Failure.Message
	}

	var buf bytes.Buffer
	table := f.newTable(&buf, "OPERATION", "BACKEND", "VERB", "TARGET", "STATUS", "ATTEMPTS", "MESSAGE")
	table.Append([]string{dash(r.OperationID), dash(r.Backend), string(r.Verb), dash(r.Target), status, strconv.Itoa(r.Attempts), message})
	table.Render()
	return buf.String(), nil
}

// FormatBackends formats the inventory as a table.
func (f *TableFormatter) FormatBackends(backends []*v1alpha1.Backend) (string, error) {
	if len(backends) == 0 {
		return "No backends configured\n", nil
	}

	var buf bytes.Buffer
	table := f.newTable(&buf, "NAME", "KIND", "ENDPOINT", "CREDENTIAL", "MAX-SESSIONS", "RATE-LIMIT")
	for _, b := range backends {
		rate := "-"
		if b.Spec.RateLimit > 0 {
			rate = strconv.FormatFloat(b.Spec.RateLimit, 'f', -1, 64) + "/s"
		}
		table.Append([]string{
			b.Name,
			b.Spec.Kind.DisplayName(),
			b.Spec.Endpoint,
			dash(b.Spec.CredentialRef),
			strconv.Itoa(b.GetMaxSessions()),
			rate,
		})
	}
	table.Render()
	return buf.String(), nil
}

// FormatConnection formats a connection test outcome as a one-row table.
func (f *TableFormatter) FormatConnection(s ConnectionStatus) (string, error) {
	state := sessionState(s.State)
	message := "-"
	if !s.OK() {
		message = s.Error
	}

	var buf bytes.Buffer
	table := f.newTable(&buf, "BACKEND", "KIND", "ENDPOINT", "STATE", "ATTEMPTS", "LATENCY", "ERROR")
	table.Append([]string{
		s.Backend,
		s.Kind.DisplayName(),
		s.Endpoint,
		state,
		strconv.Itoa(s.Attempts),
		s.Latency.Round(time.Millisecond).String(),
		message,
	})
	table.Render()
	return buf.String(), nil
}

func (f *TableFormatter) hostTable(hosts []v1alpha1.HostRecord) string {
	var buf bytes.Buffer
	table := f.newTable(&buf, "BACKEND", "KIND", "ID", "NAME", "IP", "CLUSTER", "POWER", "AGE")
	for _, h := range hosts {
		table.Append([]string{dash(h.Backend), h.Kind.DisplayName(), h.ID, h.Name, dash(h.IP), dash(h.Cluster), hostPower(h.Power), f.age(h.LastRefreshed)})
	}
	table.Render()
	return buf.String()
}

func (f *TableFormatter) guestTable(guests []v1alpha1.GuestRecord) string {
	var buf bytes.Buffer
	table := f.newTable(&buf, "BACKEND", "KIND", "ID", "NAME", "HOST", "IP", "POWER", "AGE")
	for _, g := range guests {
		table.Append([]string{dash(g.Backend), g.Kind.DisplayName(), g.ID, g.Name, dash(g.HostID), dash(g.IP), guestPower(g.Power), f.age(g.LastRefreshed)})
	}
	table.Render()
	return buf.String()
}

func (f *TableFormatter) newTable(buf *bytes.Buffer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(buf)
	if !f.NoHeaders {
		table.SetHeader(headers)
	}
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func (f *TableFormatter) age(t v1alpha1.Time) string {
	if t.IsZero() {
		return "-"
	}
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	return formatAge(now().Sub(t.Time))
}

func hostPower(p v1alpha1.HostPowerState) string {
	switch p {
	case v1alpha1.HostOn:
		return green(string(p))
	case v1alpha1.HostOff:
		return red(string(p))
	case v1alpha1.HostRestarting:
		return yellow(string(p))
	}
	return dash(string(p))
}

func guestPower(p v1alpha1.GuestPowerState) string {
	switch p {
	case v1alpha1.GuestRunning:
		return green(string(p))
	case v1alpha1.GuestStopped:
		return red(string(p))
	case v1alpha1.GuestSuspended:
		return yellow(string(p))
	}
	return dash(string(p))
}

func sessionState(s v1alpha1.SessionState) string {
	switch s {
	case v1alpha1.SessionReady:
		return green(string(s))
	case v1alpha1.SessionDegraded, v1alpha1.SessionConnecting:
		return yellow(string(s))
	case v1alpha1.SessionClosed:
		return red(string(s))
	}
	return dash(string(s))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge formats a duration as a short age string such as "5s", "2m",
// "3h", "4d", "2w" or "1y".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}
	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}
	if weeks := days / 7; weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}
	if years := days / 365; years > 0 {
		return fmt.Sprintf("%dy", years)
	}
	return fmt.Sprintf("%dd", days)
}
