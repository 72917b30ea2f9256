// Package compose renders notification text. Output is Telegram HTML.
package compose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"launchbot/internal/launch"
)

// ParseMode is the Telegram parse mode of the rendered text.
const ParseMode = "HTML"

// Notice is what the dispatcher asks to render.
type Notice struct {
	Class        launch.Class
	Postponement *launch.Postponement
}

// details mirrors the keys the source puts into Snapshot.Details.
type details struct {
	Vehicle     string `json:"vehicle"`
	Mission     string `json:"mission"`
	Description string `json:"description"`
	Pad         string `json:"pad"`
	Location    string `json:"location"`
	Webcast     string `json:"webcast"`
}

type view struct {
	Event    launch.Event
	Details  details
	Lead     string
	Net      string
	OldNet   string
	Slip     string
	Earlier  bool
	Silenced bool
}

var funcs = template.FuncMap{
	"html": template.HTMLEscapeString,
}

var leadTmpl = template.Must(template.New("lead").Funcs(funcs).Parse(
	`🚀 <b>{{html .Event.Name}}</b> is launching in {{.Lead}}
{{- if .Event.ProviderName}}
🏢 {{html .Event.ProviderName}}{{end}}
{{- if .Details.Vehicle}}
🛰 {{html .Details.Vehicle}}{{end}}
{{- if .Details.Pad}}
📍 {{html .Details.Pad}}{{if .Details.Location}}, {{html .Details.Location}}{{end}}{{end}}
🕒 {{.Net}}
{{- if .Details.Description}}

{{html .Details.Description}}{{end}}
{{- if .Details.Webcast}}

🔴 <a href="{{html .Details.Webcast}}">Watch live</a>{{end}}
{{- if .Silenced}}

<i>Sent silently.</i>{{end}}`))

var postponeTmpl = template.Must(template.New("postpone").Funcs(funcs).Parse(
	`📢 <b>{{html .Event.Name}}</b> has {{if .Earlier}}moved earlier{{else}}been postponed{{end}} by {{.Slip}}.
🕒 New launch time: {{.Net}}
<s>{{.OldNet}}</s>

You will be notified again before the new launch time.`))

// Render produces the message text for ev.
func Render(ev launch.Event, n Notice) (string, error) {
	v := view{Event: ev, Net: formatNet(ev.NetUnix)}
	if len(ev.Details) > 0 {
		// Unknown or partial details only lose the optional lines.
		_ = json.Unmarshal(ev.Details, &v.Details)
	}

	var (
		tmpl *template.Template
		buf  bytes.Buffer
	)
	switch {
	case n.Class.IsLead():
		tmpl = leadTmpl
		v.Lead = humanize(n.Class.LeadTime())
		v.Silenced = Silent(n.Class)
	case n.Class == launch.ClassPostpone:
		if n.Postponement == nil {
			return "", fmt.Errorf("render %s: postponement details missing", ev.ID)
		}
		tmpl = postponeTmpl
		slip := n.Postponement.Slip()
		v.Earlier = slip < 0
		if slip < 0 {
			slip = -slip
		}
		v.Slip = humanize(slip)
		v.OldNet = formatNet(n.Postponement.OldNet)
		v.Net = formatNet(n.Postponement.NewNet)
	default:
		return "", fmt.Errorf("render %s: class %s has no message", ev.ID, n.Class)
	}

	if err := tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render %s: %w", ev.ID, err)
	}
	return buf.String(), nil
}

// Silent reports whether notices of class c go out without sound.
func Silent(c launch.Class) bool { return c == launch.Class24h || c == launch.Class12h }

func formatNet(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("Mon Jan 2, 15:04 MST")
}

// humanize renders durations the way people say them: "24 hours", "1 hour
// 30 minutes", "5 minutes".
func humanize(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "less than a minute"
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	mins := int(d / time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if mins > 0 && days == 0 {
		parts = append(parts, plural(mins, "minute"))
	}
	if days == 1 && hours == 0 && len(parts) == 1 {
		return "24 hours"
	}
	return strings.Join(parts, " ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
