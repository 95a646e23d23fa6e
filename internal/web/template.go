package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/sleepy-node/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>KNX Node {{.Node.Serial}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
form { display: inline; }
</style>
</head>
<body>
<h1>KNX Node {{.Node.Serial}}</h1>

<h2>Device</h2>
<table>
<tr><th>Individual address</th><td>{{orUnknown .Node.IA}}</td></tr>
<tr><th>Installation ID</th><td>{{.Node.IID}}</td></tr>
<tr><th>Programming mode</th><td class="{{if .Node.ProgrammingMode}}on{{else}}off{{end}}">{{if .Node.ProgrammingMode}}ON{{else}}OFF{{end}}</td></tr>
<tr><th>Reset stage</th><td>{{orUnknown .Node.ResetStage}}{{if .Config.ResetDemo}} (demo){{end}}</td></tr>
</table>

<h2>Data Points</h2>
<table>
{{range $url, $v := .Node.DataPoints}}<tr><th>{{$url}}</th><td class="{{if $v}}on{{else}}off{{end}}">{{if $v}}ON{{else}}OFF{{end}}</td></tr>
{{else}}<tr><td>none</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>Role</th><td>{{orUnknown .Node.Role}}</td></tr>
<tr><th>Receiver</th><td>{{if .Node.RxOnWhenIdle}}always on{{else}}polling{{end}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Buffered</th><td>{{.Node.Buffered}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Sleep</h2>
<table>
<tr><th>Sleeps</th><td>{{.Sleep.Sleeps}}</td></tr>
<tr><th>Time asleep</th><td>{{uptime .Sleep.Slept}}</td></tr>
{{if not .Sleep.LastWake.IsZero}}<tr><th>Last wake</th><td>{{.Sleep.LastWake.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p>
<form method="post" action="/programming-mode"><input type="hidden" name="enabled" value="{{not .Node.ProgrammingMode}}"><button>{{if .Node.ProgrammingMode}}Exit{{else}}Enter{{end}} programming mode</button></form>
<form method="post" action="/reset"><button>Reset</button></form>
</p>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
