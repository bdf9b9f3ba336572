// server/http.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strconv"
	"text/template"
	"time"

	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/util"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/cpu"
	"github.com/vmihailenco/msgpack/v5"
)

///////////////////////////////////////////////////////////////////////////
// Status / statistics via HTTP...

type serverStats struct {
	Uptime           time.Duration
	AllocMemory      uint64
	TotalAllocMemory uint64
	SysMemory        uint64
	RXMB, TXMB       int64
	NumGC            uint32
	NumGoRoutines    int
	CPUUsage         int

	Aircraft    []AircraftConnectionDto
	Controllers []ControllerConnectionDto
	Dialogues   []dialogueStatus
}

type dialogueStatus struct {
	ID          string
	Aircraft    string
	NumMessages int
	Opened      time.Time
	Closed      string
	Archived    string
}

var httpStartTime = time.Now()

func launchHTTPServer(basePort int, relay *Relay, lg *log.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/sup", func(w http.ResponseWriter, r *http.Request) {
		statsHandler(w, relay)
		lg.Infof("%s: served stats request", r.URL.String())
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		serveEventsWebsocket(w, r, relay, lg)
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var listener net.Listener
	var err error
	for i := 0; i < 10; i++ {
		port := basePort + i
		if listener, err = net.Listen("tcp", ":"+strconv.Itoa(port)); err == nil {
			fmt.Printf("Launching HTTP server on port %d\n", port)
			break
		}
	}

	if err != nil {
		lg.Warnf("Unable to start HTTP server")
	} else {
		if err := http.Serve(listener, mux); err != nil {
			lg.Errorf("HTTP server error: %v", err)
		}
	}
}

var statsTemplate = template.Must(template.New("").Parse(`
<!DOCTYPE html>
<html>
<head>
<title>datalink relay</title>
</head>
<style>
table {
  border-collapse: collapse;
  width: 100%;
}

th, td {
  border: 1px solid #dddddd;
  padding: 8px;
  text-align: left;
}

tr:nth-child(even) {
  background-color: #f2f2f2;
}
</style>
<body>
<h1>Server Status</h1>
<ul>
  <li>Uptime: {{.Uptime}}</li>
  <li>CPU usage: {{.CPUUsage}}%</li>
  <li>Bandwidth: {{.RXMB}} MB RX, {{.TXMB}} MB TX</li>
  <li>Allocated memory: {{.AllocMemory}} MB</li>
  <li>Total allocated memory: {{.TotalAllocMemory}} MB</li>
  <li>System memory: {{.SysMemory}} MB</li>
  <li>Garbage collection passes: {{.NumGC}}</li>
  <li>Running goroutines: {{.NumGoRoutines}}</li>
</ul>

<h1>Aircraft Connections</h1>
<table>
  <tr>
  <th>Callsign</th>
  <th>Client</th>
  <th>Data Authority</th>
{{range .Aircraft}}
  </tr>
  <td>{{.Callsign}}</td>
  <td>{{.ClientID}}</td>
  <td>{{.DataAuthorityState}}</td>
</tr>
{{end}}
</table>

<h1>Controllers</h1>
<table>
  <tr>
  <th>Callsign</th>
  <th>External ID</th>
{{range .Controllers}}
  </tr>
  <td>{{.Callsign}}</td>
  <td>{{.ExternalID}}</td>
</tr>
{{end}}
</table>

<h1>Dialogues</h1>
<table>
  <tr>
  <th>ID</th>
  <th>Aircraft</th>
  <th>Messages</th>
  <th>Opened</th>
  <th>Closed</th>
  <th>Archived</th>
{{range .Dialogues}}
  </tr>
  <td><tt>{{.ID}}</tt></td>
  <td>{{.Aircraft}}</td>
  <td>{{.NumMessages}}</td>
  <td>{{.Opened}}</td>
  <td>{{.Closed}}</td>
  <td>{{.Archived}}</td>
</tr>
{{end}}
</table>

</body>
</html>
`))

func statsHandler(w http.ResponseWriter, relay *Relay) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	usage, _ := cpu.Percent(time.Second, false)
	cpuUsage := 0
	if len(usage) > 0 {
		cpuUsage = int(usage[0] + 0.5)
	}

	stats := serverStats{
		Uptime:           time.Since(httpStartTime).Round(time.Second),
		AllocMemory:      m.Alloc / (1024 * 1024),
		TotalAllocMemory: m.TotalAlloc / (1024 * 1024),
		SysMemory:        m.Sys / (1024 * 1024),
		NumGC:            m.NumGC,
		NumGoRoutines:    runtime.NumGoroutine(),
		CPUUsage:         cpuUsage,

		Aircraft:    util.MapSlice(relay.GetConnectedAircraft(), makeAircraftConnectionDto),
		Controllers: util.MapSlice(relay.GetConnectedControllers(), makeControllerConnectionDto),
	}
	for _, d := range relay.GetAllDialogues() {
		stats.Dialogues = append(stats.Dialogues, dialogueStatus{
			ID:          string(d.ID),
			Aircraft:    d.AircraftCallsign,
			NumMessages: len(d.Messages),
			Opened:      d.Opened.Round(time.Second),
			Closed:      util.Select(d.IsClosed(), "yes", ""),
			Archived:    util.Select(d.IsArchived(), "yes", ""),
		})
	}

	rx, tx := util.GetLoggedRPCBandwidth()
	stats.RXMB, stats.TXMB = rx/(1024*1024), tx/(1024*1024)

	statsTemplate.Execute(w, stats)
}

///////////////////////////////////////////////////////////////////////////
// Event push via websocket

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callsigns and dialogue contents are not secrets; any origin may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const websocketWriteTimeout = 10 * time.Second

// serveEventsWebsocket subscribes the connection to the relay's event
// stream and pushes each event as a msgpack-encoded EventDto binary
// message. The subscription is released when the peer goes away.
func serveEventsWebsocket(w http.ResponseWriter, r *http.Request, relay *Relay, lg *log.Logger) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		lg.Errorf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := relay.EventStream().Subscribe()
	defer sub.Unsubscribe()

	// Consume and discard client messages so that pings and close frames
	// are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, ev := range sub.Get() {
				b, err := msgpack.Marshal(makeEventDto(ev))
				if err != nil {
					lg.Errorf("msgpack encode event: %v", err)
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
					lg.Infof("websocket write: %v", err)
					return
				}
			}
		}
	}
}
