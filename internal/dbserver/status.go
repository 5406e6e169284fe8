// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dbserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>bsdb server status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #3399FF;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
  </style>
</head>

<body>

<h3>bsdb {{if .ReadOnly}} / read-only {{end}}</h3>

<table>
  <tr>
    <td>Addr:</td>
    <td>{{.Cfg.Addr}}</td>
  </tr>
  <tr>
    <td>Data file:</td>
    <td>{{.Cfg.DataFile}}</td>
  </tr>
  <tr>
    <td>Journal:</td>
    <td>{{if .Cfg.JournalPath}}{{.Cfg.JournalPath}}{{else}}disabled{{end}}</td>
  </tr>
  <tr>
    <td>Records:</td>
    <td>{{.Records}}</td>
  </tr>
  <tr>
    <td>Locks:</td>
    <td>{{.LocksHeld}} held / {{.LockWaiters}} waiting</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{.FreeMem}} / {{.TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>RPC Metrics</caption>
  <tr>
    <th>Metric</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .SrvRPC}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

{{if .Failures}}
<br>
<table class="status">
  <caption>Injected Failures</caption>
  <tr>
    <th>RPC</th>
    <th>Error</th>
  </tr>
  {{range $k, $v := .Failures}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>
{{end}}

<br>
<table class="status">
  <caption>Recent Events</caption>
  <tr>
    <th>Seq</th>
    <th>Time</th>
    <th>Event</th>
    <th>Record</th>
    <th>Customer</th>
  </tr>
  {{range .Recent}}
  <tr>
    <td>{{.Seq}}</td>
    <td>{{.Time}}</td>
    <td>{{.Kind}}</td>
    <td>{{.No}}</td>
    <td>{{.Customer}}</td>
  </tr>
  {{end}}
</table>

status update time: {{.Now}}
</body>
</html>
`

// StatusData includes server status info.
type StatusData struct {
	Cfg         Config
	ReadOnly    bool
	Records     int
	LocksHeld   int
	LockWaiters int
	FreeMem     uint64
	TotalMem    uint64

	Reboot   time.Time
	SrvRPC   map[string]string
	Failures map[string]string
	Recent   []core.Event
	Now      time.Time
}

const (
	mb = 1024 * 1024

	// Number of journal events shown on the status page.
	recentEvents = 20
)

var (
	// When was the last reboot?
	reboot = time.Now()

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Parse(statusTemplateStr))
)

// statusHandler sends json encoded status if the "Accept" header is
// "application/json", html otherwise.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		s.handleJSON(w)
	} else {
		s.handleHTML(w)
	}
}

func (s *Server) genStatus() StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}
	held, waiting := s.svc.LockStats()
	recent, err := s.svc.Recent(recentEvents)
	if err != core.NoError {
		log.Errorf("failed to get recent events: %s", err)
	}

	return StatusData{
		Cfg:         s.cfg,
		ReadOnly:    s.gate.ReadOnly(),
		Records:     s.svc.Size(),
		LocksHeld:   held,
		LockWaiters: waiting,
		FreeMem:     mem.ActualFree / mb,
		TotalMem:    mem.Total / mb,
		Reboot:      reboot,
		SrvRPC:      s.srvHandler.rpcStats(),
		Failures:    s.srvHandler.failures(),
		Recent:      recent,
		Now:         time.Now(),
	}
}

func (s *Server) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		replyError(w, fmt.Sprintf("failed to encode html status data: %s", err))
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(s.genStatus()); err != nil {
		replyError(w, fmt.Sprintf("failed to encode json status data: %s", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}

func replyError(w http.ResponseWriter, e string) {
	log.Errorf(e)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(e))
}
