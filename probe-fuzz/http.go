// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/probefuzz/probefuzz/pkg/compare"
	"github.com/probefuzz/probefuzz/pkg/corpus"
	"github.com/probefuzz/probefuzz/pkg/hash"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/stat"
	"github.com/probefuzz/probefuzz/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (mgr *Manager) initHTTP() {
	log.Logf(0, "serving http on http://%v", mgr.cfg.HTTP)
	go func() {
		err := http.ListenAndServe(mgr.cfg.HTTP, mgr.httpHandler())
		if err != nil {
			log.Fatalf("failed to listen on %v: %v", mgr.cfg.HTTP, err)
		}
	}()
}

func (mgr *Manager) httpHandler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		mux.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	handle("/", mgr.httpSummary)
	handle("/corpus", mgr.httpCorpus)
	handle("/corpus.xz", mgr.httpDownloadCorpus)
	handle("/report", mgr.httpReport)
	handle("/log", mgr.httpLog)
	handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}).ServeHTTP)
	// Browsers like to request this, without special handler this goes to / handler.
	handle("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {})
	return mux
}

type UISummaryData struct {
	Name      string
	RunID     string
	Target    string
	Reference string
	Uptime    time.Duration
	Stats     []stat.UI
	Backends  []UIBackend
	Groups    []UIGroup
}

type UIBackend struct {
	Name       string
	Type       string
	Execs      int
	AvgLatency time.Duration
}

type UIGroup struct {
	Title   string
	Hash    string
	Count   int
	Repro   string
	Updated time.Time
}

func (mgr *Manager) httpSummary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := &UISummaryData{
		Name:      mgr.cfg.Name,
		RunID:     mgr.runID,
		Target:    mgr.cfg.Target.Name,
		Reference: mgr.cfg.Reference.Name,
		Uptime:    time.Since(mgr.startTime).Truncate(time.Second),
		Stats:     stat.Collect(stat.All),
		Backends:  mgr.uiBackends(),
		Groups:    mgr.uiGroups(),
	}
	executeTemplate(w, summaryTemplate, data)
}

func (mgr *Manager) httpCorpus(w http.ResponseWriter, r *http.Request) {
	executeTemplate(w, corpusTemplate, mgr.uiGroups())
}

func (mgr *Manager) uiBackends() []UIBackend {
	var res []UIBackend
	for _, r := range []*runner.Runner{mgr.target, mgr.reference} {
		if r == nil {
			continue
		}
		res = append(res, UIBackend{
			Name:       r.Name(),
			Type:       r.Type(),
			Execs:      r.Stats().Execs.Val(),
			AvgLatency: r.Stats().AvgLatency().Truncate(time.Microsecond),
		})
	}
	return res
}

func (mgr *Manager) uiGroups() []UIGroup {
	var res []UIGroup
	for _, grp := range mgr.corpus.Groups() {
		ui := UIGroup{
			Title: grp.Title,
			Hash:  grp.Hash,
			Count: len(grp.Entries),
		}
		for _, e := range grp.Entries {
			if e.Time.After(ui.Updated) {
				ui.Updated = e.Time
			}
		}
		if grp.Repro != nil {
			ui.Repro = grp.Repro.Title
		}
		res = append(res, ui)
	}
	return res
}

func (mgr *Manager) httpDownloadCorpus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-xz")
	w.Header().Set("Content-Disposition", "attachment; filename=corpus.jsonl.xz")
	if err := mgr.corpus.Export(w); err != nil {
		http.Error(w, fmt.Sprintf("failed to export corpus: %v", err), http.StatusInternalServerError)
		return
	}
}

func (mgr *Manager) httpReport(w http.ResponseWriter, r *http.Request) {
	sig, err := hash.FromString(r.FormValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	grp := mgr.corpus.Group(sig.String())
	if grp == nil || len(grp.Entries) == 0 {
		http.Error(w, "unknown report id", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(compare.Render(latest(grp).Report))
	if grp.Repro != nil {
		fmt.Fprintf(w, "\n\nREPRODUCER:\n\n")
		w.Write(compare.Render(grp.Repro.Report))
	}
}

func latest(grp *corpus.Group) *corpus.Entry {
	res := grp.Entries[0]
	for _, e := range grp.Entries[1:] {
		if e.Time.After(res.Time) {
			res = e
		}
	}
	return res
}

func (mgr *Manager) httpLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, log.CachedLogOutput())
}

func executeTemplate(w http.ResponseWriter, templ *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templ.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
	}
}

var summaryTemplate = template.Must(template.New("summary").Parse(`
<!doctype html>
<html>
<head><title>{{.Name}} probe-fuzz</title></head>
<body>
<b>{{.Name}}</b>: {{.Target}} vs {{.Reference}}, run {{.RunID}}, up {{.Uptime}}
| <a href="/corpus">corpus</a>
| <a href="/corpus.xz">corpus.xz</a>
| <a href="/log">log</a>
| <a href="/metrics">metrics</a>
<table>
	<caption>Stats:</caption>
	{{range $s := $.Stats}}
	<tr>
		<td title="{{$s.Desc}}">{{$s.Name}}</td>
		<td>{{$s.Value}}</td>
	</tr>
	{{end}}
</table>
<table>
	<caption>Backends:</caption>
	<tr>
		<th>Name</th>
		<th>Type</th>
		<th>Execs</th>
		<th>Avg latency</th>
	</tr>
	{{range $b := $.Backends}}
	<tr>
		<td>{{$b.Name}}</td>
		<td>{{$b.Type}}</td>
		<td>{{$b.Execs}}</td>
		<td>{{$b.AvgLatency}}</td>
	</tr>
	{{end}}
</table>
{{template "groups" .Groups}}
</body>
</html>
{{define "groups"}}
<table>
	<caption>Mismatches ({{len .}}):</caption>
	<tr>
		<th>Title</th>
		<th>Count</th>
		<th>Reproducer</th>
		<th>Last</th>
	</tr>
	{{range $g := .}}
	<tr>
		<td><a href="/report?id={{$g.Hash}}">{{$g.Title}}</a></td>
		<td>{{$g.Count}}</td>
		<td>{{$g.Repro}}</td>
		<td>{{$g.Updated.Format "2006-01-02 15:04:05"}}</td>
	</tr>
	{{end}}
</table>
{{end}}
`))

var corpusTemplate = template.Must(template.Must(summaryTemplate.Clone()).New("corpus").Parse(`
<!doctype html>
<html>
<head><title>corpus</title></head>
<body>
{{template "groups" .}}
</body>
</html>
`))
