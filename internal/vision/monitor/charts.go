package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/safety.report/internal/httputil"
	"github.com/banshee-data/safety.report/internal/vision/stability"
)

// handleTierChart renders a stacked bar of admission tiers per source.
func (s *Server) handleTierChart(w http.ResponseWriter, r *http.Request) {
	counts := s.cfg.Source.Stats().Admission
	sources := make([]string, 0, len(counts))
	for src := range counts {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	full := make([]opts.BarData, 0, len(sources))
	light := make([]opts.BarData, 0, len(sources))
	skip := make([]opts.BarData, 0, len(sources))
	for _, src := range sources {
		c := counts[src]
		full = append(full, opts.BarData{Value: c.Full})
		light = append(light, opts.BarData{Value: c.Lightweight})
		skip = append(skip, opts.BarData{Value: c.Skip})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Admission tiers", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Admission tiers", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	stack := charts.WithBarChartOpts(opts.BarChart{Stack: "tiers"})
	bar.SetXAxis(sources).
		AddSeries("full", full, stack).
		AddSeries("lightweight", light, stack).
		AddSeries("skip", skip, stack)

	renderChart(w, bar)
}

// handleVerdictChart renders a pie of Stable tracks by attribute and label.
func (s *Server) handleVerdictChart(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	byLabel := map[string]int{}
	for _, snap := range s.cfg.Source.Verdicts() {
		if snap.State != stability.Stable || (source != "" && snap.Source != source) {
			continue
		}
		byLabel[snap.Attribute+"="+snap.StableLabel]++
	}
	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	data := make([]opts.PieData, 0, len(labels))
	for _, l := range labels {
		data = append(data, opts.PieData{Name: l, Value: byLabel[l]})
	}

	subtitle := "all sources"
	if source != "" {
		subtitle = "source=" + source
	}
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Stable verdicts", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Stable verdicts", Subtitle: fmt.Sprintf("%s, %d tracks", subtitle, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	pie.AddSeries("verdicts", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
	)

	renderChart(w, pie)
}

type renderer interface {
	Render(w io.Writer) error
}

func renderChart(w http.ResponseWriter, c renderer) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
