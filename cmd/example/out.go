package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/TylerBrock/colorjson"
	"github.com/logrusorgru/aurora"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/repair"
)

var (
	TypeColor  = aurora.White
	TitleColor = aurora.Cyan
	Formatter  = colorjson.NewFormatter()

	w = tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
)

func init() {
	Formatter.Indent = 4
}

func MarshalToMap(obj interface{}) interface{} {
	b, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}

	var ret interface{}

	if err := json.Unmarshal(b, &ret); err != nil {
		panic(err)
	}

	return ret
}

func PrintColoredJSON(msg string, obj interface{}) {
	obj = MarshalToMap(obj)

	PrintTitle(msg)
	w.Flush()

	b, err := Formatter.Marshal(obj)
	if err != nil {
		panic(err)
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, string(b))
	fmt.Fprintln(os.Stderr)
}

func PrintTitle(name string) {
	fmt.Fprintln(w, aurora.Bold(TitleColor(name)))
}

func Print(name string, v1 interface{}) {
	printRow(TypeColor(name), v1)
}

func printRow(name aurora.Value, v1 interface{}) {
	_, _ = fmt.Fprintf(w, "\t%s\t%v\t\n", name, v1)
}

func printSubRow(name aurora.Value, v1 interface{}) {
	_, _ = fmt.Fprintf(w, "\t  %s\t%v\t\n", name, v1)
}

func statusColor(status repair.Status) aurora.Value {
	//nolint:exhaustive
	switch status {
	case repair.StatusFixed:
		return aurora.Green(status)
	case repair.StatusDryRun:
		return aurora.Yellow(status)
	case repair.StatusSkipped:
		return aurora.Magenta(status)
	case repair.StatusFailed:
		return aurora.Red(status)
	}

	return TypeColor(status)
}

// PrintReport prints one line per result followed by the summary. A nil report prints nothing.
func PrintReport(report *repair.Report) {
	if report == nil {
		return
	}

	PrintTitle(report.Operation)

	for _, res := range report.Results {
		msg := res.Path
		if res.Message != "" {
			msg += ": " + res.Message
		}

		printRow(statusColor(res.Status), msg)
	}

	w.Flush()

	PrintColoredJSON("Summary:", report.Summary())
}

func PrintPercentiles(t metrics.Timer, p ...float64) {
	Print("Percentiles:", "")

	for _, percentile := range p {
		PrintPercentile(percentile, t)
	}
}

func PrintPercentile(percentile float64, timer metrics.Timer) {
	percentileInt := percentile * 100
	strValue := strconv.FormatFloat(percentileInt, 'f', 2, 64) + "% :"
	printSubRow(aurora.White(strValue), time.Duration(timer.Percentile(percentile)))
}

func PrintRate(t metrics.Timer) {
	Print("Rate:", "")
	printSubRow(aurora.White("1 Minute:"), t.Rate1())
	printSubRow(aurora.White("5 Minute:"), t.Rate5())
	printSubRow(aurora.White("15 Minute:"), t.Rate15())
	printSubRow(aurora.White("Mean:"), t.RateMean())
}

func PrintMetrics(name string, timer metrics.Timer) {
	if timer.Count() == 0 {
		if opts.ShowAll {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, aurora.Bold(aurora.Cyan(name)), aurora.Red("  Not run."))
		}

		return
	}

	PrintTitle(name)
	Print("Mean:", time.Duration(timer.Mean()))
	Print("Total:", timer.Count())
	Print("Max:", time.Duration(timer.Max()))
	Print("Min:", time.Duration(timer.Min()))
	Print("Variance:", time.Duration(math.Round(timer.Variance()/float64(timer.Count()))))
	PrintRate(timer)
	PrintPercentiles(timer, 0.5, 0.75, 0.8, 0.9, 0.95, 0.99, 0.999)

	w.Flush()

	fmt.Fprintln(os.Stderr)
}

// PrintAllMetrics prints every timer registered by the fileencryption packages, sorted by name.
func PrintAllMetrics() {
	timers := make(map[string]metrics.Timer)

	metrics.DefaultRegistry.Each(func(name string, i interface{}) {
		if t, ok := i.(metrics.Timer); ok && strings.HasPrefix(name, fileencryption.MetricsPrefix+".") {
			timers[name] = t
		}
	})

	names := make([]string, 0, len(timers))
	for name := range timers {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		PrintMetrics(name, timers[name])
	}
}
