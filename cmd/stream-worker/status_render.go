package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/stream-worker/internal/health"
	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 16
	statusIndent     = "  "
)

// renderStatus lays out a worker status document for a terminal.
func renderStatus(status health.Status, colorize bool) string {
	var lines []string

	lines = append(lines, renderSectionHeader("Worker "+status.WorkerID, colorize)...)

	overall := statusOK
	overallText := "healthy"

	switch {
	case status.Interrupted:
		overall, overallText = statusWarn, "interrupted, draining"
	case !status.Healthy():
		overall, overallText = statusError, "unhealthy"
	case !status.Ready:
		overall, overallText = statusWarn, "not accepting units"
	}

	lines = append(lines,
		renderStatusLine("State", overall, overallText, colorize),
		renderStatusLine("Uptime", statusInfo, status.Uptime.String(), colorize),
	)

	names := make([]string, 0, len(status.Components))
	for name := range status.Components {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		component := status.Components[name]

		kind := statusOK
		if !component.Healthy {
			kind = statusError
		}

		lines = append(lines, renderStatusLine(name, kind, component.Detail, colorize))
	}

	stats := status.Scheduler
	schedulerKind := statusOK

	if !stats.Healthy() {
		schedulerKind = statusWarn
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Scheduler", colorize)...)
	lines = append(lines,
		renderStatusLine("Health", schedulerKind, "", colorize),
		renderStatusLine("Concurrency", statusInfo,
			fmt.Sprintf("%d (range %d-%d)", stats.Cap, stats.CapMin, stats.CapMax), colorize),
		renderStatusLine("Stories", statusInfo,
			fmt.Sprintf("%d active, %d new, %d rendering, %d completed",
				stats.ActiveStories, stats.NewStories, stats.RenderingStories, stats.CompletedStories), colorize),
		renderStatusLine("Queued units", statusInfo, strconv.Itoa(stats.QueuedJobs), colorize),
		renderStatusLine("TTFA", statusInfo,
			fmt.Sprintf("mean %s, p95 %s", formatDuration(stats.TTFAMean), formatDuration(stats.TTFAP95)), colorize),
		renderStatusLine("Lease", statusInfo, formatDuration(stats.LeaseTimeout), colorize),
	)

	if len(status.Pipelines) > 0 {
		rows := make([][]string, 0, len(status.Pipelines))
		for _, p := range status.Pipelines {
			state := "ok"
			if !p.Healthy {
				state = "failed"
			}

			if p.Error != "" {
				state = p.Error
			}

			rows = append(rows, []string{
				p.StoryID,
				strconv.Itoa(p.QueueDepth),
				strconv.Itoa(p.LatestSegment),
				formatDuration(p.Buffer),
				state,
			})
		}

		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Pipelines", colorize)...)
		lines = append(lines, renderTable(
			[]string{"Story", "Queue", "Segment", "Buffer", "State"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft},
			colorize,
		))
	}

	if len(status.History) > 0 {
		rows := make([][]string, 0, len(status.History))
		for _, summary := range status.History {
			rows = append(rows, []string{
				summary.StoryID,
				strconv.Itoa(summary.Units),
				formatDuration(summary.TTFA),
				summary.CompletedAt.Format(time.RFC3339),
			})
		}

		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Completed stories", colorize)...)
		lines = append(lines, renderTable(
			[]string{"Story", "Units", "TTFA", "Completed"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
			colorize,
		))
	}

	return strings.Join(lines, "\n") + "\n"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}

	return d.Round(time.Millisecond).String()
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}

	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}

	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))

	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}

	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}

	fd := file.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
