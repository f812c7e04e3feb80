package main

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// PROGRESS BAR
// ─────────────────────────────────────────────────────────────────────────────

// Progress draws a one-line bar for a download: the fill is the fraction of
// chunks received, the speed is in bytes.
type Progress struct {
	w      io.Writer
	label  string
	total  uint32
	chunks uint32
	bytes  int64
	t0     time.Time
	last   time.Time
}

func newProgress(w io.Writer, label string, totalChunks uint32) *Progress {
	if len(label) > 20 {
		label = label[len(label)-20:]
	}
	return &Progress{w: w, label: label, total: max(totalChunks, 1), t0: time.Now()}
}

func (p *Progress) Update(chunks uint32, bytes int64) {
	p.chunks, p.bytes = chunks, bytes
	if time.Since(p.last) >= 150*time.Millisecond || p.chunks >= p.total {
		p.last = time.Now()
		p.draw()
	}
}

func (p *Progress) Finish() {
	p.chunks = p.total
	p.draw()
	fmt.Fprintln(p.w)
}

func (p *Progress) fraction() float64 {
	return min(float64(p.chunks)/float64(p.total), 1)
}

func (p *Progress) draw() {
	pct := p.fraction()
	width := 28
	filled := int(pct * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	dt := time.Since(p.t0).Seconds()
	var speed float64
	if dt > 0 {
		speed = float64(p.bytes) / dt
	}
	var eta float64
	if pct > 0 && pct < 1 {
		eta = dt/pct - dt
	}
	fmt.Fprintf(p.w, "\r  %-20s [%s] %5.1f%%  %s/s  ETA %s",
		p.label, bar, pct*100, fmtSize(speed), fmtTime(eta))
}

// progressPrinter adapts Progress to the client's progress callback. A new
// bar starts with every download.
func progressPrinter(w io.Writer) func(name string, meta Metadata, received uint32, bytes int) {
	var bar *Progress
	return func(name string, meta Metadata, received uint32, bytes int) {
		if bar == nil || received == 1 {
			bar = newProgress(w, name, meta.TotalChunks)
		}
		bar.Update(received, int64(bytes))
		if received >= meta.TotalChunks {
			bar.Finish()
			bar = nil
		}
	}
}

func fmtSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%6.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%6.1f TB", n)
}

func fmtTime(s float64) string {
	if s < 60 {
		return fmt.Sprintf("%.0fs", s)
	}
	return fmt.Sprintf("%dm%02ds", int(s)/60, int(s)%60)
}
