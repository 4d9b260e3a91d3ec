package cmd

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/gosuri/uilive"

	"go-remote-download/internal/helpers"
	"go-remote-download/internal/models"
)

// progressView renders the running batch on a live-updating terminal line.
// It does nothing until begin is called, so background batches stay quiet.
type progressView struct {
	mu       sync.Mutex
	writer   *uilive.Writer
	label    string
	lastDraw time.Time
}

func newProgressView() *progressView {
	return &progressView{}
}

func (p *progressView) begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		return
	}
	p.writer = uilive.New()
	p.writer.Start()
}

func (p *progressView) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return
	}
	p.writer.Stop()
	p.writer = nil
}

func (p *progressView) start(index, total int, job models.TransferJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return
	}
	p.label = fmt.Sprintf("[%d/%d] %s", index+1, total, job.Entry.Name)
	fmt.Fprintf(p.writer, "%s: starting...\n", p.label)
}

// update is the agent progress callback. Redraws are throttled.
func (p *progressView) update(remotePath string, written, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return
	}
	now := time.Now()
	if written < total && now.Sub(p.lastDraw) < 100*time.Millisecond {
		return
	}
	p.lastDraw = now
	label := p.label
	if label == "" {
		label = path.Base(remotePath)
	}
	if total > 0 {
		fmt.Fprintf(p.writer, "%s: %s / %s (%.1f%%)\n", label,
			helpers.BytesToSize(uint64(written)), helpers.BytesToSize(uint64(total)),
			float64(written)*100/float64(total))
		return
	}
	fmt.Fprintf(p.writer, "%s: %s\n", label, helpers.BytesToSize(uint64(written)))
}

func (p *progressView) done(index, total int, outcome models.TransferOutcome, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return
	}
	name := outcome.Job.Entry.Name
	if ok {
		fmt.Fprintf(p.writer.Newline(), "[%d/%d] Downloaded %s -> %s\n", index+1, total, name, outcome.FinalPath)
	} else {
		fmt.Fprintf(p.writer.Newline(), "[%d/%d] Failed %s: %s\n", index+1, total, name, outcome.Reason)
	}
	p.label = ""
}
