package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
)

// itemProgress is a counting bar for long record loops such as indexing.
type itemProgress struct {
	bar *progressbar.ProgressBar
}

func newItemProgress(total int, description string) *itemProgress {
	bar := progressbar.NewOptions64(
		int64(total),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &itemProgress{bar: bar}
}

func (p *itemProgress) Set(done int) {
	_ = p.bar.Set(done)
}

func (p *itemProgress) Finish() {
	_ = p.bar.Finish()
}

// waitSpinner covers a blocking step with no measurable progress.
type waitSpinner struct {
	s *spinner.Spinner
}

func newWaitSpinner(message string) *waitSpinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &waitSpinner{s: s}
}

func (w *waitSpinner) Start() {
	w.s.Start()
}

func (w *waitSpinner) Stop() {
	w.s.Stop()
}

func (w *waitSpinner) Update(message string) {
	w.s.Lock()
	w.s.Suffix = " " + message
	w.s.Unlock()
}
