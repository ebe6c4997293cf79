// Package commandline implements the terminal UI of the driver: a progress
// bar with live metrics attached to the training loop, and the evaluation
// report printer.
package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along
// the progress bar. It is called at each update and should return a name and
// the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

const ProgressBarName = "metalearn.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display
// of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBarUpdate carries one epoch's display data to the draw goroutine.
// Every loop-derived value is rendered to a string by the OnEpoch hook, on the
// loop's goroutine; the draw goroutine never touches the Loop.
type progressBarUpdate struct {
	amount         int
	epoch          string
	medianDuration string
	metrics        train.StepMetrics
	skipped        int
}

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numEpochs         int
	lastEpochReported int
	skippedBatches    int
	bar               *progressbar.ProgressBar

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	finishOnce       sync.Once

	extraMetricFns []ExtraMetricFn
}

func (pBar *progressBar) onStart(loop *train.Loop, _ sampler.Source) error {
	pBar.lastEpochReported = loop.StartEpoch
	pBar.numEpochs = loop.NumEpochs - loop.StartEpoch
	if pBar.numEpochs <= 0 {
		pBar.numEpochs = 1
	}
	pBar.bar = progressbar.NewOptions(pBar.numEpochs,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	return nil
}

func (pBar *progressBar) onEpoch(loop *train.Loop, metrics train.StepMetrics) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.Epoch + 1 - pBar.lastEpochReported
	if amount <= 0 {
		return nil
	}
	if metrics.Skipped {
		pBar.skippedBatches++
	}
	pBar.updates <- progressBarUpdate{
		amount: amount,
		epoch: fmt.Sprintf("%s of %s",
			humanizeInt(metrics.Epoch+1), humanizeInt(loop.NumEpochs)),
		medianDuration: FormatDuration(loop.MedianEpochDuration()),
		metrics:        metrics,
		skipped:        pBar.skippedBatches,
	}
	pBar.lastEpochReported = loop.Epoch + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ train.StepMetrics) error {
	pBar.finish()
	return nil
}

// finish closes the updates channel, waits for the draw goroutine to drain it
// and restores the cursor. Safe to call more than once.
func (pBar *progressBar) finish() {
	pBar.finishOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		if pBar.termenv != nil {
			pBar.termenv.ShowCursor()
		}
		fmt.Println()
	})
}

// numStatsRows is the fixed part of the stats table: epoch counter, median
// epoch duration, support loss, query loss and query accuracy.
const numStatsRows = 5

func (pBar *progressBar) drawLoop() {
	// Asynchronously draw updates: this is handy if the training is faster
	// than the terminal, in particular if running on cloud, with a relatively
	// slow network connection. All strings derived from the loop come
	// pre-rendered in the update, so this goroutine only prints.
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Epoch", update.epoch)
		pBar.statsTable.Row("Median epoch duration", update.medianDuration)
		pBar.statsTable.Row("Support loss", fmt.Sprintf("%.4f", update.metrics.SupportLoss))
		pBar.statsTable.Row("Query loss", fmt.Sprintf("%.4f", update.metrics.QueryLoss))
		pBar.statsTable.Row("Query accuracy", fmt.Sprintf("%.2f%%", 100*update.metrics.QueryAccuracy))
		numRows := numStatsRows
		if update.skipped > 0 {
			pBar.statsTable.Row("Skipped batches", humanizeInt(update.skipped))
			numRows++
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
			numRows++
		}

		// For command-line, we clear the previous lines that will be
		// overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := numRows + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
	pBar.asyncUpdatesDone.Done()
}

// AttachProgressBar creates a commandline progress bar and attaches it to the
// Loop, so that as the loop runs it displays progression and the latest epoch
// metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at
// every update of the progress bar and should return a name (title) and a
// value to be included in the updated print-out.
//
// It returns a close function that stops the draw goroutine and restores the
// cursor. The loop's end hooks call it on a normal or cancelled run; invoke
// it (it is idempotent) when Loop.RunEpochs returns an error, since end hooks
// do not run on failure.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) (done func()) {
	pBar := &progressBar{
		isFirstOutput:  true,
		extraMetricFns: extraMetrics,
	}
	pBar.termenv = termenv.NewOutput(os.Stdout)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop()

	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnEpoch(ProgressBarName, 0, pBar.onEpoch)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar.finish
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
