package commandline

import (
	"fmt"
	"io"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var reportTitleStyle = lipgloss.NewStyle().Bold(true).PaddingLeft(2)

// EvalProgress returns a callback for train.Evaluate that prints a one-line
// running summary to w each time it is called.
func EvalProgress(w io.Writer) train.EvalProgressFn {
	return func(result train.EvalResult) {
		fmt.Fprintf(w, "  [%d episodes] accuracy %.2f%% ± %.2f%%, loss %.4f\n",
			result.Episodes, 100*result.MeanAccuracy, 100*result.CI95, result.MeanLoss)
	}
}

// PrintEvalReport renders the final evaluation summary: mean accuracy with
// its 95% confidence interval over the evaluated episodes.
func PrintEvalReport(w io.Writer, title string, result train.EvalResult) {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Episodes", humanizeInt(result.Episodes))
	table.Row("Mean accuracy", fmt.Sprintf("%.2f%% ± %.2f%%", 100*result.MeanAccuracy, 100*result.CI95))
	table.Row("Accuracy std dev", fmt.Sprintf("%.2f%%", 100*result.StdDev))
	table.Row("Mean loss", fmt.Sprintf("%.4f", result.MeanLoss))
	fmt.Fprintln(w, reportTitleStyle.Render(title))
	fmt.Fprintln(w, table.String())
}

// FormatEvalRecord renders a single-line evaluation record suitable for the
// run directory's append-only evaluation log.
func FormatEvalRecord(result train.EvalResult, numSteps int) string {
	return fmt.Sprintf("episodes=%d num_steps=%d accuracy=%.4f ci95=%.4f std=%.4f loss=%.4f",
		result.Episodes, numSteps, result.MeanAccuracy, result.CI95, result.StdDev, result.MeanLoss)
}
