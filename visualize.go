package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Text renderings of attack results for the terminal and for external
// plotting tools.
//
// OUTPUT FORMATS:
//   - csv:     attack,fpr,tpr,threshold rows, one per ROC point
//   - gnuplot: a script with inline data blocks, one line per attack
//   - ascii:   ROC curve on a character grid plus an AUC bar chart
//
// READING A ROC CURVE:
// The diagonal is a coin flip. A curve bowing towards the top-left means
// the attack separates members from non-members; the area under it (AUC)
// is the probability that a random member scores above a random
// non-member.
//
// ===========================================================================

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// VisualizationConfig controls output format and style.
type VisualizationConfig struct {
	Format string // "gnuplot", "csv", "ascii"
	Width  int
	Height int
}

// DefaultVisualizationConfig returns sensible defaults.
func DefaultVisualizationConfig() VisualizationConfig {
	return VisualizationConfig{
		Format: "ascii",
		Width:  60,
		Height: 20,
	}
}

// GenerateVisualization renders results in the configured format.
func GenerateVisualization(w io.Writer, results []Result, config VisualizationConfig) error {
	switch config.Format {
	case "gnuplot":
		return WriteROCGnuplot(w, results, config)
	case "csv":
		return WriteROCCSV(w, results)
	case "ascii":
		for _, r := range results {
			if err := ASCIIROC(w, r, config.Width, config.Height); err != nil {
				return err
			}
		}
		return ASCIIAUCChart(w, results)
	default:
		return fmt.Errorf("unknown format: %s", config.Format)
	}
}

// WriteROCCSV exports every ROC point.
func WriteROCCSV(w io.Writer, results []Result) error {
	if _, err := fmt.Fprintln(w, "attack,fpr,tpr,threshold"); err != nil {
		return err
	}
	for _, r := range results {
		for i := range r.ROC.FPR {
			if _, err := fmt.Fprintf(w, "%s,%.6f,%.6f,%.6f\n",
				r.Name, r.ROC.FPR[i], r.ROC.TPR[i], r.ROC.Thresholds[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteROCGnuplot writes a gnuplot script plotting every attack's ROC.
func WriteROCGnuplot(w io.Writer, results []Result, config VisualizationConfig) error {
	var sb strings.Builder

	sb.WriteString("#!/usr/bin/gnuplot\n")
	sb.WriteString("reset\n")
	sb.WriteString(fmt.Sprintf("set terminal pngcairo size %d,%d enhanced font 'Arial,12'\n",
		config.Width*10, config.Width*10))
	sb.WriteString("set output 'roc_curve.png'\n\n")

	sb.WriteString("set title 'Membership Inference ROC'\n")
	sb.WriteString("set xlabel 'False positive rate'\n")
	sb.WriteString("set ylabel 'True positive rate'\n")
	sb.WriteString("set xrange [0:1]\n")
	sb.WriteString("set yrange [0:1]\n")
	sb.WriteString("set grid\n")
	sb.WriteString("set key bottom right\n\n")

	for i, r := range results {
		sb.WriteString(fmt.Sprintf("# %s (AUC %.3f)\n", r.Name, r.AUC))
		sb.WriteString(fmt.Sprintf("$roc%d << EOD\n", i))
		for j := range r.ROC.FPR {
			sb.WriteString(fmt.Sprintf("%.6f %.6f\n", r.ROC.FPR[j], r.ROC.TPR[j]))
		}
		sb.WriteString("EOD\n\n")
	}

	sb.WriteString("plot x with lines dt 2 lc rgb 'gray' title 'chance'")
	for i, r := range results {
		sb.WriteString(fmt.Sprintf(", \\\n     $roc%d using 1:2 with lines lw 2 title '%s (AUC %.3f)'", i, r.Name, r.AUC))
	}
	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	return err
}

// ASCIIROC draws one ROC curve on a width × height character grid.
// '*' marks the curve, '.' the chance diagonal.
func ASCIIROC(w io.Writer, r Result, width, height int) error {
	if width < 2 || height < 2 {
		return fmt.Errorf("grid too small: %dx%d", width, height)
	}
	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}
	cell := func(x, y float64) (int, int) {
		col := int(math.Round(x * float64(width-1)))
		row := height - 1 - int(math.Round(y*float64(height-1)))
		return row, col
	}
	for c := 0; c < width; c++ {
		x := float64(c) / float64(width-1)
		row, col := cell(x, x)
		grid[row][col] = '.'
	}

	// Interpolate between ROC points so steps render as lines.
	for i := 1; i < len(r.ROC.FPR); i++ {
		x0, y0 := r.ROC.FPR[i-1], r.ROC.TPR[i-1]
		x1, y1 := r.ROC.FPR[i], r.ROC.TPR[i]
		steps := width + height
		for s := 0; s <= steps; s++ {
			t := float64(s) / float64(steps)
			row, col := cell(x0+(x1-x0)*t, y0+(y1-y0)*t)
			grid[row][col] = '*'
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== ROC: %s (AUC %.3f, accuracy %.3f) ===\n", r.Name, r.AUC, r.Accuracy))
	for i, line := range grid {
		label := "    "
		switch i {
		case 0:
			label = "1.0 "
		case height - 1:
			label = "0.0 "
		}
		sb.WriteString(label + "│" + string(line) + "\n")
	}
	sb.WriteString("    └" + strings.Repeat("─", width) + "\n")
	sb.WriteString(fmt.Sprintf("     0.0%s1.0  (FPR)\n\n", strings.Repeat(" ", max(width-6, 1))))

	_, err := io.WriteString(w, sb.String())
	return err
}

// ASCIIAUCChart draws a bar per attack, scaled so a full bar is AUC 1.
func ASCIIAUCChart(w io.Writer, results []Result) error {
	const barWidth = 50

	var sb strings.Builder
	sb.WriteString("=== AUC by attack ===\n\n")
	for _, r := range results {
		barLen := int(math.Round(r.AUC * barWidth))
		name := fmt.Sprintf("%-15s", r.Name)
		bar := strings.Repeat("█", barLen)
		sb.WriteString(fmt.Sprintf("%s │%s %.3f\n", name, bar, r.AUC))
	}
	sb.WriteString(fmt.Sprintf("%-15s │%s 0.500 (chance)\n\n", "", strings.Repeat("░", barWidth/2)))

	_, err := io.WriteString(w, sb.String())
	return err
}
