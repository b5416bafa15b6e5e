package main

/*
WHAT'S GOING ON HERE?

A self-contained HTML report for one experiment run: per-model training
curves and the ROC curve of every attack.

KEY CONCEPTS:
- TrainingMetrics: per-epoch loss/perplexity for every model trained
- Results: attack outcomes with their ROC curves
- HTML output: one file, opens in any browser, no plotting libraries

WHY TRAINING CURVES IN AN AUDIT REPORT?
The attacks work because of the train/dev gap. Seeing the target's and the
shadows' curves next to each other shows whether the shadows overfit the
way the target does, which is the assumption the shadow attack rests on.
*/

import (
	"fmt"
	"html"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
)

// ModelCurve is the per-epoch history of one model.
type ModelCurve struct {
	Epochs          []int
	TrainLoss       []float64
	TrainPerplexity []float64
	DevPerplexity   []float64
}

// TrainingMetrics collects epoch statistics from concurrently trained
// models.
type TrainingMetrics struct {
	mu     sync.Mutex
	models map[string]*ModelCurve
}

// NewTrainingMetrics creates a new metrics tracker
func NewTrainingMetrics() *TrainingMetrics {
	return &TrainingMetrics{models: make(map[string]*ModelCurve)}
}

// Record adds one epoch of a model.
func (m *TrainingMetrics) Record(s EpochStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.models[s.Model]
	if !ok {
		c = &ModelCurve{}
		m.models[s.Model] = c
	}
	c.Epochs = append(c.Epochs, s.Epoch)
	c.TrainLoss = append(c.TrainLoss, s.TrainLoss)
	c.TrainPerplexity = append(c.TrainPerplexity, s.TrainPerplexity)
	c.DevPerplexity = append(c.DevPerplexity, s.DevPerplexity)
}

// Models returns the recorded model names, sorted.
func (m *TrainingMetrics) Models() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Curve returns a copy of one model's history.
func (m *TrainingMetrics) Curve(model string) (ModelCurve, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.models[model]
	if !ok {
		return ModelCurve{}, false
	}
	return ModelCurve{
		Epochs:          append([]int(nil), c.Epochs...),
		TrainLoss:       append([]float64(nil), c.TrainLoss...),
		TrainPerplexity: append([]float64(nil), c.TrainPerplexity...),
		DevPerplexity:   append([]float64(nil), c.DevPerplexity...),
	}, true
}

// SaveHTML writes the report: a summary table of results, one ROC chart,
// and a perplexity chart per model. Either part may be empty but not both.
func (m *TrainingMetrics) SaveHTML(filename string, results []Result) error {
	models := m.Models()
	if len(models) == 0 && len(results) == 0 {
		return fmt.Errorf("no metrics to save")
	}

	var rows strings.Builder
	for _, r := range results {
		fmt.Fprintf(&rows, "<tr><td>%s</td><td>%.3f</td><td>%.3f</td><td>%.3f</td><td>%.3f</td><td>%d</td><td>%d</td></tr>\n",
			html.EscapeString(r.Name), r.Accuracy, r.AUC, r.Precision, r.Recall, r.TrainSize, r.TestSize)
	}

	var rocs strings.Builder
	rocs.WriteString("[")
	for i, r := range results {
		if i > 0 {
			rocs.WriteString(",")
		}
		fmt.Fprintf(&rocs, "{name:%q,x:%s,y:%s}", r.Name, formatJSArrayFloat(r.ROC.FPR), formatJSArrayFloat(r.ROC.TPR))
	}
	rocs.WriteString("]")

	var curves, canvases strings.Builder
	curves.WriteString("[")
	for i, name := range models {
		c, _ := m.Curve(name)
		if i > 0 {
			curves.WriteString(",")
		}
		fmt.Fprintf(&curves, "{name:%q,epochs:%s,train:%s,dev:%s}",
			name, formatJSArray(c.Epochs), formatJSArrayFloat(c.TrainPerplexity), formatJSArrayFloat(c.DevPerplexity))
		fmt.Fprintf(&canvases, "<div class=\"chart\"><h3>%s</h3><canvas id=\"model%d\" width=\"560\" height=\"260\"></canvas></div>\n",
			html.EscapeString(name), i)
	}
	curves.WriteString("]")

	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Membership Inference Audit</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', sans-serif; background: #0d1117; color: #c9d1d9; padding: 20px; }
        h1 { font-size: 26px; margin-bottom: 10px; }
        table { border-collapse: collapse; margin: 16px 0; }
        td, th { border: 1px solid #30363d; padding: 6px 12px; text-align: right; }
        th { background: #161b22; }
        .chart { display: inline-block; margin: 10px; background: #161b22; padding: 10px; border-radius: 6px; }
        .legend { font-size: 12px; }
    </style>
</head>
<body>
    <h1>Membership Inference Audit</h1>
    <table>
        <tr><th>attack</th><th>accuracy</th><th>auc</th><th>precision</th><th>recall</th><th>train</th><th>test</th></tr>
%s
    </table>
    <div class="chart"><h3>ROC</h3><canvas id="roc" width="420" height="420"></canvas></div>
%s
    <script>
        const rocs = %s;
        const curves = %s;
        const colors = ['#58a6ff', '#56d364', '#f78166', '#d2a8ff', '#e3b341', '#79c0ff'];

        function draw(id, series, xLabel, yLabel) {
            const canvas = document.getElementById(id);
            const ctx = canvas.getContext('2d');
            const w = canvas.width, h = canvas.height, pad = 40;
            let xmin = Infinity, xmax = -Infinity, ymin = Infinity, ymax = -Infinity;
            series.forEach(s => s.x.forEach((x, i) => {
                const y = s.y[i];
                if (y === null) return;
                xmin = Math.min(xmin, x); xmax = Math.max(xmax, x);
                ymin = Math.min(ymin, y); ymax = Math.max(ymax, y);
            }));
            if (xmax === xmin) xmax = xmin + 1;
            if (ymax === ymin) ymax = ymin + 1;
            ctx.strokeStyle = '#30363d';
            ctx.strokeRect(pad, pad / 2, w - 1.5 * pad, h - 1.5 * pad);
            series.forEach((s, k) => {
                ctx.strokeStyle = colors[k %% colors.length];
                ctx.beginPath();
                s.x.forEach((x, i) => {
                    if (s.y[i] === null) return;
                    const px = pad + (x - xmin) / (xmax - xmin) * (w - 1.5 * pad);
                    const py = h - pad - (s.y[i] - ymin) / (ymax - ymin) * (h - 1.5 * pad);
                    i === 0 ? ctx.moveTo(px, py) : ctx.lineTo(px, py);
                });
                ctx.stroke();
                ctx.fillStyle = colors[k %% colors.length];
                ctx.fillText(s.name, w - 150, pad + 14 * k);
            });
            ctx.fillStyle = '#c9d1d9';
            ctx.fillText(xLabel, w / 2, h - 8);
            ctx.fillText(yLabel, 4, 12);
        }

        window.onload = function() {
            draw('roc', rocs, 'False positive rate', 'True positive rate');
            curves.forEach((c, i) => draw('model' + i, [
                {name: 'train', x: c.epochs, y: c.train},
                {name: 'dev', x: c.epochs, y: c.dev},
            ], 'Epoch', 'Perplexity'));
        };
    </script>
</body>
</html>`, rows.String(), canvases.String(), rocs.String(), curves.String())

	return os.WriteFile(filename, []byte(page), 0644)
}

// formatJSArray formats an int slice as a JavaScript array
func formatJSArray(arr []int) string {
	if len(arr) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range arr {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("%d", v))
	}
	sb.WriteString("]")
	return sb.String()
}

// formatJSArrayFloat formats a float64 slice as a JavaScript array
func formatJSArrayFloat(arr []float64) string {
	if len(arr) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range arr {
		if i > 0 {
			sb.WriteString(",")
		}
		// NaN/Inf are not valid JavaScript literals in arrays
		if math.IsNaN(v) || math.IsInf(v, 0) {
			sb.WriteString("null")
		} else {
			sb.WriteString(fmt.Sprintf("%g", v))
		}
	}
	sb.WriteString("]")
	return sb.String()
}
