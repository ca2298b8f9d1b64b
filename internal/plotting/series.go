// Package plotting renders the confidence trace of a run to PNG.
package plotting

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/posefusion/internal/confidence"
	"github.com/banshee-data/posefusion/internal/fusion"
)

// Point is one recorded cycle.
type Point struct {
	Cycle     uint64
	Seconds   float64 // since the first recorded cycle
	Lost      bool
	Good      uint32
	StdX      float64 // valid when HasStdDev
	StdY      float64
	StdH      float64
	HasStdDev bool
}

// Series collects loop status for plotting. Record can be registered with
// fusion.Loop.OnCycle.
type Series struct {
	mu     sync.Mutex
	start  time.Time
	points []Point
}

// NewSeries returns an empty series.
func NewSeries() *Series {
	return &Series{}
}

// Record appends st.
func (s *Series) Record(st fusion.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.points) == 0 {
		s.start = st.Time
	}
	p := Point{
		Cycle:   st.Cycle,
		Seconds: st.Time.Sub(s.start).Seconds(),
		Lost:    st.State == confidence.StateLost,
		Good:    st.Confidence.GoodObservationsSincePoseLoss,
	}
	if st.StateStdDevs != nil {
		p.StdX, p.StdY, p.StdH = st.StateStdDevs.X, st.StateStdDevs.Y, st.StateStdDevs.Heading
		p.HasStdDev = true
	}
	s.points = append(s.points, p)
}

// Points returns a copy of the recorded points.
func (s *Series) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.points...)
}

// Len returns the number of recorded cycles.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

// SavePNG writes <base>_stddev.png, the state uncertainty applied by the
// tracker, and <base>_confidence.png, the lost flag and recovery count, into
// dir. It returns the files written.
func (s *Series) SavePNG(dir, base string) ([]string, error) {
	points := s.Points()
	if len(points) == 0 {
		return nil, fmt.Errorf("no samples recorded")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var stdX, stdY, stdH, lost, good plotter.XYs
	for _, p := range points {
		if p.HasStdDev {
			stdX = append(stdX, plotter.XY{X: p.Seconds, Y: p.StdX})
			stdY = append(stdY, plotter.XY{X: p.Seconds, Y: p.StdY})
			stdH = append(stdH, plotter.XY{X: p.Seconds, Y: p.StdH})
		}
		l := 0.0
		if p.Lost {
			l = 1
		}
		lost = append(lost, plotter.XY{X: p.Seconds, Y: l})
		good = append(good, plotter.XY{X: p.Seconds, Y: float64(p.Good)})
	}

	pStd := plot.New()
	pStd.Title.Text = "State uncertainty"
	pStd.X.Label.Text = "Time (s)"
	pStd.Y.Label.Text = "Std dev"
	if err := addLines(pStd, []namedLine{
		{"x (m)", stdX, color.RGBA{R: 217, G: 72, B: 15, A: 255}},
		{"y (m)", stdY, color.RGBA{R: 33, G: 113, B: 181, A: 255}},
		{"heading (rad)", stdH, color.RGBA{R: 35, G: 139, B: 69, A: 255}},
	}); err != nil {
		return nil, err
	}

	pConf := plot.New()
	pConf.Title.Text = "Pose confidence"
	pConf.X.Label.Text = "Time (s)"
	pConf.Y.Label.Text = "Count"
	if err := addLines(pConf, []namedLine{
		{"lost", lost, color.RGBA{R: 203, G: 24, B: 29, A: 255}},
		{"good observations", good, color.RGBA{R: 82, G: 82, B: 82, A: 255}},
	}); err != nil {
		return nil, err
	}

	var written []string
	for _, out := range []struct {
		p    *plot.Plot
		name string
	}{
		{pStd, base + "_stddev.png"},
		{pConf, base + "_confidence.png"},
	} {
		path := filepath.Join(dir, out.name)
		if err := out.p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
			return written, fmt.Errorf("save %s: %w", out.name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

type namedLine struct {
	label string
	xys   plotter.XYs
	color color.Color
}

func addLines(p *plot.Plot, lines []namedLine) error {
	for _, l := range lines {
		if len(l.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(l.xys)
		if err != nil {
			return err
		}
		line.Color = l.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(l.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return nil
}
