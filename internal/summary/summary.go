// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package summary records training scalars in a log directory.
//
// Scalars are appended to events.tsv (step, tag, value), the model
// description goes to graph.txt, and Close renders every recorded series to
// loss.png.
package summary

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// File names inside the log directory.
const (
	EventsFile = "events.tsv"
	GraphFile  = "graph.txt"
	PlotFile   = "loss.png"
)

// Event is one recorded scalar.
type Event struct {
	Step  int
	Tag   string
	Value float64
}

// Writer appends events to a log directory. It is safe for concurrent use.
type Writer struct {
	dir string

	mu     sync.Mutex
	file   *os.File
	csv    *csv.Writer
	series map[string]plotter.XYs
	closed bool
}

// NewWriter opens or creates the event log in dir.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	path := filepath.Join(dir, EventsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("summary: open events: %w", err)
	}

	w := &Writer{
		dir:    dir,
		file:   f,
		csv:    csv.NewWriter(f),
		series: make(map[string]plotter.XYs),
	}
	w.csv.Comma = '\t'

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("summary: %w", err)
	}
	if fi.Size() == 0 {
		if err := w.csv.Write([]string{"step", "tag", "value"}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("summary: write header: %w", err)
		}
	}

	return w, nil
}

// Dir returns the log directory.
func (w *Writer) Dir() string {
	return w.dir
}

// AddScalar records value for tag at step.
func (w *Writer) AddScalar(tag string, step int, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("summary: writer closed")
	}
	rec := []string{strconv.Itoa(step), tag, strconv.FormatFloat(value, 'g', -1, 64)}
	if err := w.csv.Write(rec); err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	w.series[tag] = append(w.series[tag], plotter.XY{X: float64(step), Y: value})
	return nil
}

// Flush writes buffered events to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.csv.Flush()
	return w.csv.Error()
}

// WriteGraph stores a textual description of the trained model.
func (w *Writer) WriteGraph(desc string) error {
	if err := os.WriteFile(filepath.Join(w.dir, GraphFile), []byte(desc+"\n"), 0o644); err != nil {
		return fmt.Errorf("summary: write graph: %w", err)
	}
	return nil
}

// Close flushes the event log and renders the recorded series.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.csv.Flush()
	err := w.csv.Error()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("summary: close events: %w", err)
	}

	if len(w.series) == 0 {
		return nil
	}
	return renderPlot(filepath.Join(w.dir, PlotFile), w.series)
}

func renderPlot(path string, series map[string]plotter.XYs) error {
	p := plot.New()
	p.Title.Text = "training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	tags := make([]string, 0, len(series))
	for tag := range series {
		tags = append(tags, tag)
	}
	slices.Sort(tags)

	for i, tag := range tags {
		line, err := plotter.NewLine(series[tag])
		if err != nil {
			return fmt.Errorf("summary: plot %s: %w", tag, err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(tag, line)
	}
	p.Add(plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("summary: save plot: %w", err)
	}
	return nil
}

// ReadEvents parses an events file written by Writer.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = 3

	var events []Event
	for line := 0; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("summary: %s: %w", path, err)
		}
		if line == 0 && rec[0] == "step" {
			continue
		}

		step, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("summary: %s: bad step %q", path, rec[0])
		}
		value, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("summary: %s: bad value %q", path, rec[2])
		}
		events = append(events, Event{Step: step, Tag: rec[1], Value: value})
	}
	return events, nil
}
