package backtest

import (
	"fmt"
	"iter"
	"time"
)

// Fold is one (in-sample, out-of-sample) pair. Indices are inclusive bar
// positions in the series the schedule was generated from.
type Fold struct {
	Index    int `json:"index" yaml:"index"`
	ISStart  int `json:"is_start" yaml:"is_start"`
	ISEnd    int `json:"is_end" yaml:"is_end"`
	OOSStart int `json:"oos_start" yaml:"oos_start"`
	OOSEnd   int `json:"oos_end" yaml:"oos_end"`

	ISStartDate  time.Time `json:"is_start_date,omitzero" yaml:"is_start_date,omitempty"`
	ISEndDate    time.Time `json:"is_end_date,omitzero" yaml:"is_end_date,omitempty"`
	OOSStartDate time.Time `json:"oos_start_date,omitzero" yaml:"oos_start_date,omitempty"`
	OOSEndDate   time.Time `json:"oos_end_date,omitzero" yaml:"oos_end_date,omitempty"`
}

// ISLength returns the number of in-sample bars
func (f Fold) ISLength() int { return f.ISEnd - f.ISStart + 1 }

// OOSLength returns the number of out-of-sample bars
func (f Fold) OOSLength() int { return f.OOSEnd - f.OOSStart + 1 }

// Validate checks the fold ordering and that it lies within [0, bars).
func (f Fold) Validate(bars int) error {
	if f.ISStart < 0 || f.OOSEnd >= bars {
		return fmt.Errorf("%w: fold %d [%d, %d] outside series of %d bars", ErrInvalidConfiguration, f.Index, f.ISStart, f.OOSEnd, bars)
	}
	if !(f.ISStart <= f.ISEnd && f.ISEnd < f.OOSStart && f.OOSStart <= f.OOSEnd) {
		return fmt.Errorf("%w: fold %d is not ordered: is [%d, %d] oos [%d, %d]", ErrInvalidConfiguration, f.Index, f.ISStart, f.ISEnd, f.OOSStart, f.OOSEnd)
	}
	return nil
}

// FoldOptions tune fold generation
type FoldOptions struct {
	// Anchored keeps the in-sample start pinned to the series start so the IS
	// window expands with each fold.
	Anchored bool
}

// FoldSchedule is a lazy, restartable fold sequence. It holds only its
// inputs; every call to All regenerates the same folds.
type FoldSchedule struct {
	series     *PriceSeries
	start, end int
	is         Window
	oos        Window
	step       Window
	opts       FoldOptions
}

// GenerateFolds schedules folds over the whole series. A zero step defaults to
// the OOS length. Bar windows and calendar windows cannot be mixed.
func GenerateFolds(series *PriceSeries, isLength, oosLength, stepLength Window, opts FoldOptions) (*FoldSchedule, error) {
	if series == nil || series.Len() == 0 {
		return nil, fmt.Errorf("%w: empty series", ErrInsufficientData)
	}
	if stepLength.IsZero() {
		stepLength = oosLength
	}
	if err := validateWindows(isLength, oosLength, stepLength); err != nil {
		return nil, err
	}

	s := &FoldSchedule{
		series: series,
		start:  0,
		end:    series.Len() - 1,
		is:     isLength,
		oos:    oosLength,
		step:   stepLength,
		opts:   opts,
	}
	if _, ok := s.fold(0); !ok {
		return nil, fmt.Errorf("%w: %d bars (%s to %s) cannot hold is=%s + oos=%s",
			ErrInsufficientData, series.Len(), series.Start().Format(time.DateOnly), series.End().Format(time.DateOnly), isLength, oosLength)
	}
	return s, nil
}

// GenerateIndexFolds schedules folds over the bar range [seriesStart,
// seriesEnd] without dates.
func GenerateIndexFolds(seriesStart, seriesEnd, isLength, oosLength, stepLength int, opts FoldOptions) (*FoldSchedule, error) {
	if stepLength == 0 {
		stepLength = oosLength
	}
	if isLength <= 0 || oosLength <= 0 || stepLength <= 0 {
		return nil, invalidConfig("window lengths must be positive: is=%d oos=%d step=%d", isLength, oosLength, stepLength)
	}
	if seriesStart < 0 || seriesEnd < seriesStart {
		return nil, invalidConfig("invalid series range [%d, %d]", seriesStart, seriesEnd)
	}

	s := &FoldSchedule{
		start: seriesStart,
		end:   seriesEnd,
		is:    Bars(isLength),
		oos:   Bars(oosLength),
		step:  Bars(stepLength),
		opts:  opts,
	}
	if _, ok := s.fold(0); !ok {
		return nil, fmt.Errorf("%w: range of %d bars cannot hold is=%d + oos=%d",
			ErrInsufficientData, seriesEnd-seriesStart+1, isLength, oosLength)
	}
	return s, nil
}

func validateWindows(is, oos, step Window) error {
	windows := []struct {
		name string
		w    Window
	}{{"is", is}, {"oos", oos}, {"step", step}}
	for _, nw := range windows {
		if err := nw.w.Validate(); err != nil {
			return fmt.Errorf("%s window: %w", nw.name, err)
		}
	}
	if is.IsCalendar() != oos.IsCalendar() || is.IsCalendar() != step.IsCalendar() {
		return invalidConfig("windows must all be bars or all be calendar spans: is=%s oos=%s step=%s", is, oos, step)
	}
	return nil
}

// All yields the folds in index order
func (s *FoldSchedule) All() iter.Seq[Fold] {
	return func(yield func(Fold) bool) {
		for i := 0; ; i++ {
			f, ok := s.fold(i)
			if !ok || !yield(f) {
				return
			}
		}
	}
}

// Collect materializes the schedule
func (s *FoldSchedule) Collect() []Fold {
	var folds []Fold
	for f := range s.All() {
		folds = append(folds, f)
	}
	return folds
}

// Count returns the number of folds
func (s *FoldSchedule) Count() int {
	n := 0
	for range s.All() {
		n++
	}
	return n
}

func (s *FoldSchedule) fold(i int) (Fold, bool) {
	var (
		f  Fold
		ok bool
	)
	if s.is.IsCalendar() {
		f, ok = s.calendarFold(i)
	} else {
		f, ok = s.barFold(i)
	}
	if !ok {
		return Fold{}, false
	}
	f.Index = i
	if s.series != nil {
		f.ISStartDate = s.series.bars[f.ISStart].Timestamp
		f.ISEndDate = s.series.bars[f.ISEnd].Timestamp
		f.OOSStartDate = s.series.bars[f.OOSStart].Timestamp
		f.OOSEndDate = s.series.bars[f.OOSEnd].Timestamp
	}
	return f, true
}

func (s *FoldSchedule) barFold(i int) (Fold, bool) {
	offset := i * s.step.Bars
	f := Fold{
		ISStart: s.start + offset,
		ISEnd:   s.start + offset + s.is.Bars - 1,
	}
	if s.opts.Anchored {
		f.ISStart = s.start
	}
	f.OOSStart = f.ISEnd + 1
	f.OOSEnd = f.OOSStart + s.oos.Bars - 1
	if f.OOSEnd > s.end {
		return Fold{}, false
	}
	return f, true
}

// calendarFold maps the calendar windows of fold i onto bar indices. The
// fold exists only when its OOS span ends on or before the last bar date.
func (s *FoldSchedule) calendarFold(i int) (Fold, bool) {
	first := s.series.bars[s.start].Timestamp
	last := s.series.bars[s.end].Timestamp

	anchor := s.step.addTo(first, i)
	isBegin := anchor
	if s.opts.Anchored {
		isBegin = first
	}
	oosBegin := anchor.AddDate(s.is.Years, s.is.Months, s.is.Days)
	oosStop := anchor.AddDate(s.is.Years+s.oos.Years, s.is.Months+s.oos.Months, s.is.Days+s.oos.Days)
	if oosStop.AddDate(0, 0, -1).After(last) {
		return Fold{}, false
	}

	f := Fold{
		ISStart:  s.series.search(isBegin),
		OOSStart: s.series.search(oosBegin),
		OOSEnd:   s.series.search(oosStop) - 1,
	}
	f.ISEnd = f.OOSStart - 1
	if f.ISStart > f.ISEnd || f.OOSStart > f.OOSEnd || f.OOSEnd > s.end {
		return Fold{}, false
	}
	return f, true
}
