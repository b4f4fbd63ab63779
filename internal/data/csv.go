package data

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/allocrun/internal/domain"
)

// CSVStream replays historical bars loaded from one CSV file per symbol.
// Expected columns: timestamp,open,high,low,close,volume with an optional
// header row; timestamps are RFC3339 or plain dates (2006-01-02).
type CSVStream struct {
	bars []domain.Bar
	pos  int
}

// NewCSVStream loads <SYMBOL>.csv for each requested symbol from dir,
// validates each series and merges them into one ascending stream.
func NewCSVStream(dir string, symbols []string) (*CSVStream, error) {
	var all []domain.Bar
	for _, symbol := range symbols {
		path := filepath.Join(dir, symbol+".csv")
		bars, err := loadSymbolCSV(path, symbol)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
		log.Info().Str("symbol", symbol).Int("bars", len(bars)).Str("path", path).Msg("Bar series loaded")
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return &CSVStream{bars: all}, nil
}

// Next returns the next bar in ascending timestamp order, or (nil, nil) when
// the stream is exhausted.
func (s *CSVStream) Next(_ context.Context) (*domain.Bar, error) {
	if s.pos >= len(s.bars) {
		return nil, nil
	}
	bar := s.bars[s.pos]
	s.pos++
	return &bar, nil
}

// Len returns the total number of bars in the stream.
func (s *CSVStream) Len() int { return len(s.bars) }

func loadSymbolCSV(path, symbol string) ([]domain.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bar file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	var bars []domain.Bar
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s line %d: %w", path, line+1, err)
		}
		line++
		if line == 1 && strings.EqualFold(record[0], "timestamp") {
			continue
		}

		bar, err := parseBar(record, symbol)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if n := len(bars); n > 0 && !bar.Timestamp.After(bars[n-1].Timestamp) {
			return nil, fmt.Errorf("%s line %d: bars out of order: %s !> %s",
				path, line, bar.Timestamp, bars[n-1].Timestamp)
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars in %s", path)
	}
	return bars, nil
}

func parseBar(record []string, symbol string) (domain.Bar, error) {
	ts, err := parseTimestamp(record[0])
	if err != nil {
		return domain.Bar{}, err
	}

	fields := make([]float64, 5)
	for i, raw := range record[1:6] {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("bad numeric field %q: %w", raw, err)
		}
		fields[i] = v
	}

	bar := domain.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}
	if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 {
		return domain.Bar{}, fmt.Errorf("non-positive price in bar at %s", ts)
	}
	if bar.High < bar.Low {
		return domain.Bar{}, fmt.Errorf("high %.4f below low %.4f at %s", bar.High, bar.Low, ts)
	}
	return bar, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", raw, err)
	}
	return ts, nil
}
