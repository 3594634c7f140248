// Package csvfeed serves daily bars from <dir>/<SYMBOL>.csv files, one per
// symbol, with columns time,open,high,low,close[,volume]. The time column is
// either an ISO date/timestamp or epoch milliseconds. UTF-16 files with a BOM
// are decoded transparently.
package csvfeed

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"trend_trading/internal/market"
	"trend_trading/internal/models"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Feed reads bar history from a directory of CSV files.
type Feed struct {
	dir string
}

var (
	_ market.BarSource   = (*Feed)(nil)
	_ market.QuoteSource = (*Feed)(nil)
)

func New(dir string) *Feed {
	return &Feed{dir: dir}
}

// ListInstruments treats every <SYMBOL>.csv in the directory as an equity
// listed on exchange.
func (f *Feed) ListInstruments(exchange string) (map[string]models.Instrument, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", market.ErrExternalService, f.dir, err)
	}
	out := make(map[string]models.Instrument, len(matches))
	for _, m := range matches {
		sym := strings.TrimSuffix(filepath.Base(m), filepath.Ext(m))
		out[sym] = models.Instrument{
			Symbol:   sym,
			Token:    sym,
			Exchange: exchange,
			Segment:  exchange,
			Type:     models.InstrumentEquity,
		}
	}
	return out, nil
}

// GetDayBars returns the bars of token dated within [from, to], oldest first.
func (f *Feed) GetDayBars(token, from, to string) ([]models.MarketBar, error) {
	all, err := f.readAll(token)
	if err != nil {
		return nil, err
	}
	out := make([]models.MarketBar, 0, len(all))
	for _, b := range all {
		d := b.Date()
		if d >= from && d <= to {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetQuotes quotes each symbol at its most recent close. Symbols without a
// file are absent from the result.
func (f *Feed) GetQuotes(symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	for _, sym := range symbols {
		bars, err := f.readAll(sym)
		if err != nil || len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1]
		out[sym] = models.Quote{LastPrice: last.Close, Volume: last.Volume}
	}
	return out, nil
}

func (f *Feed) GetLTP(symbol string) (float64, error) {
	bars, err := f.readAll(symbol)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: no bars for %s", market.ErrExternalService, symbol)
	}
	return bars[len(bars)-1].Close, nil
}

func (f *Feed) readAll(symbol string) ([]models.MarketBar, error) {
	path := filepath.Join(f.dir, symbol+".csv")
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", market.ErrExternalService, path, err)
	}
	defer fh.Close()
	return parseBars(fh)
}

func parseBars(src io.Reader) ([]models.MarketBar, error) {
	br := bufio.NewReader(src)
	// detect UTF-16 BOM; if present, decode to UTF-8
	if b, _ := br.Peek(2); len(b) >= 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) {
		tr := transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
		br = bufio.NewReader(tr)
	}
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var bars []models.MarketBar
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(rec) < 5 {
			continue
		}
		ts, ok := parseTime(strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff")))
		if !ok {
			// header or junk row
			continue
		}
		parse := func(s string) float64 {
			v, _ := strconv.ParseFloat(strings.TrimSpace(strings.Trim(s, `"`)), 64)
			return v
		}
		bar := models.MarketBar{
			Time:  ts,
			Open:  parse(rec[1]),
			High:  parse(rec[2]),
			Low:   parse(rec[3]),
			Close: parse(rec[4]),
		}
		if len(rec) >= 6 {
			bar.Volume = parse(rec[5])
		}
		bars = append(bars, bar)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })
	return bars, nil
}

// parseTime normalizes a time cell to an ISO string whose first 10
// characters are the date.
func parseTime(s string) (string, bool) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC().Format(time.RFC3339), true
	}
	if len(s) < 10 {
		return "", false
	}
	if _, err := time.Parse("2006-01-02", s[:10]); err != nil {
		return "", false
	}
	return s, true
}
