package research

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Bar is one OHLC row of the input file.
type Bar struct {
	Time  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// ReadBars reads "timestamp,open,high,low,close" rows. The timestamp is in
// unix seconds.
func ReadBars(filename string, header bool) ([]Bar, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open bars")
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read csv data")
	}
	if header && len(records) > 0 {
		records = records[1:]
	}
	bars := make([]Bar, 0, len(records))
	for i, rec := range records {
		if len(rec) < 5 {
			return nil, fmt.Errorf("row %d: want 5 columns, got %d", i+1, len(rec))
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d timestamp", i+1)
		}
		var v [4]float64
		for j := range v {
			if v[j], err = strconv.ParseFloat(rec[j+1], 64); err != nil {
				return nil, errors.Wrapf(err, "row %d column %d", i+1, j+2)
			}
		}
		bars = append(bars, Bar{Time: time.Unix(ts, 0).UTC(), Open: v[0], High: v[1], Low: v[2], Close: v[3]})
	}
	return bars, nil
}

// WriteTrades writes the trades of r as CSV.
func WriteTrades(r Result, output string) error {
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintln(f, "Time,Side,Price,Amount,Cash,Coin")
	for _, t := range r.Trades {
		fmt.Fprintf(f, "%s,%s,%s,%s,%s,%s\n", t.Time.Format(time.RFC3339), t.Side,
			t.Price.String(), t.Amount.String(), t.Cash.StringFixed(2), t.Coin.String())
	}
	return nil
}
