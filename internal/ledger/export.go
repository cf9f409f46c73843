package ledger

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var recordHeader = []string{
	"order_id", "account", "symbol", "side", "order_type",
	"qty", "price", "filled_qty", "avg_fill_price",
	"status", "reason", "text",
	"first_time", "last_time", "duration_ms",
	"exit_kind", "high_price", "low_price",
}

var fillHeader = []string{
	"order_id", "account", "symbol", "side", "qty", "price", "time",
}

// WriteRecordsCSV exports records (ledger summary or snapshot view) as
// delimited text. Output is byte-identical across runs on the same input.
func WriteRecordsCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(recordHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.OrderID, r.Account, r.Symbol, r.Side, r.OrderType,
			formatFloat(r.Qty), formatFloat(r.Price),
			formatFloat(r.FilledQty), formatFloat(r.AvgFillPrice),
			r.Status, r.Reason, r.Text,
			formatTime(r.FirstTime), formatTime(r.LastTime),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
			r.ExitKind, formatFloat(r.HighPrice), formatFloat(r.LowPrice),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFillsCSV exports the chronological fill stream.
func WriteFillsCSV(w io.Writer, fills []Fill) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fillHeader); err != nil {
		return err
	}
	for _, f := range fills {
		row := []string{
			f.OrderID, f.Account, f.Symbol, f.Side,
			formatFloat(f.Qty), formatFloat(f.Price), formatTime(f.Time),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
