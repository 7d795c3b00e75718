package db

// PnLDay is the per-day profit/loss audit row. Rows are written as trades
// resolve and only read back for reporting.
type PnLDay struct {
	Day    string  `json:"day"` // YYYY-MM-DD in the operator timezone
	PnL    float64 `json:"pnl"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
}
