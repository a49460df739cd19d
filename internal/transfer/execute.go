package transfer

import (
	"context"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/pool"
)

// Render builds the destination-side statement for a unit.
func Render(d driver.Dialect, t driver.Table, u *Unit) driver.Statement {
	return d.TransferStatement(t, u.Window.Start, u.Window.End)
}

// Execute performs a single attempt on the destination connection and
// classifies any failure as transient or fatal.
func Execute(ctx context.Context, exec pool.QueryExecutor, u *Unit, stmt driver.Statement, timeout time.Duration) (int64, error) {
	res, err := exec.Execute(ctx, pool.Destination, stmt, timeout)
	if err != nil {
		if pool.IsTransient(err) {
			return 0, &TransientExecutionError{Unit: u.Key(), Err: err}
		}
		return 0, &FatalExecutionError{Unit: u.Key(), Err: err}
	}
	return res.RowsAffected, nil
}
