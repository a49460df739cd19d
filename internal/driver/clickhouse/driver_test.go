package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"testing"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/johndauphine/shard-migrate/internal/driver"
)

func TestClassify(t *testing.T) {
	d := &Driver{}
	tests := []struct {
		name string
		err  error
		want driver.ErrorKind
	}{
		{"timeout exceeded", &ch.Exception{Code: codeTimeoutExceeded, Message: "Timeout exceeded"}, driver.Transient},
		{"too many parts", fmt.Errorf("insert: %w", &ch.Exception{Code: codeTooManyParts}), driver.Transient},
		{"nothing to optimize", &ch.Exception{Code: codeCannotAssignOptimize}, driver.Noop},
		{"syntax error", &ch.Exception{Code: 62, Name: "SYNTAX_ERROR"}, driver.Fatal},
		{"deadline", context.DeadlineExceeded, driver.Transient},
		{"cancelled", context.Canceled, driver.Fatal},
		{"reset by message", errors.New("read: connection reset by peer"), driver.Transient},
		{"unknown table", errors.New("Table outpatient.foo doesn't exist"), driver.Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	if driver.Canonicalize("CH") != "clickhouse" {
		t.Error("expected ch alias to resolve to clickhouse")
	}
}
