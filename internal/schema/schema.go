// Package schema provisions destination DDL before any unit of a table runs.
package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/pool"
)

// Provisioner creates the destination objects of a table. It is a pass/fail
// step: any error blocks the table.
type Provisioner interface {
	Provision(ctx context.Context, table string) error
}

// Nop provisions nothing; used when the destination schema is managed elsewhere.
type Nop struct{}

func (Nop) Provision(context.Context, string) error { return nil }

// SQLFiles executes DDL files on the destination connection. Shared files run
// once per process before the first table's own file.
type SQLFiles struct {
	Exec    pool.QueryExecutor
	Shared  []string
	Tables  map[string]string // table name -> schema file
	Timeout time.Duration

	// Vars are substituted for ${name} in file contents, e.g. the cluster name.
	Vars map[string]string

	mu         sync.Mutex
	sharedDone bool
}

// Provision runs the shared files (once) and then the table's own file.
func (p *SQLFiles) Provision(ctx context.Context, table string) error {
	if err := p.provisionShared(ctx); err != nil {
		return err
	}
	file, ok := p.Tables[table]
	if !ok || file == "" {
		return nil
	}
	return p.runFile(ctx, table, file)
}

func (p *SQLFiles) provisionShared(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sharedDone {
		return nil
	}
	for _, file := range p.Shared {
		if err := p.runFile(ctx, "", file); err != nil {
			return err
		}
	}
	p.sharedDone = true
	return nil
}

func (p *SQLFiles) runFile(ctx context.Context, table, file string) error {
	stmts, err := p.Statements(file)
	if err != nil {
		return err
	}
	log := logging.With("file", filepath.Base(file))
	if table != "" {
		log = log.With("table", table)
	}
	for i, stmt := range stmts {
		if _, err := p.Exec.Execute(ctx, pool.Destination, stmt, p.Timeout); err != nil {
			return fmt.Errorf("schema %s statement %d: %w", file, i+1, err)
		}
	}
	log.Info("applied %d DDL statement(s)", len(stmts))
	return nil
}

// Statements reads and splits a DDL file, for execution and dry runs.
func (p *SQLFiles) Statements(file string) ([]driver.Statement, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	text := string(data)
	if len(p.Vars) > 0 {
		pairs := make([]string, 0, 2*len(p.Vars))
		for name, v := range p.Vars {
			pairs = append(pairs, "${"+name+"}", v)
		}
		text = strings.NewReplacer(pairs...).Replace(text)
	}
	var stmts []driver.Statement
	for _, s := range Split(text) {
		stmts = append(stmts, driver.Statement{Text: s})
	}
	return stmts, nil
}

// Split breaks a SQL script on semicolons that are outside quotes, comments
// and PostgreSQL dollar-quoted bodies. Empty statements are dropped.
func Split(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" && !onlyComments(s) {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := closing(script, i+1, c)
			cur.WriteString(script[i:end])
			i = end - 1
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				end = len(script) - i
			}
			cur.WriteString(script[i : i+end])
			i += end - 1
		case c == '/' && i+1 < len(script) && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			stop := len(script)
			if end >= 0 {
				stop = i + 2 + end + 2
			}
			cur.WriteString(script[i:stop])
			i = stop - 1
		case c == '$':
			if tag, ok := dollarTag(script[i:]); ok {
				end := strings.Index(script[i+len(tag):], tag)
				stop := len(script)
				if end >= 0 {
					stop = i + len(tag) + end + len(tag)
				}
				cur.WriteString(script[i:stop])
				i = stop - 1
				continue
			}
			cur.WriteByte(c)
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return stmts
}

// closing returns the index just past the quote that closes a string opened
// before start. Doubled quotes and backslash escapes are skipped.
func closing(s string, start int, quote byte) int {
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			if i+1 < len(s) && s[i+1] == quote {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(s)
}

// dollarTag recognizes $$ or $tag$ at the start of s.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '$' {
			return s[:i+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 1 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}

func onlyComments(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
