package rules

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mutt/pipeline/internal/event"
)

// Store loads the full rule corpus from the authoritative relational store.
type Store interface {
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// SQLStore reads rules, dev-host classifications, and team mappings from
// Postgres. The schema is owned by the external CRUD layer; this side only
// runs read-only SELECTs.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// LoadSnapshot reads the entire corpus in one pass and builds a snapshot.
// Any error aborts the load; callers keep serving the previous snapshot.
func (s *SQLStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	loaded, err := s.loadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	devHosts, err := s.loadDevHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dev hosts: %w", err)
	}
	teams, err := s.loadTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load team mappings: %w", err)
	}
	return NewSnapshot(loaded, devHosts, teams)
}

func (s *SQLStore) loadRules(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(match_string, ''), COALESCE(trap_oid, ''),
		       COALESCE(syslog_severity, ''), match_type, priority,
		       prod_handling, dev_handling, team_assignment, is_active
		FROM rules
		ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r := &Rule{}
		var matchType, prod, dev string
		if err := rows.Scan(&r.ID, &r.MatchString, &r.TrapOID, &r.SyslogSeverity,
			&matchType, &r.Priority, &prod, &dev, &r.Team, &r.Active); err != nil {
			return nil, err
		}
		r.MatchType = MatchType(matchType)
		r.ProdHandling = event.Decision(prod)
		r.DevHandling = event.Decision(dev)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) loadDevHosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hostname FROM dev_hosts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (s *SQLStore) loadTeams(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hostname, team FROM team_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := map[string]string{}
	for rows.Next() {
		var host, team string
		if err := rows.Scan(&host, &team); err != nil {
			return nil, err
		}
		teams[host] = team
	}
	return teams, rows.Err()
}
