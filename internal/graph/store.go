// Package graph provides durable SQLite storage for compiled plans and
// their task graphs, plus in-memory DAG operations (topological sort, cycle
// detection) the plan parser and orchestrator need before a plan is ever
// persisted.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgebase/orchestrator/internal/model"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`

	plansSchema = `CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		spec_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		risk_score REAL NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		diff_preview TEXT NOT NULL DEFAULT '',
		original_plan_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);`

	tasksSchema = `CREATE TABLE IF NOT EXISTS tasks (
		plan_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		file TEXT NOT NULL DEFAULT '',
		directory TEXT NOT NULL DEFAULT '',
		anchor TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (plan_id, task_id),
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);`

	taskEdgesSchema = `CREATE TABLE IF NOT EXISTS task_edges (
		plan_id TEXT NOT NULL,
		from_task TEXT NOT NULL,
		to_task TEXT NOT NULL,
		PRIMARY KEY (plan_id, from_task, to_task),
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);`
)

// Store persists compiled plans and their task graphs in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening graph store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	for _, pragma := range []string{pragmaJournalModeWAL, pragmaForeignKeysOn} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma: %w", err)
		}
	}
	for _, stmt := range []string{plansSchema, tasksSchema, taskEdgesSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlan persists a Plan and its TaskGraph, replacing any prior tasks and
// edges for that plan ID. Cycle detection happens before any row is
// written — a cyclic graph is never partially committed.
func (s *Store) SavePlan(ctx context.Context, p model.Plan) error {
	if cyc, ok := DetectCycle(p.Graph); ok {
		return fmt.Errorf("graph: plan %s has a cycle through task %q", p.ID, cyc)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	meta, err := json.Marshal(p.Graph.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling plan metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, spec_id, version, risk_score, summary, diff_preview, original_plan_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spec_id=excluded.spec_id, version=excluded.version, risk_score=excluded.risk_score,
			summary=excluded.summary, diff_preview=excluded.diff_preview,
			original_plan_id=excluded.original_plan_id, metadata=excluded.metadata`,
		p.ID, p.SpecID, p.Version, p.RiskScore, p.Summary, p.DiffPreview, p.OriginalPlanID, string(meta), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE plan_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clearing tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_edges WHERE plan_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clearing edges: %w", err)
	}

	for _, n := range p.Graph.Nodes {
		nodeMeta, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling task metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (plan_id, task_id, task_type, file, directory, anchor, content, acceptance_criteria, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, n.TaskID, string(n.TaskType), n.File, n.Directory, n.Anchor, n.Content, n.AcceptanceCriteria, string(nodeMeta))
		if err != nil {
			return fmt.Errorf("inserting task %s: %w", n.TaskID, err)
		}
		for _, dep := range n.Dependencies {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_edges (plan_id, from_task, to_task) VALUES (?, ?, ?)`,
				p.ID, n.TaskID, dep); err != nil {
				return fmt.Errorf("inserting edge %s->%s: %w", n.TaskID, dep, err)
			}
		}
	}

	return tx.Commit()
}

// LoadPlan reconstructs a Plan (including its TaskGraph) from storage.
func (s *Store) LoadPlan(ctx context.Context, planID string) (model.Plan, error) {
	var p model.Plan
	var meta string
	row := s.db.QueryRowContext(ctx, `
		SELECT id, spec_id, version, risk_score, summary, diff_preview, original_plan_id, metadata, created_at
		FROM plans WHERE id = ?`, planID)
	var createdAt time.Time
	if err := row.Scan(&p.ID, &p.SpecID, &p.Version, &p.RiskScore, &p.Summary, &p.DiffPreview, &p.OriginalPlanID, &meta, &createdAt); err != nil {
		return model.Plan{}, fmt.Errorf("loading plan %s: %w", planID, err)
	}
	p.CreatedAt = createdAt
	_ = json.Unmarshal([]byte(meta), &p.Graph.Metadata)

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_type, file, directory, anchor, content, acceptance_criteria, metadata
		FROM tasks WHERE plan_id = ?`, planID)
	if err != nil {
		return model.Plan{}, fmt.Errorf("loading tasks for plan %s: %w", planID, err)
	}
	defer rows.Close()

	nodesByID := make(map[string]*model.TaskNode)
	var order []string
	for rows.Next() {
		var n model.TaskNode
		var taskType, nodeMeta string
		if err := rows.Scan(&n.TaskID, &taskType, &n.File, &n.Directory, &n.Anchor, &n.Content, &n.AcceptanceCriteria, &nodeMeta); err != nil {
			return model.Plan{}, fmt.Errorf("scanning task: %w", err)
		}
		n.TaskType = model.TaskType(taskType)
		_ = json.Unmarshal([]byte(nodeMeta), &n.Metadata)
		nodesByID[n.TaskID] = &n
		order = append(order, n.TaskID)
	}
	if err := rows.Err(); err != nil {
		return model.Plan{}, err
	}

	edgeRows, err := s.db.QueryContext(ctx, `SELECT from_task, to_task FROM task_edges WHERE plan_id = ?`, planID)
	if err != nil {
		return model.Plan{}, fmt.Errorf("loading edges for plan %s: %w", planID, err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var from, to string
		if err := edgeRows.Scan(&from, &to); err != nil {
			return model.Plan{}, fmt.Errorf("scanning edge: %w", err)
		}
		if n, ok := nodesByID[from]; ok {
			n.Dependencies = append(n.Dependencies, to)
		}
	}
	if err := edgeRows.Err(); err != nil {
		return model.Plan{}, err
	}

	for _, id := range order {
		p.Graph.Nodes = append(p.Graph.Nodes, *nodesByID[id])
	}
	return p, nil
}
