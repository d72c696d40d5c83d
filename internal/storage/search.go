package storage

import (
	"context"
	"fmt"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
)

// SearchHit is a base entity whose recorded content matched a search.
type SearchHit struct {
	Entity models.BaseEntity `json:"entity"`
	// Versions lists every version whose snapshot matched, oldest first.
	Versions []string `json:"versions"`
}

// Search performs FTS5 full-text search across every recorded snapshot of the class.
// History is searched, not just the current state, so removed entities can still be found.
func (p *ProjectStore) Search(ctx context.Context, class models.EntityClass, query string) ([]SearchHit, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT s.base_entity_id, v.major, v.minor, v.revision
		 FROM entity_snapshots s
		 JOIN snapshots_fts ON snapshots_fts.rowid = s.rowid
		 JOIN project_versions v ON v.id = s.version_id
		 JOIN base_entities e ON e.id = s.base_entity_id
		 WHERE snapshots_fts MATCH ? AND e.class = ?
		 ORDER BY v.major, v.minor, v.revision`,
		query, string(class),
	)
	if err != nil {
		return nil, fmt.Errorf("search snapshots fts: %w", err)
	}

	var order []string
	versions := make(map[string][]string)
	for rows.Next() {
		var (
			entityID string
			v        models.ProjectVersion
		)
		if err := rows.Scan(&entityID, &v.Major, &v.Minor, &v.Revision); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		if _, seen := versions[entityID]; !seen {
			order = append(order, entityID)
		}
		versions[entityID] = append(versions[entityID], v.String())
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(order) == 0 {
		return nil, nil
	}

	hits := make([]SearchHit, 0, len(order))
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	st := &sqlTx{ctx: ctx, tx: tx, projectID: p.projectID}
	for _, id := range order {
		e, err := st.Entity(class, id)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Entity: *e, Versions: versions[id]})
	}
	return hits, nil
}
