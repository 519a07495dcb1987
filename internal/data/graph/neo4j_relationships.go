package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/platform/neo4jdb"
)

// Projector writes validated relationships into a graph store. Writes must be
// idempotent per (run, hash).
type Projector interface {
	Project(ctx context.Context, rels []*types.ValidatedRelationship) error
}

type Neo4jProjector struct {
	client *neo4jdb.Client
	log    *logger.Logger
	schema bool
}

func NewNeo4jProjector(client *neo4jdb.Client, baseLog *logger.Logger) *Neo4jProjector {
	return &Neo4jProjector{client: client, log: baseLog.With("projector", "Neo4j")}
}

func (p *Neo4jProjector) Project(ctx context.Context, rels []*types.ValidatedRelationship) error {
	if p == nil || p.client == nil || p.client.Driver == nil || len(rels) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rows := make([]map[string]any, 0, len(rels))
	for _, r := range rels {
		if r == nil || strings.TrimSpace(r.SourceQName) == "" || strings.TrimSpace(r.TargetQName) == "" {
			continue
		}
		rows = append(rows, map[string]any{
			"run_id":        r.RunID.String(),
			"hash":          r.RelationshipHash,
			"source":        r.SourceQName,
			"target":        r.TargetQName,
			"type":          r.Type,
			"proposed_type": r.ProposedType,
			"confidence":    r.ConfidenceScore,
			"has_conflict":  r.HasConflict,
			"partial":       r.Partial,
			"evidence":      int64(r.EvidenceCount),
			"updated_at":    r.UpdatedAt.UTC().Format(time.RFC3339Nano),
			"synced_at":     now,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	session := p.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: p.client.Database,
	})
	defer session.Close(ctx)

	if !p.schema {
		res, err := session.Run(ctx, `CREATE CONSTRAINT entity_qname_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.qname IS UNIQUE`, nil)
		if err != nil {
			p.log.Warn("neo4j schema init failed (continuing)", "error", err)
		} else {
			_, _ = res.Consume(ctx)
			p.schema = true
		}
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $rels AS r
MERGE (a:Entity {qname: r.source})
MERGE (b:Entity {qname: r.target})
MERGE (a)-[e:RELATES {hash: r.hash, run_id: r.run_id}]->(b)
SET e.type = r.type,
    e.proposed_type = r.proposed_type,
    e.confidence = r.confidence,
    e.has_conflict = r.has_conflict,
    e.partial = r.partial,
    e.evidence = r.evidence,
    e.updated_at = r.updated_at,
    e.synced_at = r.synced_at
`, map[string]any{"rels": rows})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j merge relationships: %w", err)
	}
	return nil
}
