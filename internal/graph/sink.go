package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	cypherConstraintAccount = `CREATE CONSTRAINT kestrel_account IF NOT EXISTS
FOR (a:Account) REQUIRE (a.tenantId, a.id) IS UNIQUE`

	cypherConstraintCluster = `CREATE CONSTRAINT kestrel_cluster IF NOT EXISTS
FOR (c:Cluster) REQUIRE (c.tenantId, c.id) IS UNIQUE`

	cypherDeleteClusters = `MATCH (c:Cluster {tenantId: $tenantId})
DETACH DELETE c`

	cypherDeleteLinks = `MATCH (:Account {tenantId: $tenantId})-[l:LINKED]->()
DELETE l`

	cypherMergeCluster = `MERGE (c:Cluster {tenantId: $tenantId, id: $id})
SET c.label = $label,
    c.runId = $runId,
    c.riskScore = $riskScore,
    c.riskLevel = $riskLevel,
    c.explanation = $explanation,
    c.edgeCount = $edgeCount,
    c.createdAt = $createdAt
WITH c
UNWIND $accounts AS accountId
MERGE (a:Account {tenantId: $tenantId, id: accountId})
MERGE (a)-[:MEMBER_OF]->(c)`

	cypherMergeLinks = `UNWIND $links AS link
MATCH (a:Account {tenantId: $tenantId, id: link.a})
MATCH (b:Account {tenantId: $tenantId, id: link.b})
MERGE (a)-[l:LINKED {type: link.type}]->(b)
SET l.strength = link.strength`
)

// Sink writes clusters, their member accounts and identity links to the graph.
type Sink struct {
	client Client
}

// NewSink wraps a graph client.
func NewSink(client Client) *Sink {
	return &Sink{client: client}
}

// EnsureSchema creates the uniqueness constraints.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	return s.client.ExecuteWrite(ctx,
		Statement{Cypher: cypherConstraintAccount},
		Statement{Cypher: cypherConstraintCluster},
	)
}

// ReplaceClusters implements domain.ClusterSink. The previous clusters and links of the
// tenant are removed in the same transaction that writes the new ones.
func (s *Sink) ReplaceClusters(ctx context.Context, tenantID string, records []domain.ClusterRecord) error {
	if tenantID == "" {
		tenantID = domain.DefaultTenant
	}
	tenant := map[string]any{"tenantId": tenantID}

	statements := []Statement{
		{Cypher: cypherDeleteClusters, Params: tenant},
		{Cypher: cypherDeleteLinks, Params: tenant},
	}

	var links []any
	for _, rec := range records {
		accounts := make([]any, len(rec.AccountIDs))
		for i, id := range rec.AccountIDs {
			accounts[i] = id
		}

		statements = append(statements, Statement{
			Cypher: cypherMergeCluster,
			Params: map[string]any{
				"tenantId":    tenantID,
				"id":          rec.ID,
				"label":       rec.ClusterLabel,
				"runId":       rec.RunID,
				"riskScore":   rec.RiskScore,
				"riskLevel":   string(rec.RiskLevel),
				"explanation": rec.Explanation,
				"edgeCount":   int64(rec.EdgeCount),
				"createdAt":   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
				"accounts":    accounts,
			},
		})

		for _, l := range rec.Links {
			links = append(links, map[string]any{
				"a":        l.AccountA,
				"b":        l.AccountB,
				"type":     string(l.Type),
				"strength": l.Strength,
			})
		}
	}

	if len(links) > 0 {
		statements = append(statements, Statement{
			Cypher: cypherMergeLinks,
			Params: map[string]any{"tenantId": tenantID, "links": links},
		})
	}

	if err := s.client.ExecuteWrite(ctx, statements...); err != nil {
		return fmt.Errorf("graph replace clusters: %w", err)
	}
	return nil
}

// Ping checks graph connectivity.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.VerifyConnectivity(ctx)
}

// Close releases the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
