package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/worklens-go/internal/catalog"
	"github.com/54b3r/worklens-go/internal/embedder"
)

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
// Returns nil if Qdrant is reachable, or a descriptive error otherwise.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	_, err := p.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CatalogPinger probes the Azure DevOps catalog by running a minimal
// id-only WIQL query. Credentials and connectivity are both exercised
// without fetching any item payloads.
type CatalogPinger struct {
	// connector is the catalog connector to probe.
	connector catalog.Connector
}

// NewCatalogPinger constructs a CatalogPinger for the given connector.
func NewCatalogPinger(c catalog.Connector) *CatalogPinger {
	return &CatalogPinger{connector: c}
}

// Name returns the dependency label used in readiness responses.
func (p *CatalogPinger) Name() string { return "catalog" }

// Ping lists work item ids from the catalog.
func (p *CatalogPinger) Ping(ctx context.Context) error {
	if _, err := p.connector.ListAllIDs(ctx); err != nil {
		return fmt.Errorf("list ids failed: %w", err)
	}
	return nil
}

// EmbedderPinger probes the embedding backend with a single short input.
type EmbedderPinger struct {
	// embedder is the embedding client to probe.
	embedder embedder.Embedder
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewEmbedderPinger constructs an EmbedderPinger for the given backend name.
func NewEmbedderPinger(e embedder.Embedder, name string) *EmbedderPinger {
	return &EmbedderPinger{embedder: e, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *EmbedderPinger) Name() string { return p.name }

// Ping embeds a single short text.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vecs, err := p.embedder.Embed(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embed failed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("embed returned no vector")
	}
	return nil
}
