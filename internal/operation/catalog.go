package operation

import (
	"context"
	"fmt"
)

// SchemaSource lists schemas by id.
type SchemaSource interface {
	Schemas() []string
	Document(id string) (map[string]any, error)
}

// SchemaCatalog is a discover executor that reports each registered input
// schema as a stream.
type SchemaCatalog struct {
	source SchemaSource
}

// NewSchemaCatalog creates a SchemaCatalog.
func NewSchemaCatalog(source SchemaSource) *SchemaCatalog {
	return &SchemaCatalog{source: source}
}

// Execute implements Executor.
func (c *SchemaCatalog) Execute(ctx context.Context) (Message, error) {
	ids := c.source.Schemas()
	streams := make([]Stream, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		doc, err := c.source.Document(id)
		if err != nil {
			return Message{}, fmt.Errorf("discover schema %s: %w", id, err)
		}
		streams = append(streams, Stream{
			Name:               id,
			JSONSchema:         doc,
			SupportedSyncModes: []string{"full_refresh"},
		})
	}
	return Message{Type: MessageCatalog, Catalog: &Catalog{Streams: streams}}, nil
}
