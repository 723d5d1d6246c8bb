package weaviate

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"corpora/internal/vectorindex"
)

const className = "KnowledgeChunk"

// Index adapts a Weaviate instance to the vectorindex.Index capability.
// Chunk ids like "{doc}-chunk-3" are not valid Weaviate object ids, so
// each is mapped to a deterministic UUID; the original id is kept as the
// chunkId property and round-trips through query results.
type Index struct {
	client *weaviate.Client
}

func NewIndex(client *weaviate.Client) *Index {
	return &Index{client: client}
}

func objectID(recordID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(recordID)).String())
}

func (i *Index) Upsert(ctx context.Context, records []vectorindex.Record) error {
	if len(records) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(records))
	for _, r := range records {
		objects = append(objects, &models.Object{
			Class:  className,
			ID:     objectID(r.ID),
			Vector: models.C11yVector(r.Vector),
			Properties: map[string]interface{}{
				"chunkId":     r.ID,
				"documentId":  r.Metadata.DocumentID,
				"title":       r.Metadata.Title,
				"sourceKind":  r.Metadata.SourceKind,
				"chunkIndex":  r.Metadata.ChunkIndex,
				"headingPath": r.Metadata.HeadingPath,
				"sourceUrl":   r.Metadata.SourceURL,
				"text":        r.Metadata.Text,
			},
		})
	}

	resp, err := i.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch upsert: %s", obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (i *Index) Query(ctx context.Context, vector []float32, topK int) ([]vectorindex.Match, error) {
	nearVector := i.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "documentId"},
		{Name: "title"},
		{Name: "sourceKind"},
		{Name: "chunkIndex"},
		{Name: "headingPath"},
		{Name: "sourceUrl"},
		{Name: "text"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	res, err := i.client.GraphQL().Get().
		WithClassName(className).
		WithNearVector(nearVector).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var matches []vectorindex.Match
	data, ok := res.Data["Get"].(map[string]interface{})
	if !ok {
		return matches, nil
	}
	rows, ok := data[className].([]interface{})
	if !ok {
		return matches, nil
	}

	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}

		var m vectorindex.Match
		if v, ok := props["chunkId"].(string); ok {
			m.ID = v
		}
		if v, ok := props["documentId"].(string); ok {
			m.Metadata.DocumentID = v
		}
		if v, ok := props["title"].(string); ok {
			m.Metadata.Title = v
		}
		if v, ok := props["sourceKind"].(string); ok {
			m.Metadata.SourceKind = v
		}
		if v, ok := props["chunkIndex"].(float64); ok {
			m.Metadata.ChunkIndex = int(v)
		}
		if v, ok := props["headingPath"].(string); ok {
			m.Metadata.HeadingPath = v
		}
		if v, ok := props["sourceUrl"].(string); ok {
			m.Metadata.SourceURL = v
		}
		if v, ok := props["text"].(string); ok {
			m.Metadata.Text = v
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				m.Score = float32(certainty)
			}
		}

		matches = append(matches, m)
	}

	return matches, nil
}

func (i *Index) Delete(ctx context.Context, ids []string) (int, error) {
	notFound := 0
	for _, id := range ids {
		err := i.client.Data().Deleter().
			WithClassName(className).
			WithID(string(objectID(id))).
			Do(ctx)
		if err == nil {
			continue
		}

		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == 404 {
			notFound++
			continue
		}
		return notFound, err
	}
	return notFound, nil
}

func (i *Index) CountRecords(ctx context.Context) (int, error) {
	fields := []graphql.Field{
		{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
	}
	res, err := i.client.GraphQL().Aggregate().WithClassName(className).WithFields(fields...).Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	data, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := data[className].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	props, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := props["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}
