package memory

import (
	"context"

	"github.com/easeaico/persona-chat/internal/types"
)

// SemanticIndex 是按文档类别划分的向量检索存储，只追加不更新。
type SemanticIndex interface {
	Add(ctx context.Context, doc types.Document) (string, error)
	Query(ctx context.Context, q types.Query) ([]types.SearchResult, error)
}
