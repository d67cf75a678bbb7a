// Package embed keeps node embeddings current with the configured model and
// text format.
//
// A node needs (re-)embedding when it has no embedding, when its embedding
// came from another model, or when the stored input text lacks the current
// format marker. Backfill re-selects candidates on every run, so a cancelled
// run is resumed simply by running it again.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kittclouds/sessiongraph/internal/store"
)

// FormatVersion identifies the embedding text layout. Bump it whenever
// BuildEmbeddingText changes so older embeddings are refreshed.
const FormatVersion = 2

// Marker terminates every embedding text of the current format.
var Marker = fmt.Sprintf("[emb:v%d]", FormatVersion)

// ErrProvider wraps failures reported by an embedding provider.
var ErrProvider = errors.New("embedding provider error")

// Provider generates vectors from text. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Model names the model; it is stored with every embedding.
	Model() string
	// Dimensions is the vector length, or 0 when unknown.
	Dimensions() int
	// EmbedBatch returns one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// BuildEmbeddingText renders the text embedded for n: type and summary,
// decisions with their rationale, lesson summaries, then the marker on its
// own line.
func BuildEmbeddingText(n *store.Node) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[%s] %s\n", n.Classification.Type, strings.TrimSpace(n.Content.Summary))

	if len(n.Content.Decisions) > 0 {
		sb.WriteString("\nDecisions:\n")
		for _, d := range n.Content.Decisions {
			if why := strings.TrimSpace(d.Why); why != "" {
				fmt.Fprintf(&sb, "- %s (because: %s)\n", strings.TrimSpace(d.What), why)
			} else {
				fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(d.What))
			}
		}
	}

	if len(n.Content.Lessons) > 0 {
		sb.WriteString("\nLessons:\n")
		for _, l := range n.Content.Lessons {
			fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(l.Summary))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(Marker)
	return sb.String()
}
