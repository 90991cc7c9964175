package contextstore

import (
	"encoding/json"
	"fmt"

	"agentcoord/internal/domain"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Export returns the context as requester may see it, with set-typed fields
// as ordered lists.
func (s *Store) Export(id, requester string) (domain.Context, bool) {
	doc, ok := s.Get(id, requester)
	if !ok {
		return domain.Context{}, false
	}
	doc.Metadata.Tags = sortedCopy(doc.Metadata.Tags)
	if doc.Metadata.RelatedContextIDs == nil {
		doc.Metadata.RelatedContextIDs = []string{}
	}
	return doc, true
}

// Marshal renders an exported context as JSON or YAML.
func Marshal(doc domain.Context, format Format) ([]byte, error) {
	switch format {
	case "", FormatJSON:
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal context %s as json: %w", doc.Metadata.ID, err)
		}
		return out, nil
	case FormatYAML:
		out, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal context %s as yaml: %w", doc.Metadata.ID, err)
		}
		return out, nil
	default:
		return nil, domain.Invalid("export", doc.Metadata.ID, fmt.Sprintf("unsupported format %q", format))
	}
}
