package pipeline

import (
	"fmt"

	"github.com/prismdb/prism/internal/model"
)

// Pipeline is a named, ordered list of processors applied to a document
// before it is indexed.
type Pipeline struct {
	Name       string
	Processors []Processor
}

// New builds a named pipeline from an ordered processor list.
func New(name string, processors ...Processor) Pipeline {
	return Pipeline{Name: name, Processors: processors}
}

// Run applies every processor in order, stopping at the first error. doc is
// mutated in place; callers that need the original untouched should pass
// doc.Clone().
func (p Pipeline) Run(doc *model.Document) error {
	for _, proc := range p.Processors {
		if err := proc.Apply(doc); err != nil {
			return fmt.Errorf("pipeline %q: processor %s: %w", p.Name, proc, err)
		}
	}
	return nil
}
