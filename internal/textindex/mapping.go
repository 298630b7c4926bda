package textindex

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// buildMapping translates a collection Schema's field definitions into a
// bleve index mapping. Vector and raw bytes fields are skipped: vectors live
// in internal/vectorindex, and bytes fields are opaque to the text backend.
func buildMapping(schema *model.Schema) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentStaticMapping()

	for _, f := range schema.Fields {
		if !f.Indexed {
			continue
		}
		fm, skip, err := fieldMapping(f)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		doc.AddFieldMappingsAt(f.Name, fm)
	}

	im.DefaultMapping = doc
	return im, nil
}

func fieldMapping(f model.FieldDef) (*mapping.FieldMapping, bool, error) {
	switch f.Kind {
	case model.KindText:
		fm := bleve.NewTextFieldMapping()
		fm.Store = f.Stored
		fm.IncludeInAll = true
		return fm, false, nil
	case model.KindString:
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = "keyword"
		fm.Store = f.Stored
		fm.IncludeInAll = false
		return fm, false, nil
	case model.KindI64, model.KindU64, model.KindF64:
		fm := bleve.NewNumericFieldMapping()
		fm.Store = f.Stored
		fm.IncludeInAll = false
		return fm, false, nil
	case model.KindBool:
		fm := bleve.NewBooleanFieldMapping()
		fm.Store = f.Stored
		fm.IncludeInAll = false
		return fm, false, nil
	case model.KindDate:
		fm := bleve.NewDateTimeFieldMapping()
		fm.Store = f.Stored
		fm.IncludeInAll = false
		return fm, false, nil
	case model.KindBytes, model.KindVector:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown field kind %q for field %q", prismerr.ErrSchemaViolation, f.Kind, f.Name)
	}
}
