package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ehr/encounter/internal/domain/exam"
)

var ErrInvalidCatalog = errors.New("invalid catalog")

// Bundle is the content of a catalog file.
type Bundle struct {
	Definitions []exam.Definition `json:"definitions"`
	VisitTypes  []VisitType       `json:"visit_types"`
}

// Upserter stores definitions by name and visit types by id.
type Upserter interface {
	Upsert(ctx context.Context, d *exam.Definition) error
	UpsertVisitType(ctx context.Context, vt *VisitType) error
}

// Decode reads a catalog file and checks it as a whole. The file is either
// a JSON array of definitions or an object with "definitions" and
// "visit_types". Every definition is named, names are unique, every import
// resolves within the file and every visit type lists known exam types.
func Decode(r io.Reader) (Bundle, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	var b Bundle
	var err error
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		err = json.Unmarshal(raw, &b.Definitions)
	} else {
		err = json.Unmarshal(raw, &b)
	}
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	seen := make(map[string]bool, len(b.Definitions))
	for i, d := range b.Definitions {
		if d.Name == "" {
			return Bundle{}, fmt.Errorf("%w: definition %d has no name", ErrInvalidCatalog, i)
		}
		if seen[d.Name] {
			return Bundle{}, fmt.Errorf("%w: duplicate definition %q", ErrInvalidCatalog, d.Name)
		}
		seen[d.Name] = true
		b.Definitions[i] = d.Normalize()
	}
	idx := NewIndex(b.Definitions)
	for _, d := range b.Definitions {
		for _, ref := range d.Import {
			if _, ok := idx.ImportFields(ref); !ok {
				return Bundle{}, fmt.Errorf("%w: %s imports unknown %q", ErrInvalidCatalog, d.Name, ref)
			}
		}
	}

	types := make(map[string]bool, len(b.VisitTypes))
	for i, vt := range b.VisitTypes {
		if vt.ID == "" || vt.Name == "" {
			return Bundle{}, fmt.Errorf("%w: visit type %d needs an id and a name", ErrInvalidCatalog, i)
		}
		if types[vt.ID] {
			return Bundle{}, fmt.Errorf("%w: duplicate visit type %q", ErrInvalidCatalog, vt.ID)
		}
		types[vt.ID] = true
		for _, name := range vt.ExamNames {
			if _, ok := idx.Find(name); !ok {
				return Bundle{}, fmt.Errorf("%w: visit type %s lists unknown exam %q", ErrInvalidCatalog, vt.ID, name)
			}
		}
	}
	return b, nil
}

// Import stores the definitions, then the visit types, and returns how many
// records were written. Callers wanting all-or-nothing run it inside
// db.RunInTx.
func Import(ctx context.Context, store Upserter, b Bundle) (int, error) {
	n := 0
	for i := range b.Definitions {
		if err := store.Upsert(ctx, &b.Definitions[i]); err != nil {
			return n, fmt.Errorf("upsert %s: %w", b.Definitions[i].Name, err)
		}
		n++
	}
	for i := range b.VisitTypes {
		if err := store.UpsertVisitType(ctx, &b.VisitTypes[i]); err != nil {
			return n, fmt.Errorf("upsert visit type %s: %w", b.VisitTypes[i].ID, err)
		}
		n++
	}
	return n, nil
}
