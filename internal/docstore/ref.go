package docstore

import (
	"fmt"
	"strings"

	"github.com/mschirtzinger/livequery/internal/source"
)

// DocRef identifies one document.
type DocRef struct {
	Collection string
	ID         string
}

// Doc returns a reference to the document id in collection.
func Doc(collection, id string) DocRef {
	return DocRef{Collection: collection, ID: id}
}

// ParseDocRef parses "collection/id".
func ParseDocRef(s string) (DocRef, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 2 {
		return DocRef{}, fmt.Errorf("invalid document path %q (want collection/id)", s)
	}
	r := DocRef{Collection: parts[0], ID: parts[1]}
	if err := r.Validate(); err != nil {
		return DocRef{}, err
	}
	return r, nil
}

// Validate checks that both parts are present and contain no slash.
func (r DocRef) Validate() error {
	if r.Collection == "" || r.ID == "" {
		return fmt.Errorf("invalid document reference %q: collection and id are required", r.Path())
	}
	if strings.Contains(r.Collection, "/") || strings.Contains(r.ID, "/") {
		return fmt.Errorf("invalid document reference %q: parts must not contain '/'", r.Path())
	}
	return nil
}

// Path returns "collection/id".
func (r DocRef) Path() string {
	return r.Collection + "/" + r.ID
}

func (r DocRef) String() string {
	return r.Path()
}

func toDocRef(op string, ref source.Reference) (DocRef, error) {
	var r DocRef
	switch v := ref.(type) {
	case DocRef:
		r = v
	case *DocRef:
		if v == nil {
			return DocRef{}, source.NewError(op, nil, source.CodeInvalidReference, fmt.Errorf("nil reference"))
		}
		r = *v
	default:
		return DocRef{}, source.NewError(op, ref, source.CodeInvalidReference, fmt.Errorf("not a document reference: %T", ref))
	}
	if err := r.Validate(); err != nil {
		return DocRef{}, source.NewError(op, r, source.CodeInvalidReference, err)
	}
	return r, nil
}
