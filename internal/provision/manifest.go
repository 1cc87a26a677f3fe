package provision

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// RootField is the top-level manifest field holding the path tree.
const RootField = "kb"

// ManifestError reports a malformed manifest with its CUE position.
type ManifestError struct {
	Field   string
	Message string
	Pos     token.Pos
	Err     error
}

func (e *ManifestError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// LoadManifest reads and compiles a CUE manifest file into a plan.
func LoadManifest(file string) (Plan, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(src, file)
}

// ParseManifest compiles CUE source into a plan. filename is used for
// error positions only.
func ParseManifest(src []byte, filename string) (Plan, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath(RootField))
	if !root.Exists() {
		return nil, &ManifestError{Field: RootField, Message: "manifest has no kb tree", Pos: v.Pos()}
	}

	b := NewBuilder()
	if err := walk(b, root); err != nil {
		return nil, err
	}
	return b.Plan()
}

// walk declares the pools of one struct level and recurses into the
// non-reserved fields, keeping the builder's stack in step.
func walk(b *Builder, v cue.Value) error {
	if v.IncompleteKind() != cue.StructKind {
		return &ManifestError{Field: pathOf(b, ""), Message: "expected a struct of labels", Pos: v.Pos()}
	}
	iter, err := v.Fields()
	if err != nil {
		return formatCUEError(err)
	}

	for iter.Next() {
		label := iter.Label()
		val := iter.Value()

		kind, reserved := reservedKind(label)
		switch {
		case reserved && kind == KindStatus:
			if val.IncompleteKind() != cue.StructKind {
				return &ManifestError{Field: pathOf(b, label), Message: "status must be a struct", Pos: val.Pos()}
			}
			payload, err := val.MarshalJSON()
			if err != nil {
				return formatCUEError(err)
			}
			if err := b.Add(KindStatus, "", 1, payload); err != nil {
				return positioned(err, pathOf(b, label), val.Pos())
			}

		case reserved:
			n, err := val.Int64()
			if err != nil {
				return &ManifestError{Field: pathOf(b, label), Message: "capacity must be an integer", Pos: val.Pos()}
			}
			if err := b.Add(kind, "", int(n), nil); err != nil {
				return positioned(err, pathOf(b, label), val.Pos())
			}

		default:
			if err := b.Push(label); err != nil {
				return positioned(err, pathOf(b, label), val.Pos())
			}
			if err := walk(b, val); err != nil {
				return err
			}
			if err := b.Pop(); err != nil {
				return err
			}
		}
	}
	return nil
}

func reservedKind(label string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == label {
			return k, true
		}
	}
	return "", false
}

func pathOf(b *Builder, label string) string {
	p := RootField
	if cur := b.Path(); cur != "" {
		p += "." + cur
	}
	if label != "" {
		p += "." + label
	}
	return p
}

func positioned(err error, field string, pos token.Pos) error {
	return &ManifestError{Field: field, Message: err.Error(), Pos: pos, Err: err}
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &ManifestError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
