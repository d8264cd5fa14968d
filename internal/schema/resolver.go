package schema

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/pitabwire/bandflow/model"
)

// resolver inlines every {"$ref": ...} node of one schema load. Documents
// fetched during the load are memoized so a document referenced many times
// is requested once. Every node written to the output counts against
// maxNodes, which bounds schemas whose references fan out.
type resolver struct {
	loader   *Loader
	maxDepth int
	maxNodes int
	nodes    int
	docs     map[string]any
}

func newResolver(l *Loader, rootPath string, root any) *resolver {
	return &resolver{
		loader:   l,
		maxDepth: l.maxDepth,
		maxNodes: l.maxNodes,
		docs:     map[string]any{rootPath: root},
	}
}

// resolve returns a copy of node with all references replaced by their
// targets. chain holds the references currently being expanded.
func (r *resolver) resolve(ctx context.Context, node any, base string, depth int, chain []string) (any, error) {
	r.nodes++
	if r.nodes > r.maxNodes {
		return nil, model.NewRefResolutionError(
			fmt.Sprintf("resolved schema exceeds %d nodes", r.maxNodes), nil)
	}
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			return r.follow(ctx, ref, base, depth, chain)
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			res, err := r.resolve(ctx, child, base, depth, chain)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			res, err := r.resolve(ctx, child, base, depth, chain)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

// follow expands a single reference found in the document at base.
// Sibling keys of $ref are ignored.
func (r *resolver) follow(ctx context.Context, ref, base string, depth int, chain []string) (any, error) {
	docPath, pointer, err := splitRef(base, ref)
	if err != nil {
		return nil, model.NewRefResolutionError(fmt.Sprintf("invalid $ref %q in %s", ref, base), err)
	}

	key := docPath + "#" + pointer
	if slices.Contains(chain, key) {
		cycle := append(slices.Clone(chain), key)
		return nil, model.NewRefResolutionError("cyclic $ref: "+strings.Join(cycle, " -> "), nil)
	}
	if depth >= r.maxDepth {
		return nil, model.NewRefResolutionError(
			fmt.Sprintf("$ref nesting exceeds depth limit %d at %q", r.maxDepth, ref), nil)
	}

	doc, err := r.document(ctx, docPath)
	if err != nil {
		return nil, err
	}
	target, err := lookupPointer(doc, pointer)
	if err != nil {
		return nil, model.NewRefResolutionError(fmt.Sprintf("unresolvable $ref %q in %s", ref, base), err)
	}

	return r.resolve(ctx, target, docPath, depth+1, append(slices.Clone(chain), key))
}

// document returns the parsed document at path, fetching it on first use.
func (r *resolver) document(ctx context.Context, path string) (any, error) {
	if doc, ok := r.docs[path]; ok {
		return doc, nil
	}
	doc, err := r.loader.fetchJSON(ctx, path)
	if err != nil {
		return nil, model.NewRefResolutionError(fmt.Sprintf("cannot load referenced document %s", path), err)
	}
	r.docs[path] = doc
	return doc, nil
}

// splitRef resolves ref against the path of the referencing document and
// splits off its fragment. Relative forms ("./a.json", "../a.json",
// "a.json"), rooted paths ("/a.json"), absolute URLs and fragment-only
// references ("#/definitions/x") are supported.
func splitRef(base, ref string) (docPath, pointer string, err error) {
	raw, frag, _ := strings.Cut(ref, "#")
	if raw == "" {
		return base, frag, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.IsAbs() {
		return u.String(), frag, nil
	}

	b, err := url.Parse(base)
	if err != nil {
		return "", "", err
	}
	return b.ResolveReference(u).String(), frag, nil
}

// lookupPointer evaluates a JSON pointer (RFC 6901) against doc. The pointer
// may be percent-encoded, as it appears in a URI fragment.
func lookupPointer(doc any, pointer string) (any, error) {
	if pointer == "" {
		return doc, nil
	}
	pointer, err := url.PathUnescape(pointer)
	if err != nil {
		return nil, fmt.Errorf("invalid pointer %q: %w", pointer, err)
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", pointer)
	}

	cur := doc
	for _, tok := range strings.Split(pointer[1:], "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[tok]
			if !ok {
				return nil, fmt.Errorf("pointer %q: key %q not found", pointer, tok)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("pointer %q: index %q out of range", pointer, tok)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("pointer %q: cannot descend into %T", pointer, cur)
		}
	}
	return cur, nil
}
