package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/opencontainers/go-digest"
	"go.yaml.in/yaml/v3"
)

const (
	AnnotationSourceFile = "fabricsync.githedgehog.com/source-file"
	AnnotationIngestedAt = "fabricsync.githedgehog.com/ingested-at"

	lastAppliedAnnotation = "kubectl.kubernetes.io/last-applied-configuration"
)

// ErrUnknownKind marks documents whose kind has no managed-store mapping.
var ErrUnknownKind = errors.New("unknown kind")

// RawDocument is one document split out of a raw manifest file. Err is set
// when the document could not be decoded; Object is nil in that case.
type RawDocument struct {
	Index  int
	Object map[string]any
	Err    error
}

// Document is a canonical manifest: identity, provenance-free object and
// content hash.
type Document struct {
	Identity Identity
	Object   map[string]any
	Hash     string
}

// SplitDocuments splits a multi-document YAML (or JSON) file. Documents
// are decoded independently so one malformed document does not hide the
// others. Empty documents are dropped and do not consume an index.
func SplitDocuments(data []byte) []RawDocument {
	chunks := splitChunks(data)
	documents := make([]RawDocument, 0, len(chunks))
	for _, chunk := range chunks {
		var decoded any
		err := yaml.Unmarshal(chunk, &decoded)
		if err == nil && decoded == nil {
			continue
		}

		document := RawDocument{Index: len(documents)}
		switch {
		case err != nil:
			document.Err = faults.Validation("invalid yaml document", err)
		default:
			normalized, normErr := NormalizeValue(decoded)
			if normErr != nil {
				document.Err = normErr
				break
			}
			object, ok := normalized.(map[string]any)
			if !ok {
				document.Err = faults.Validation(fmt.Sprintf("document must be a mapping, got %T", decoded), nil)
				break
			}
			document.Object = object
		}
		documents = append(documents, document)
	}
	return documents
}

// splitChunks cuts data at "---" separators and "..." document-end
// markers. Lines have no length limit.
func splitChunks(data []byte) [][]byte {
	var chunks [][]byte
	var current bytes.Buffer
	flush := func() {
		chunks = append(chunks, bytes.Clone(current.Bytes()))
		current.Reset()
	}

	for line := range bytes.Lines(data) {
		content := strings.TrimSuffix(string(line), "\n")
		trimmed := strings.TrimRight(content, " \t\r")
		switch {
		case trimmed == "---" || strings.HasPrefix(trimmed, "--- "):
			flush()
			if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "---")); rest != "" {
				current.WriteString(rest)
				current.WriteByte('\n')
			}
		case trimmed == "...":
			flush()
		default:
			current.WriteString(content)
			current.WriteByte('\n')
		}
	}
	flush()
	return chunks
}

// Canonicalize validates the minimum required fields of a decoded document
// and reduces it to its canonical form. Unknown kinds return an error
// wrapping ErrUnknownKind.
func Canonicalize(object map[string]any) (Document, error) {
	kindName, _ := object["kind"].(string)
	kindName = strings.TrimSpace(kindName)
	if kindName == "" {
		return Document{}, faults.Validation("document is missing kind", nil)
	}
	metadata, _ := object["metadata"].(map[string]any)
	if metadata == nil {
		return Document{}, faults.Validation("document is missing metadata", nil)
	}
	name, _ := metadata["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return Document{}, faults.Validation("document is missing metadata.name", nil)
	}

	kind, ok := ParseKind(kindName)
	if !ok {
		return Document{}, fmt.Errorf("%w %q", ErrUnknownKind, kindName)
	}
	if version, present := object["apiVersion"].(string); present && version != "" && version != kind.APIVersion() {
		return Document{}, faults.Validation(
			fmt.Sprintf("apiVersion %q does not match %s (expected %s)", version, kindName, kind.APIVersion()),
			nil,
		)
	}

	namespace, _ := metadata["namespace"].(string)
	namespace = strings.TrimSpace(namespace)
	if namespace == "" && kind.Namespaced() {
		namespace = DefaultNamespace
	}

	identity := Identity{Kind: kind, Namespace: namespace, Name: name}
	if err := identity.Validate(); err != nil {
		return Document{}, err
	}

	canonicalMetadata := map[string]any{
		"name":      name,
		"namespace": namespace,
	}
	if labels, ok := metadata["labels"].(map[string]any); ok && len(labels) > 0 {
		canonicalMetadata["labels"] = labels
	}
	if annotations := userAnnotations(metadata["annotations"]); len(annotations) > 0 {
		canonicalMetadata["annotations"] = annotations
	}

	canonical := map[string]any{
		"apiVersion": kind.APIVersion(),
		"kind":       kind.String(),
		"metadata":   canonicalMetadata,
	}
	for key, value := range object {
		switch key {
		case "apiVersion", "kind", "metadata", "status":
			continue
		}
		canonical[key] = value
	}

	normalized, err := normalizeObject(canonical)
	if err != nil {
		return Document{}, err
	}
	hash, err := HashObject(normalized)
	if err != nil {
		return Document{}, err
	}
	return Document{Identity: identity, Object: normalized, Hash: hash}, nil
}

func userAnnotations(raw any) map[string]any {
	annotations, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(annotations))
	for key, value := range annotations {
		switch key {
		case AnnotationSourceFile, AnnotationIngestedAt, lastAppliedAnnotation:
			continue
		}
		out[key] = value
	}
	return out
}

// HashObject returns the content digest of a canonical object. Map keys are
// serialized in sorted order so the hash is stable.
func HashObject(object map[string]any) (string, error) {
	encoded, err := json.Marshal(object)
	if err != nil {
		return "", faults.Internal("failed to encode manifest for hashing", err)
	}
	return digest.FromBytes(encoded).String(), nil
}

// Stamp returns a copy of the document object carrying provenance
// annotations. The hash is unaffected.
func (d Document) Stamp(sourceFile string, ingestedAt time.Time) map[string]any {
	stamped := make(map[string]any, len(d.Object))
	for key, value := range d.Object {
		stamped[key] = value
	}

	metadata := map[string]any{}
	if existing, ok := d.Object["metadata"].(map[string]any); ok {
		for key, value := range existing {
			metadata[key] = value
		}
	}
	annotations := map[string]any{}
	if existing, ok := metadata["annotations"].(map[string]any); ok {
		for key, value := range existing {
			annotations[key] = value
		}
	}
	if sourceFile != "" {
		annotations[AnnotationSourceFile] = sourceFile
	}
	annotations[AnnotationIngestedAt] = ingestedAt.UTC().Format(time.RFC3339)
	metadata["annotations"] = annotations
	stamped["metadata"] = metadata
	return stamped
}

// Encode renders an object as a managed YAML file.
func Encode(object map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(object); err != nil {
		_ = encoder.Close()
		return nil, faults.Internal("failed to encode manifest", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, faults.Internal("failed to encode manifest", err)
	}
	return buf.Bytes(), nil
}

// DecodeManaged parses a single-document managed file.
func DecodeManaged(data []byte) (Document, error) {
	documents := SplitDocuments(data)
	if len(documents) != 1 {
		return Document{}, faults.Validation(fmt.Sprintf("managed file must hold exactly one document, found %d", len(documents)), nil)
	}
	if documents[0].Err != nil {
		return Document{}, documents[0].Err
	}
	return Canonicalize(documents[0].Object)
}

// ReadAllLimited reads r up to limit bytes.
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, faults.Validation(fmt.Sprintf("manifest exceeds %d bytes", limit), nil)
	}
	return data, nil
}
