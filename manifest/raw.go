package manifest

import "strings"

// ArchiveSuffix is appended to raw files once they have been normalized so
// they are never ingested again.
const ArchiveSuffix = ".archived"

// RawFile is an unprocessed manifest file from a raw inbox. Path is
// slash-separated and relative to the inbox root.
type RawFile struct {
	Path    string
	Content []byte
}

// DocumentCount is the number of non-empty documents in the file.
func (f RawFile) DocumentCount() int {
	return len(SplitDocuments(f.Content))
}

func IsArchived(name string) bool {
	return strings.HasSuffix(name, ArchiveSuffix)
}

// IsManifestFile reports whether a raw inbox entry should be ingested.
func IsManifestFile(name string) bool {
	base := name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		base = name[idx+1:]
	}
	if base == "" || strings.HasPrefix(base, ".") || IsArchived(base) {
		return false
	}
	lower := strings.ToLower(base)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".json")
}
