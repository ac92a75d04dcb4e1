package pathutils

import (
	"path/filepath"
	"strings"
)

// RepositoryPathNormalizer converts user-supplied repository paths to clean absolute paths.
type RepositoryPathNormalizer struct {
	homeExpander *HomeExpander
}

// NewRepositoryPathNormalizer constructs a RepositoryPathNormalizer with default home expansion.
func NewRepositoryPathNormalizer() *RepositoryPathNormalizer {
	return NewRepositoryPathNormalizerWithExpander(nil)
}

// NewRepositoryPathNormalizerWithExpander constructs a RepositoryPathNormalizer using the provided expander.
func NewRepositoryPathNormalizerWithExpander(homeExpander *HomeExpander) *RepositoryPathNormalizer {
	resolvedExpander := homeExpander
	if resolvedExpander == nil {
		resolvedExpander = NewHomeExpander()
	}
	return &RepositoryPathNormalizer{homeExpander: resolvedExpander}
}

// Normalize trims whitespace, expands the user's home directory, and resolves the path to an absolute form.
// An empty or whitespace-only candidate yields an empty string.
func (normalizer *RepositoryPathNormalizer) Normalize(candidatePath string) string {
	trimmedCandidate := strings.TrimSpace(candidatePath)
	if len(trimmedCandidate) == 0 {
		return ""
	}

	expandedPath := normalizer.homeExpander.Expand(trimmedCandidate)
	cleanedPath := filepath.Clean(expandedPath)

	absolutePath, absoluteError := filepath.Abs(cleanedPath)
	if absoluteError != nil {
		return cleanedPath
	}

	return absolutePath
}
