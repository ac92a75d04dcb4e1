package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	recordBaseNameTemplateConstant = "%s-%s-%s"
	recordFileExtensionConstant    = ".yaml"
	logFileExtensionConstant       = ".log"
	recordKeySeparatorConstant     = "\x00"
	recordDigestHexLengthConstant  = 8
	branchNameSeparatorConstant    = "/"
	branchNameReplacementConstant  = "-"
)

// DaemonRecord describes one running sync daemon instance.
type DaemonRecord struct {
	RepositoryPath string    `yaml:"repository_path"`
	BranchName     string    `yaml:"branch_name"`
	ProcessID      int       `yaml:"process_id"`
	LogFilePath    string    `yaml:"log_file_path"`
	StartedAt      time.Time `yaml:"started_at"`
}

// RepositoryDaemons groups the live records belonging to one repository.
type RepositoryDaemons struct {
	RepositoryPath string
	Records        []DaemonRecord
}

// recordBaseName derives the deterministic file stem for a repository/branch pair.
// The digest disambiguates repositories sharing a base name, and slashes in
// branch names are flattened so the stem stays a single path component.
func recordBaseName(repositoryPath string, branchName string) string {
	digest := sha256.Sum256([]byte(repositoryPath + recordKeySeparatorConstant + branchName))
	digestHex := hex.EncodeToString(digest[:])[:recordDigestHexLengthConstant]

	repositoryBaseName := filepath.Base(repositoryPath)
	flattenedBranchName := strings.ReplaceAll(branchName, branchNameSeparatorConstant, branchNameReplacementConstant)

	return fmt.Sprintf(recordBaseNameTemplateConstant, repositoryBaseName, flattenedBranchName, digestHex)
}
