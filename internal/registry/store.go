package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	loggerNotConfiguredMessageConstant      = "logger not configured"
	stateDirectoryRequiredMessageConstant   = "state directory must be provided"
	recordRepositoryRequiredMessageConstant = "record repository path must be provided"
	recordBranchRequiredMessageConstant     = "record branch name must be provided"
	recordProcessIDInvalidMessageConstant   = "record process id must be positive"
	daemonsDirectoryNameConstant            = "daemons"
	logsDirectoryNameConstant               = "logs"
	stateDirectoryPermissionsConstant       = 0o755
	recordFilePermissionsConstant           = 0o644
	directoryCreationErrorTemplateConstant  = "failed to prepare state directory: %w"
	recordEncodeErrorTemplateConstant       = "failed to encode daemon record: %w"
	recordWriteErrorTemplateConstant        = "failed to write daemon record: %w"
	recordRemovalErrorTemplateConstant      = "failed to remove daemon record: %w"
	listingErrorTemplateConstant            = "failed to list daemon records: %w"
	terminateSignalErrorTemplateConstant    = "failed to signal pid %d: %w"
	unreadableRecordLogMessageConstant      = "Removing unreadable daemon record"
	staleRecordLogMessageConstant           = "Purging record of exited daemon"
	stopFailureLogMessageConstant           = "Failed to stop daemon"
	logFieldRecordPathConstant              = "record_path"
	logFieldRepositoryConstant              = "repository"
	logFieldBranchConstant                  = "branch"
	logFieldProcessIDConstant               = "process_id"
)

// ErrLoggerNotConfigured indicates the store was constructed without a logger.
var ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)

// ErrStateDirectoryRequired indicates the store was constructed without a state directory.
var ErrStateDirectoryRequired = errors.New(stateDirectoryRequiredMessageConstant)

// ErrRecordRepositoryRequired indicates a record was missing its repository path.
var ErrRecordRepositoryRequired = errors.New(recordRepositoryRequiredMessageConstant)

// ErrRecordBranchRequired indicates a record was missing its branch name.
var ErrRecordBranchRequired = errors.New(recordBranchRequiredMessageConstant)

// ErrRecordProcessIDInvalid indicates a record carried a non-positive process id.
var ErrRecordProcessIDInvalid = errors.New(recordProcessIDInvalidMessageConstant)

// Dependencies enumerates external collaborators required by the store.
type Dependencies struct {
	Logger *zap.Logger
}

// StopResult captures the outcome of stopping one daemon instance.
type StopResult struct {
	AlreadyStopped bool
}

// Store persists daemon records beneath a root state directory.
type Store struct {
	logger         *zap.Logger
	stateDirectory string
}

// NewStore constructs a Store after validating its dependencies.
func NewStore(dependencies Dependencies, stateDirectoryPath string) (*Store, error) {
	if dependencies.Logger == nil {
		return nil, ErrLoggerNotConfigured
	}

	trimmedStateDirectory := strings.TrimSpace(stateDirectoryPath)
	if len(trimmedStateDirectory) == 0 {
		return nil, ErrStateDirectoryRequired
	}

	return &Store{logger: dependencies.Logger, stateDirectory: trimmedStateDirectory}, nil
}

// Register writes the record atomically, failing with ConflictError when a
// live instance already owns the repository/branch pair. Records left behind
// by exited processes are purged before the conflict check.
func (store *Store) Register(record DaemonRecord) error {
	if validationError := validateRecord(record); validationError != nil {
		return validationError
	}

	if directoryError := store.ensureDirectories(); directoryError != nil {
		return directoryError
	}

	recordFilePath := store.recordFilePath(record.RepositoryPath, record.BranchName)
	if existingRecord, readError := readRecordFile(recordFilePath); readError == nil {
		if processAlive(existingRecord.ProcessID) {
			return ConflictError{
				RepositoryPath: existingRecord.RepositoryPath,
				BranchName:     existingRecord.BranchName,
				ProcessID:      existingRecord.ProcessID,
			}
		}
		store.purgeRecordFile(recordFilePath, existingRecord)
	}

	encodedRecord, encodeError := yaml.Marshal(record)
	if encodeError != nil {
		return fmt.Errorf(recordEncodeErrorTemplateConstant, encodeError)
	}

	recordFile, openError := os.OpenFile(recordFilePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, recordFilePermissionsConstant)
	if openError != nil {
		if errors.Is(openError, os.ErrExist) {
			if existingRecord, readError := readRecordFile(recordFilePath); readError == nil {
				return ConflictError{
					RepositoryPath: existingRecord.RepositoryPath,
					BranchName:     existingRecord.BranchName,
					ProcessID:      existingRecord.ProcessID,
				}
			}
			return ConflictError{RepositoryPath: record.RepositoryPath, BranchName: record.BranchName}
		}
		return fmt.Errorf(recordWriteErrorTemplateConstant, openError)
	}

	_, writeError := recordFile.Write(encodedRecord)
	closeError := recordFile.Close()
	if writeError != nil {
		return fmt.Errorf(recordWriteErrorTemplateConstant, writeError)
	}
	if closeError != nil {
		return fmt.Errorf(recordWriteErrorTemplateConstant, closeError)
	}

	return nil
}

// List returns live records grouped by repository path. Records whose process
// has exited and files that can no longer be parsed are removed as a side effect.
func (store *Store) List() ([]RepositoryDaemons, error) {
	daemonsDirectory := store.daemonsDirectoryPath()
	directoryEntries, readError := os.ReadDir(daemonsDirectory)
	if readError != nil {
		if errors.Is(readError, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf(listingErrorTemplateConstant, readError)
	}

	groupedRecords := map[string][]DaemonRecord{}
	repositoryOrder := []string{}

	for _, directoryEntry := range directoryEntries {
		if directoryEntry.IsDir() || !strings.HasSuffix(directoryEntry.Name(), recordFileExtensionConstant) {
			continue
		}

		recordFilePath := filepath.Join(daemonsDirectory, directoryEntry.Name())
		record, recordError := readRecordFile(recordFilePath)
		if recordError != nil {
			store.logger.Warn(unreadableRecordLogMessageConstant, zap.String(logFieldRecordPathConstant, recordFilePath), zap.Error(recordError))
			_ = os.Remove(recordFilePath)
			continue
		}

		if !processAlive(record.ProcessID) {
			store.purgeRecordFile(recordFilePath, record)
			continue
		}

		if _, repositorySeen := groupedRecords[record.RepositoryPath]; !repositorySeen {
			repositoryOrder = append(repositoryOrder, record.RepositoryPath)
		}
		groupedRecords[record.RepositoryPath] = append(groupedRecords[record.RepositoryPath], record)
	}

	sort.Strings(repositoryOrder)

	listing := make([]RepositoryDaemons, 0, len(repositoryOrder))
	for _, repositoryPath := range repositoryOrder {
		records := groupedRecords[repositoryPath]
		sort.Slice(records, func(first int, second int) bool {
			return records[first].BranchName < records[second].BranchName
		})
		listing = append(listing, RepositoryDaemons{RepositoryPath: repositoryPath, Records: records})
	}

	return listing, nil
}

// Resolve locates the live record for the repository/branch pair. A missing
// record yields NotFoundError carrying the full listing.
func (store *Store) Resolve(repositoryPath string, branchName string) (DaemonRecord, error) {
	listing, listError := store.List()
	if listError != nil {
		return DaemonRecord{}, listError
	}

	for _, repositoryDaemons := range listing {
		if repositoryDaemons.RepositoryPath != repositoryPath {
			continue
		}
		for _, record := range repositoryDaemons.Records {
			if record.BranchName == branchName {
				return record, nil
			}
		}
	}

	return DaemonRecord{}, NotFoundError{RepositoryPath: repositoryPath, BranchName: branchName, Listing: listing}
}

// Stop delivers SIGTERM to the recorded process and removes its record.
// A process that already exited is purged and reported through AlreadyStopped.
func (store *Store) Stop(record DaemonRecord) (StopResult, error) {
	recordFilePath := store.recordFilePath(record.RepositoryPath, record.BranchName)

	if !processAlive(record.ProcessID) {
		store.purgeRecordFile(recordFilePath, record)
		return StopResult{AlreadyStopped: true}, nil
	}

	if signalError := syscall.Kill(record.ProcessID, syscall.SIGTERM); signalError != nil {
		if errors.Is(signalError, syscall.ESRCH) {
			store.purgeRecordFile(recordFilePath, record)
			return StopResult{AlreadyStopped: true}, nil
		}
		return StopResult{}, fmt.Errorf(terminateSignalErrorTemplateConstant, record.ProcessID, signalError)
	}

	if removeError := os.Remove(recordFilePath); removeError != nil && !errors.Is(removeError, os.ErrNotExist) {
		return StopResult{}, fmt.Errorf(recordRemovalErrorTemplateConstant, removeError)
	}

	return StopResult{}, nil
}

// StopAll stops every live instance, continuing past per-record failures.
// It returns the number of records processed successfully.
func (store *Store) StopAll() (int, error) {
	listing, listError := store.List()
	if listError != nil {
		return 0, listError
	}

	stoppedCount := 0
	for _, repositoryDaemons := range listing {
		for _, record := range repositoryDaemons.Records {
			_, stopError := store.Stop(record)
			if stopError != nil {
				store.logger.Warn(
					stopFailureLogMessageConstant,
					zap.String(logFieldRepositoryConstant, record.RepositoryPath),
					zap.String(logFieldBranchConstant, record.BranchName),
					zap.Int(logFieldProcessIDConstant, record.ProcessID),
					zap.Error(stopError),
				)
				continue
			}
			stoppedCount++
		}
	}

	return stoppedCount, nil
}

// Deregister removes the record file for the repository/branch pair.
// A missing file is tolerated so shutdown paths stay idempotent.
func (store *Store) Deregister(repositoryPath string, branchName string) error {
	recordFilePath := store.recordFilePath(repositoryPath, branchName)
	if removeError := os.Remove(recordFilePath); removeError != nil && !errors.Is(removeError, os.ErrNotExist) {
		return fmt.Errorf(recordRemovalErrorTemplateConstant, removeError)
	}
	return nil
}

// LogFilePathFor derives the deterministic per-instance log file location.
func (store *Store) LogFilePathFor(repositoryPath string, branchName string) string {
	logFileName := recordBaseName(repositoryPath, branchName) + logFileExtensionConstant
	return filepath.Join(store.stateDirectory, logsDirectoryNameConstant, logFileName)
}

// EnsureDirectories creates the daemons and logs directories when missing.
func (store *Store) EnsureDirectories() error {
	return store.ensureDirectories()
}

func (store *Store) ensureDirectories() error {
	for _, directoryPath := range []string{store.daemonsDirectoryPath(), filepath.Join(store.stateDirectory, logsDirectoryNameConstant)} {
		if creationError := os.MkdirAll(directoryPath, stateDirectoryPermissionsConstant); creationError != nil {
			return fmt.Errorf(directoryCreationErrorTemplateConstant, creationError)
		}
	}
	return nil
}

func (store *Store) daemonsDirectoryPath() string {
	return filepath.Join(store.stateDirectory, daemonsDirectoryNameConstant)
}

func (store *Store) recordFilePath(repositoryPath string, branchName string) string {
	recordFileName := recordBaseName(repositoryPath, branchName) + recordFileExtensionConstant
	return filepath.Join(store.daemonsDirectoryPath(), recordFileName)
}

func (store *Store) purgeRecordFile(recordFilePath string, record DaemonRecord) {
	store.logger.Debug(
		staleRecordLogMessageConstant,
		zap.String(logFieldRepositoryConstant, record.RepositoryPath),
		zap.String(logFieldBranchConstant, record.BranchName),
		zap.Int(logFieldProcessIDConstant, record.ProcessID),
	)
	_ = os.Remove(recordFilePath)
}

func validateRecord(record DaemonRecord) error {
	if len(strings.TrimSpace(record.RepositoryPath)) == 0 {
		return ErrRecordRepositoryRequired
	}
	if len(strings.TrimSpace(record.BranchName)) == 0 {
		return ErrRecordBranchRequired
	}
	if record.ProcessID <= 0 {
		return ErrRecordProcessIDInvalid
	}
	return nil
}

func readRecordFile(recordFilePath string) (DaemonRecord, error) {
	recordContents, readError := os.ReadFile(recordFilePath)
	if readError != nil {
		return DaemonRecord{}, readError
	}

	record := DaemonRecord{}
	if unmarshalError := yaml.Unmarshal(recordContents, &record); unmarshalError != nil {
		return DaemonRecord{}, unmarshalError
	}

	if validationError := validateRecord(record); validationError != nil {
		return DaemonRecord{}, validationError
	}

	return record, nil
}

// processAlive probes the pid with a null signal. EPERM still means the
// process exists, only that it belongs to another user.
func processAlive(processID int) bool {
	if processID <= 0 {
		return false
	}

	signalError := syscall.Kill(processID, syscall.Signal(0))
	if signalError == nil {
		return true
	}
	return errors.Is(signalError, syscall.EPERM)
}
