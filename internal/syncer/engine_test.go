package syncer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/swinglejohn/gitbranchsyncer/internal/registry"
	"github.com/swinglejohn/gitbranchsyncer/internal/syncer"
)

const (
	testRepositoryPathConstant    = "/workspaces/demo"
	testBranchNameConstant        = "main"
	testUpstreamReferenceConstant = "origin/main"
	testLocalCommitConstant       = "1111111111111111111111111111111111111111"
	testRemoteCommitConstant      = "2222222222222222222222222222222222222222"
	testPollIntervalConstant      = 10 * time.Millisecond
	testRunTimeoutConstant        = 5 * time.Second
)

type stubRepositoryService struct {
	mutex sync.Mutex

	currentBranch     string
	branchExists      bool
	upstreamReference string
	localCommit       string
	remoteCommit      string
	ancestorCommit    string
	commitsBehind     int
	remoteURL         string

	fetchError error
	pullError  error
	onPull     func(pullContext context.Context) error

	fetchCount int
	pullCount  int
}

func (service *stubRepositoryService) CurrentBranch(executionContext context.Context, repositoryPath string) (string, error) {
	return service.currentBranch, nil
}

func (service *stubRepositoryService) BranchExists(executionContext context.Context, repositoryPath string, branchName string) (bool, error) {
	return service.branchExists, nil
}

func (service *stubRepositoryService) UpstreamRef(executionContext context.Context, repositoryPath string, branchName string) (string, error) {
	return service.upstreamReference, nil
}

func (service *stubRepositoryService) FetchRemote(executionContext context.Context, repositoryPath string) error {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	service.fetchCount++
	return service.fetchError
}

func (service *stubRepositoryService) RevisionHash(executionContext context.Context, repositoryPath string, reference string) (string, error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	if reference == service.upstreamReference {
		return service.remoteCommit, nil
	}
	return service.localCommit, nil
}

func (service *stubRepositoryService) IsAncestor(executionContext context.Context, repositoryPath string, ancestorReference string, descendantReference string) (bool, error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return ancestorReference == descendantReference || ancestorReference == service.ancestorCommit, nil
}

func (service *stubRepositoryService) CommitsBehind(executionContext context.Context, repositoryPath string, localReference string, remoteReference string) (int, error) {
	return service.commitsBehind, nil
}

func (service *stubRepositoryService) FastForwardPull(executionContext context.Context, repositoryPath string) error {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	if service.onPull != nil {
		if hookError := service.onPull(executionContext); hookError != nil {
			return hookError
		}
	}
	if service.pullError != nil {
		return service.pullError
	}
	service.pullCount++
	service.localCommit = service.remoteCommit
	return nil
}

func (service *stubRepositoryService) OriginRemoteURL(executionContext context.Context, repositoryPath string) (string, error) {
	if len(service.remoteURL) == 0 {
		return "", errors.New("no remote configured")
	}
	return service.remoteURL, nil
}

func (service *stubRepositoryService) counts() (int, int) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return service.fetchCount, service.pullCount
}

type stubHookRunner struct {
	mutex          sync.Mutex
	runCount       int
	terminateCount int
}

func (runner *stubHookRunner) Run(repositoryRoot string) bool {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	runner.runCount++
	return true
}

func (runner *stubHookRunner) Terminate() {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	runner.terminateCount++
}

func (runner *stubHookRunner) counts() (int, int) {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	return runner.runCount, runner.terminateCount
}

type stubRegistrar struct {
	mutex             sync.Mutex
	registerError     error
	registeredRecords []registry.DaemonRecord
	deregisterCount   int
}

func (registrar *stubRegistrar) Register(record registry.DaemonRecord) error {
	registrar.mutex.Lock()
	defer registrar.mutex.Unlock()
	if registrar.registerError != nil {
		return registrar.registerError
	}
	registrar.registeredRecords = append(registrar.registeredRecords, record)
	return nil
}

func (registrar *stubRegistrar) Deregister(repositoryPath string, branchName string) error {
	registrar.mutex.Lock()
	defer registrar.mutex.Unlock()
	registrar.deregisterCount++
	return nil
}

func (registrar *stubRegistrar) snapshot() ([]registry.DaemonRecord, int) {
	registrar.mutex.Lock()
	defer registrar.mutex.Unlock()
	records := append([]registry.DaemonRecord{}, registrar.registeredRecords...)
	return records, registrar.deregisterCount
}

func newInSyncRepositoryService() *stubRepositoryService {
	return &stubRepositoryService{
		currentBranch:     testBranchNameConstant,
		branchExists:      true,
		upstreamReference: testUpstreamReferenceConstant,
		localCommit:       testLocalCommitConstant,
		remoteCommit:      testLocalCommitConstant,
	}
}

func newEngineForTest(testInstance *testing.T, repositoryService *stubRepositoryService, hookRunner *stubHookRunner, registrar *stubRegistrar) *syncer.Engine {
	engine, creationError := syncer.NewEngine(
		syncer.Dependencies{
			RepositoryClient: repositoryService,
			HookRunner:       hookRunner,
			Registrar:        registrar,
			Logger:           zaptest.NewLogger(testInstance),
		},
		syncer.Options{
			RepositoryPath: testRepositoryPathConstant,
			BranchName:     testBranchNameConstant,
			PollInterval:   testPollIntervalConstant,
		},
	)
	require.NoError(testInstance, creationError)
	return engine
}

func runEngineUntil(testInstance *testing.T, engine *syncer.Engine, condition func() bool) error {
	executionContext, cancelExecution := context.WithCancel(context.Background())
	defer cancelExecution()

	runResult := make(chan error, 1)
	go func() {
		runResult <- engine.Run(executionContext)
	}()

	deadline := time.Now().Add(testRunTimeoutConstant)
	for !condition() {
		require.True(testInstance, time.Now().Before(deadline), "engine did not reach expected state in time")
		time.Sleep(testPollIntervalConstant)
	}
	cancelExecution()

	select {
	case runError := <-runResult:
		return runError
	case <-time.After(testRunTimeoutConstant):
		testInstance.Fatal("engine did not stop after cancellation")
		return nil
	}
}

func TestNewEngineValidation(testInstance *testing.T) {
	validDependencies := syncer.Dependencies{
		RepositoryClient: newInSyncRepositoryService(),
		HookRunner:       &stubHookRunner{},
		Registrar:        &stubRegistrar{},
		Logger:           zaptest.NewLogger(testInstance),
	}

	testCases := []struct {
		name          string
		mutate        func(dependencies *syncer.Dependencies, options *syncer.Options)
		expectedError error
	}{
		{
			name: "missing_repository_client",
			mutate: func(dependencies *syncer.Dependencies, options *syncer.Options) {
				dependencies.RepositoryClient = nil
			},
			expectedError: syncer.ErrRepositoryClientNotConfigured,
		},
		{
			name: "missing_hook_runner",
			mutate: func(dependencies *syncer.Dependencies, options *syncer.Options) {
				dependencies.HookRunner = nil
			},
			expectedError: syncer.ErrHookRunnerNotConfigured,
		},
		{
			name: "missing_registrar",
			mutate: func(dependencies *syncer.Dependencies, options *syncer.Options) {
				dependencies.Registrar = nil
			},
			expectedError: syncer.ErrRegistrarNotConfigured,
		},
		{
			name: "missing_logger",
			mutate: func(dependencies *syncer.Dependencies, options *syncer.Options) {
				dependencies.Logger = nil
			},
			expectedError: syncer.ErrLoggerNotConfigured,
		},
		{
			name: "missing_repository_path",
			mutate: func(dependencies *syncer.Dependencies, options *syncer.Options) {
				options.RepositoryPath = " "
			},
			expectedError: syncer.ErrRepositoryPathRequired,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			dependencies := validDependencies
			options := syncer.Options{RepositoryPath: testRepositoryPathConstant}
			testCase.mutate(&dependencies, &options)

			engine, creationError := syncer.NewEngine(dependencies, options)
			require.ErrorIs(testInstance, creationError, testCase.expectedError)
			require.Nil(testInstance, engine)
		})
	}
}

func TestEngineStopsWhenBranchMissing(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	repositoryService.branchExists = false
	registrar := &stubRegistrar{}

	engine := newEngineForTest(testInstance, repositoryService, &stubHookRunner{}, registrar)
	runError := engine.Run(context.Background())

	branchNotFoundError := syncer.BranchNotFoundError{}
	require.ErrorAs(testInstance, runError, &branchNotFoundError)
	require.Equal(testInstance, testBranchNameConstant, branchNotFoundError.BranchName)
	require.Equal(testInstance, syncer.PhaseErrorStopped, engine.State().Phase)

	registeredRecords, _ := registrar.snapshot()
	require.Empty(testInstance, registeredRecords)
}

func TestEngineSurfacesRegistrationConflict(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	registrar := &stubRegistrar{registerError: registry.ConflictError{
		RepositoryPath: testRepositoryPathConstant,
		BranchName:     testBranchNameConstant,
		ProcessID:      4242,
	}}

	engine := newEngineForTest(testInstance, repositoryService, &stubHookRunner{}, registrar)
	runError := engine.Run(context.Background())

	conflictError := registry.ConflictError{}
	require.ErrorAs(testInstance, runError, &conflictError)
	require.Equal(testInstance, 4242, conflictError.ProcessID)
}

func TestEngineStaysWatchingWhenUpToDate(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	hookRunner := &stubHookRunner{}
	registrar := &stubRegistrar{}

	engine := newEngineForTest(testInstance, repositoryService, hookRunner, registrar)
	runError := runEngineUntil(testInstance, engine, func() bool {
		fetchCount, _ := repositoryService.counts()
		return fetchCount >= 3
	})
	require.NoError(testInstance, runError)

	_, pullCount := repositoryService.counts()
	require.Zero(testInstance, pullCount)

	hookRunCount, hookTerminateCount := hookRunner.counts()
	require.Zero(testInstance, hookRunCount)
	require.Equal(testInstance, 1, hookTerminateCount)

	require.Equal(testInstance, syncer.PhaseStopped, engine.State().Phase)

	registeredRecords, deregisterCount := registrar.snapshot()
	require.Len(testInstance, registeredRecords, 1)
	require.Equal(testInstance, 1, deregisterCount)
}

func TestEnginePullsOnceWhenRemoteAhead(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	repositoryService.remoteCommit = testRemoteCommitConstant
	repositoryService.commitsBehind = 3
	hookRunner := &stubHookRunner{}
	registrar := &stubRegistrar{}

	engine := newEngineForTest(testInstance, repositoryService, hookRunner, registrar)
	runError := runEngineUntil(testInstance, engine, func() bool {
		fetchCount, pullCount := repositoryService.counts()
		return pullCount >= 1 && fetchCount >= 3
	})
	require.NoError(testInstance, runError)

	_, pullCount := repositoryService.counts()
	require.Equal(testInstance, 1, pullCount)

	hookRunCount, _ := hookRunner.counts()
	require.Equal(testInstance, 1, hookRunCount)

	require.Equal(testInstance, testRemoteCommitConstant, engine.State().LastKnownRemoteCommit)
}

func TestEngineFinishesInFlightPullAfterStopRequest(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	repositoryService.remoteCommit = testRemoteCommitConstant

	executionContext, cancelExecution := context.WithCancel(context.Background())
	defer cancelExecution()

	repositoryService.onPull = func(pullContext context.Context) error {
		cancelExecution()
		return pullContext.Err()
	}

	engine := newEngineForTest(testInstance, repositoryService, &stubHookRunner{}, &stubRegistrar{})

	runResult := make(chan error, 1)
	go func() {
		runResult <- engine.Run(executionContext)
	}()

	select {
	case runError := <-runResult:
		require.NoError(testInstance, runError)
	case <-time.After(testRunTimeoutConstant):
		testInstance.Fatal("engine did not stop after cancellation")
	}

	require.Equal(testInstance, syncer.PhaseStopped, engine.State().Phase)

	_, pullCount := repositoryService.counts()
	require.Equal(testInstance, 1, pullCount)
}

func TestEngineStaysWatchingWhenLocalAhead(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	repositoryService.localCommit = testRemoteCommitConstant
	repositoryService.remoteCommit = testLocalCommitConstant
	repositoryService.ancestorCommit = testLocalCommitConstant

	hookRunner := &stubHookRunner{}
	engine := newEngineForTest(testInstance, repositoryService, hookRunner, &stubRegistrar{})

	runError := runEngineUntil(testInstance, engine, func() bool {
		fetchCount, _ := repositoryService.counts()
		return fetchCount >= 2
	})
	require.NoError(testInstance, runError)

	_, pullCount := repositoryService.counts()
	require.Zero(testInstance, pullCount)
}

func TestEngineStopsOnFetchFailure(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	repositoryService.fetchError = errors.New("could not read from remote repository")
	registrar := &stubRegistrar{}

	engine := newEngineForTest(testInstance, repositoryService, &stubHookRunner{}, registrar)
	runError := engine.Run(context.Background())

	require.Error(testInstance, runError)
	require.Equal(testInstance, syncer.PhaseErrorStopped, engine.State().Phase)
	require.Equal(testInstance, 1, engine.State().ConsecutiveErrorCount)

	_, deregisterCount := registrar.snapshot()
	require.Equal(testInstance, 1, deregisterCount)
}

func TestEngineStopsOnPullFailure(testInstance *testing.T) {
	repositoryService := newInSyncRepositoryService()
	repositoryService.remoteCommit = testRemoteCommitConstant
	repositoryService.pullError = errors.New("not possible to fast-forward")

	engine := newEngineForTest(testInstance, repositoryService, &stubHookRunner{}, &stubRegistrar{})
	runError := engine.Run(context.Background())

	require.Error(testInstance, runError)
	require.Equal(testInstance, syncer.PhaseErrorStopped, engine.State().Phase)
}
