package launcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/swinglejohn/gitbranchsyncer/internal/launcher"
	"github.com/swinglejohn/gitbranchsyncer/internal/registry"
)

const (
	testBranchNameConstant        = "main"
	testSleepExecutableConstant   = "/bin/sleep"
	testTrueExecutableConstant    = "/bin/true"
	testSleepDurationConstant     = "2"
	testRegistrationStepConstant  = 10 * time.Millisecond
	testRegistrationLimitConstant = 3 * time.Second
	testShortTimeoutConstant      = 200 * time.Millisecond
)

type stubRecordResolver struct {
	mutex           sync.Mutex
	failuresLeft    int
	resolvedRecord  registry.DaemonRecord
	alwaysNotFound  bool
	resolutionCount int
}

func (resolver *stubRecordResolver) Resolve(repositoryPath string, branchName string) (registry.DaemonRecord, error) {
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()
	resolver.resolutionCount++

	if resolver.alwaysNotFound || resolver.failuresLeft > 0 {
		resolver.failuresLeft--
		return registry.DaemonRecord{}, registry.NotFoundError{RepositoryPath: repositoryPath, BranchName: branchName}
	}
	return resolver.resolvedRecord, nil
}

type stubEngineRunner struct {
	runError       error
	observedCancel bool
}

func (runner *stubEngineRunner) Run(executionContext context.Context) error {
	<-executionContext.Done()
	runner.observedCancel = true
	return runner.runError
}

func newLauncherForTest(testInstance *testing.T, resolver launcher.RecordResolver) *launcher.Launcher {
	daemonLauncher, creationError := launcher.NewLauncher(launcher.Dependencies{
		Logger:         zaptest.NewLogger(testInstance),
		RecordResolver: resolver,
	})
	require.NoError(testInstance, creationError)
	return daemonLauncher
}

func launchOptions(testInstance *testing.T, executablePath string, arguments ...string) launcher.Options {
	repositoryPath := testInstance.TempDir()
	return launcher.Options{
		ExecutablePath:      executablePath,
		Arguments:           arguments,
		RepositoryPath:      repositoryPath,
		BranchName:          testBranchNameConstant,
		LogFilePath:         filepath.Join(repositoryPath, "logs", "daemon.log"),
		RegistrationTimeout: testRegistrationLimitConstant,
		RegistrationStep:    testRegistrationStepConstant,
	}
}

func TestNewLauncherValidation(testInstance *testing.T) {
	testCases := []struct {
		name          string
		dependencies  launcher.Dependencies
		expectedError error
	}{
		{
			name:          "missing_logger",
			dependencies:  launcher.Dependencies{RecordResolver: &stubRecordResolver{}},
			expectedError: launcher.ErrLoggerNotConfigured,
		},
		{
			name:          "missing_resolver",
			dependencies:  launcher.Dependencies{Logger: zap.NewNop()},
			expectedError: launcher.ErrRecordResolverNotConfigured,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			daemonLauncher, creationError := launcher.NewLauncher(testCase.dependencies)
			require.ErrorIs(testInstance, creationError, testCase.expectedError)
			require.Nil(testInstance, daemonLauncher)
		})
	}
}

func TestLaunchDaemonValidatesOptions(testInstance *testing.T) {
	daemonLauncher := newLauncherForTest(testInstance, &stubRecordResolver{})

	testCases := []struct {
		name          string
		mutate        func(options *launcher.Options)
		expectedError error
	}{
		{
			name:          "missing_executable",
			mutate:        func(options *launcher.Options) { options.ExecutablePath = "" },
			expectedError: launcher.ErrExecutablePathRequired,
		},
		{
			name:          "missing_repository",
			mutate:        func(options *launcher.Options) { options.RepositoryPath = " " },
			expectedError: launcher.ErrRepositoryPathRequired,
		},
		{
			name:          "missing_log_file",
			mutate:        func(options *launcher.Options) { options.LogFilePath = "" },
			expectedError: launcher.ErrLogFilePathRequired,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			options := launchOptions(testInstance, testSleepExecutableConstant, testSleepDurationConstant)
			testCase.mutate(&options)

			_, launchError := daemonLauncher.LaunchDaemon(options)
			require.ErrorIs(testInstance, launchError, testCase.expectedError)
		})
	}
}

func TestLaunchDaemonReturnsRecordAfterRegistration(testInstance *testing.T) {
	options := launchOptions(testInstance, testSleepExecutableConstant, testSleepDurationConstant)
	expectedRecord := registry.DaemonRecord{
		RepositoryPath: options.RepositoryPath,
		BranchName:     testBranchNameConstant,
		ProcessID:      4242,
		LogFilePath:    options.LogFilePath,
		StartedAt:      time.Now().UTC(),
	}

	resolver := &stubRecordResolver{failuresLeft: 2, resolvedRecord: expectedRecord}
	daemonLauncher := newLauncherForTest(testInstance, resolver)

	launchedRecord, launchError := daemonLauncher.LaunchDaemon(options)
	require.NoError(testInstance, launchError)
	require.Equal(testInstance, expectedRecord.ProcessID, launchedRecord.ProcessID)

	_, statError := os.Stat(options.LogFilePath)
	require.NoError(testInstance, statError)
}

func TestLaunchDaemonDetectsEarlyChildExit(testInstance *testing.T) {
	resolver := &stubRecordResolver{alwaysNotFound: true}
	daemonLauncher := newLauncherForTest(testInstance, resolver)

	options := launchOptions(testInstance, testTrueExecutableConstant)
	_, launchError := daemonLauncher.LaunchDaemon(options)

	exitedError := launcher.ChildExitedError{}
	require.ErrorAs(testInstance, launchError, &exitedError)
}

func TestLaunchDaemonTimesOutWithoutRegistration(testInstance *testing.T) {
	resolver := &stubRecordResolver{alwaysNotFound: true}
	daemonLauncher := newLauncherForTest(testInstance, resolver)

	options := launchOptions(testInstance, testSleepExecutableConstant, "60")
	options.RegistrationTimeout = testShortTimeoutConstant

	_, launchError := daemonLauncher.LaunchDaemon(options)
	require.ErrorIs(testInstance, launchError, launcher.ErrLaunchTimeout)
}

func TestRunInteractiveStopsWithContext(testInstance *testing.T) {
	executionContext, cancelExecution := context.WithCancel(context.Background())
	engineRunner := &stubEngineRunner{}

	go func() {
		time.Sleep(testRegistrationStepConstant)
		cancelExecution()
	}()

	require.NoError(testInstance, launcher.RunInteractive(executionContext, engineRunner))
	require.True(testInstance, engineRunner.observedCancel)
}
