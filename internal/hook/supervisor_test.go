package hook_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/swinglejohn/gitbranchsyncer/internal/hook"
)

const (
	testHookFileNameConstant       = ".test-sync-hook"
	testHookOutputMarkerConstant   = "hook-output-marker"
	testEchoHookScriptConstant     = "#!/bin/sh\necho " + testHookOutputMarkerConstant + "\n"
	testSleepingHookScriptConstant = "#!/bin/sh\nsleep 30\n"
	testExecutableModeConstant     = 0o755
	testNonExecutableModeConstant  = 0o644
	testShortGraceTimeoutConstant  = 200 * time.Millisecond
	testCompletionTimeoutConstant  = 5 * time.Second
	testCompletionPollStepConstant = 20 * time.Millisecond
)

type synchronizedBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (writer *synchronizedBuffer) Write(data []byte) (int, error) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return writer.buffer.Write(data)
}

func (writer *synchronizedBuffer) String() string {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return writer.buffer.String()
}

func newSupervisorForTest(testInstance *testing.T, outputWriter *synchronizedBuffer) *hook.Supervisor {
	supervisor, creationError := hook.NewSupervisor(
		hook.Dependencies{Logger: zaptest.NewLogger(testInstance)},
		hook.Options{
			HookFileName: testHookFileNameConstant,
			OutputWriter: outputWriter,
			GraceTimeout: testShortGraceTimeoutConstant,
		},
	)
	require.NoError(testInstance, creationError)
	return supervisor
}

func writeHookScript(testInstance *testing.T, repositoryRoot string, scriptContents string, scriptMode os.FileMode) {
	hookPath := filepath.Join(repositoryRoot, testHookFileNameConstant)
	require.NoError(testInstance, os.WriteFile(hookPath, []byte(scriptContents), scriptMode))
}

func waitForCompletion(testInstance *testing.T, supervisor *hook.Supervisor) {
	deadline := time.Now().Add(testCompletionTimeoutConstant)
	for supervisor.Alive() {
		require.True(testInstance, time.Now().Before(deadline), "hook child did not finish in time")
		time.Sleep(testCompletionPollStepConstant)
	}
}

func TestNewSupervisorRequiresLogger(testInstance *testing.T) {
	supervisor, creationError := hook.NewSupervisor(hook.Dependencies{}, hook.Options{})
	require.ErrorIs(testInstance, creationError, hook.ErrLoggerNotConfigured)
	require.Nil(testInstance, supervisor)
}

func TestSupervisorRunSkipsMissingHook(testInstance *testing.T) {
	supervisor := newSupervisorForTest(testInstance, &synchronizedBuffer{})
	require.False(testInstance, supervisor.Run(testInstance.TempDir()))
	require.False(testInstance, supervisor.Alive())
}

func TestSupervisorRunSkipsNonExecutableHook(testInstance *testing.T) {
	repositoryRoot := testInstance.TempDir()
	writeHookScript(testInstance, repositoryRoot, testEchoHookScriptConstant, testNonExecutableModeConstant)

	supervisor := newSupervisorForTest(testInstance, &synchronizedBuffer{})
	require.False(testInstance, supervisor.Run(repositoryRoot))
}

func TestSupervisorRunCapturesHookOutput(testInstance *testing.T) {
	repositoryRoot := testInstance.TempDir()
	writeHookScript(testInstance, repositoryRoot, testEchoHookScriptConstant, testExecutableModeConstant)

	outputWriter := &synchronizedBuffer{}
	supervisor := newSupervisorForTest(testInstance, outputWriter)

	require.True(testInstance, supervisor.Run(repositoryRoot))
	waitForCompletion(testInstance, supervisor)

	require.Contains(testInstance, outputWriter.String(), testHookOutputMarkerConstant)
}

func TestSupervisorSupersedesRunningHook(testInstance *testing.T) {
	repositoryRoot := testInstance.TempDir()
	writeHookScript(testInstance, repositoryRoot, testSleepingHookScriptConstant, testExecutableModeConstant)

	supervisor := newSupervisorForTest(testInstance, &synchronizedBuffer{})
	testInstance.Cleanup(supervisor.Terminate)

	require.True(testInstance, supervisor.Run(repositoryRoot))
	require.True(testInstance, supervisor.Alive())

	require.True(testInstance, supervisor.Run(repositoryRoot))
	require.True(testInstance, supervisor.Alive())
}

func TestSupervisorTerminateStopsRunningHook(testInstance *testing.T) {
	repositoryRoot := testInstance.TempDir()
	writeHookScript(testInstance, repositoryRoot, testSleepingHookScriptConstant, testExecutableModeConstant)

	supervisor := newSupervisorForTest(testInstance, &synchronizedBuffer{})

	require.True(testInstance, supervisor.Run(repositoryRoot))
	supervisor.Terminate()
	require.False(testInstance, supervisor.Alive())
}

func TestSupervisorTerminateWithoutChildIsNoOp(testInstance *testing.T) {
	supervisor, creationError := hook.NewSupervisor(hook.Dependencies{Logger: zap.NewNop()}, hook.Options{})
	require.NoError(testInstance, creationError)
	supervisor.Terminate()
	require.False(testInstance, supervisor.Alive())
}
