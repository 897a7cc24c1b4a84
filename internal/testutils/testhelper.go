package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/dispatch"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper. GATTKIT_TEST_LOG=debug turns on debug logs
// to track execution flow.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if level, err := logrus.ParseLevel(os.Getenv("GATTKIT_TEST_LOG")); err == nil {
		logger.SetLevel(level)
	}
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Await waits for f, failing the test when it does not complete within timeout
func Await[T any](t *testing.T, f *dispatch.Future[T], timeout time.Duration) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := f.Wait(ctx)
	if ctx.Err() != nil && !f.IsDone() {
		t.Fatalf("future did not complete within %s", timeout)
	}
	return v, err
}

// ProjectFile reads a file relative to the module root
func ProjectFile(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return string(data), nil
}
