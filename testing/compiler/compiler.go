/*
Package compiler builds Go binaries for acceptance tests.

Spawning a real binary and supervising it from the outside is the closest a
test can get to how the service will run in production. This package compiles
a main package into a temporary directory once per test binary, so fixtures
can spawn it as an ordinary child process.
*/
package compiler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

type Compiler struct {
	dir string
}

func New() *Compiler {
	tempDir, err := os.MkdirTemp("", "txfixtures-tests")
	if err != nil {
		panic(err)
	}
	return &Compiler{dir: tempDir}
}

func (c *Compiler) Cleanup() {
	_ = os.RemoveAll(c.dir)
}

// Compile builds the main package at source (relative to target) into a
// binary called name, returning its path.
func (c *Compiler) Compile(ctx context.Context, name, target, source string) (string, error) {
	cwd, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}

	path := binaryPath(name, c.dir)
	//#nosec:G204 // deliberately building a test binary
	cmd := exec.CommandContext(ctx, goBinary(), "build", "-o", path, source)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return path, cmd.Run()
}

func goBinary() string {
	goroot := os.Getenv("GOROOT")
	if goroot == "" {
		return "go"
	}
	return filepath.Join(goroot, "bin", "go")
}

func binaryPath(name, tempDir string) string {
	path := filepath.Join(tempDir, name)
	if runtime.GOOS == "windows" {
		return path + ".exe"
	}
	return path
}
