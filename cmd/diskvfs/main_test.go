package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes one diskvfs invocation and returns its standard output.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-level", "ERROR"))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, stdin, args...)
	require.NoError(t, err, "diskvfs %s", strings.Join(args, " "))
	return out
}

func mkfsArgs(fs string) []string {
	if fs == "ext4" {
		return []string{"--size", "4MiB", "--block-size", "1KiB", "--inodes", "64"}
	}
	return []string{"--size", "4MiB", "--sectors-per-cluster", "1", "--label", "TEST"}
}

func TestCLI_FileWorkflow(t *testing.T) {
	for _, fs := range []string{"ext4", "vfat"} {
		t.Run(fs, func(t *testing.T) {
			img := filepath.Join(t.TempDir(), "disk.img")
			dev := []string{"-d", "file://" + img, "-t", fs}
			do := func(stdin string, args ...string) string {
				return mustRun(t, stdin, append(args, dev...)...)
			}

			out := do("", append([]string{"mkfs"}, mkfsArgs(fs)...)...)
			assert.Contains(t, out, "formatted "+img+" as "+fs)
			info, err := os.Stat(img)
			require.NoError(t, err)
			assert.Equal(t, int64(4<<20), info.Size())

			do("", "mkdir", "-p", "/docs/notes")
			do("", "mkdir", "-p", "/docs/notes")
			out = do("hello, disk\n", "put", "-", "/docs/hello.txt")
			assert.Contains(t, out, "wrote 12 B to /docs/hello.txt")

			out = do("", "ls", "/docs")
			assert.ElementsMatch(t, []string{"notes", "hello.txt"}, strings.Fields(out))

			out = do("", "ls", "-l", "/docs")
			assert.Contains(t, out, "drwxr-xr-x")
			assert.Contains(t, out, "-rw-r--r--")

			assert.Equal(t, "hello, disk\n", do("", "cat", "/docs/hello.txt"))

			// Overwriting truncates the previous contents.
			do("bye\n", "put", "-", "/docs/hello.txt")
			assert.Equal(t, "bye\n", do("", "cat", "/docs/hello.txt"))

			out = do("", "stat", "/docs/hello.txt")
			assert.Contains(t, out, "File: /docs/hello.txt")
			assert.Contains(t, out, "Type: file")
			assert.Contains(t, out, "Size: 4 (4 B)")

			do("", "mv", "/docs/hello.txt", "/greeting.txt")
			assert.Equal(t, "bye\n", do("", "cat", "/greeting.txt"))
			_, err = run(t, "", append([]string{"cat", "/docs/hello.txt"}, dev...)...)
			assert.Error(t, err)

			do("", "rm", "/greeting.txt", "/docs/notes")
			out = do("", "ls", "/")
			assert.NotContains(t, out, "greeting.txt")
			assert.Empty(t, strings.TrimSpace(do("", "ls", "/docs")))

			out = do("", "df")
			assert.Regexp(t, `^`+fs+`: [0-9.]+ MiB total`, out)
		})
	}
}

func TestCLI_HostFilePut(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	src := filepath.Join(dir, "payload.bin")
	payload := bytes.Repeat([]byte("0123456789abcdef"), 40000)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	dev := []string{"-d", img, "-t", "vfat"}
	mustRun(t, "", append(append([]string{"mkfs"}, mkfsArgs("vfat")...), dev...)...)
	mustRun(t, "", append([]string{"put", src, "/payload.bin"}, dev...)...)

	out := mustRun(t, "", append([]string{"cat", "/payload.bin"}, dev...)...)
	assert.Equal(t, string(payload), out)
}

func TestCLI_Errors(t *testing.T) {
	img := filepath.Join(t.TempDir(), "blank.img")
	require.NoError(t, os.WriteFile(img, make([]byte, 1<<20), 0o644))

	_, err := run(t, "", "ls", "-d", "file://"+img)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run mkfs first")

	_, err = run(t, "", "ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device given")

	_, err = run(t, "", "ls", "-d", "gcs://bucket")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported device scheme")

	_, err = run(t, "", "ls", "-d", "file://"+img, "-t", "ntfs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported filesystem")

	_, err = run(t, "", "mount", "-d", "file://"+img)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mount point is required")
}

func TestCLI_ConfigFileMount(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "boot.img")
	cfgPath := filepath.Join(dir, "diskvfs.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
mounts:
  - name: boot
    filesystem: vfat
    device:
      type: file
      path: `+img+`
      size: 4MiB
    fat:
      sectors_per_cluster: 1
`), 0o644))

	mustRun(t, "", "mkfs", "-c", cfgPath)
	mustRun(t, "data", "put", "-", "/a.txt", "-c", cfgPath, "-m", "boot")
	assert.Equal(t, "data", mustRun(t, "", "cat", "/a.txt", "-c", cfgPath))

	_, err := run(t, "", "ls", "-c", cfgPath, "-m", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no mount named "missing"`)

	_, err = run(t, "", "mount", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no mount has a mount_point")
}
