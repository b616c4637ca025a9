package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"

	"github.com/toolmux/toolmux/internal/common"
)

func useTempDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(common.EnvDataDir, dir)
	return dir
}

func TestEventLogger_WritesJSONLines(t *testing.T) {
	useTempDataDir(t)

	logger, err := NewEventLogger("default")
	assert.NilError(t, err)
	defer logger.Close()

	assert.NilError(t, logger.LogRequest("req-1", "sess-1", "find", "search files"))
	assert.NilError(t, logger.LogResponse("req-1", "sess-1", "find", "", "", "3 results", true, ""))
	assert.NilError(t, logger.LogResponse("req-2", "sess-1", "run", "files", "files:read_file", "", false, "timeout"))
	assert.NilError(t, logger.LogSchemaDrift("files", "files:read_file"))

	data, err := os.ReadFile(logger.GetLogPath())
	assert.NilError(t, err)

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var event Event
		assert.NilError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	assert.Equal(t, len(events), 4)

	assert.Equal(t, events[0].Direction, "request")
	assert.Equal(t, events[0].Operation, "find")
	assert.Equal(t, events[0].Profile, "default")

	// Failed responses keep Direction but flip MessageType to error.
	assert.Equal(t, events[2].Direction, "response")
	assert.Equal(t, events[2].MessageType, "error")
	assert.Equal(t, events[2].Error, "timeout")

	assert.Equal(t, events[3].MessageType, "warning")
	assert.Equal(t, events[3].Metadata["reason"], "schema_drift")
}

func TestRotatingWriter_RotatesAtCap(t *testing.T) {
	dir := useTempDataDir(t)

	w, err := NewRotatingWriter("files")
	assert.NilError(t, err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 64*1024)
	// Write well past the 1 MiB cap to force at least one rotation.
	for i := 0; i < 20; i++ {
		_, err := w.Write(chunk)
		assert.NilError(t, err)
	}

	base := filepath.Join(dir, "logs", "files.stderr.log")
	info, err := os.Stat(base)
	assert.NilError(t, err)
	assert.Assert(t, info.Size() <= rotateMaxBytes)

	_, err = os.Stat(base + ".1")
	assert.NilError(t, err)
}

func TestRotatingWriter_KeepsBoundedHistory(t *testing.T) {
	dir := useTempDataDir(t)

	w, err := NewRotatingWriter("linear")
	assert.NilError(t, err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("y"), 256*1024)
	// Enough writes for several rotations.
	for i := 0; i < 40; i++ {
		_, err := w.Write(chunk)
		assert.NilError(t, err)
	}

	base := filepath.Join(dir, "logs", "linear.stderr.log")
	for i := 1; i <= rotateKeep; i++ {
		_, err := os.Stat(fmt.Sprintf("%s.%d", base, i))
		assert.NilError(t, err)
	}
	_, err = os.Stat(fmt.Sprintf("%s.%d", base, rotateKeep+1))
	assert.Assert(t, os.IsNotExist(err))
}
