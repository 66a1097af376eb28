// Package logcapture redirects process stdout and stderr into a structured
// logger. Third-party code and the runtime occasionally print directly to
// the standard streams; capturing them keeps every line in one log stream
// with consistent attributes.
package logcapture

import (
	"bufio"
	"log/slog"
	"os"
	"sync"

	"github.com/Kazuryu0907/new-rl-replay/errors"
)

// Capture swaps os.Stdout and os.Stderr for pipes and pumps each line into
// sink, tagged with a stream attribute. The returned restore function puts
// the original streams back, drains both pumps, and is safe to call more
// than once. Callers defer restore so the streams come back even on panic.
func Capture(sink *slog.Logger) (restore func(), err error) {
	if sink == nil {
		sink = slog.Default()
	}

	origStdout := os.Stdout
	origStderr := os.Stderr

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapTransient(err, "LogCapture", "Capture", "create stdout pipe")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, errors.WrapTransient(err, "LogCapture", "Capture", "create stderr pipe")
	}

	os.Stdout = outW
	os.Stderr = errW

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, outR, sink, "stdout")
	go pump(&wg, errR, sink, "stderr")

	var once sync.Once
	restore = func() {
		once.Do(func() {
			os.Stdout = origStdout
			os.Stderr = origStderr

			// Closing the write ends lets the pumps hit EOF and flush
			// whatever is still buffered before we return.
			outW.Close()
			errW.Close()
			wg.Wait()

			outR.Close()
			errR.Close()
		})
	}
	return restore, nil
}

// pump forwards lines from the pipe into the sink until EOF.
func pump(wg *sync.WaitGroup, r *os.File, sink *slog.Logger, stream string) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		sink.Info(line, "stream", stream)
	}
}
