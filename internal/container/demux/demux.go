// Package demux splits a hijacked Docker exec stream into stdout/stderr and
// turns stdout into typed line-delimited JSON events.
package demux

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// DebugPrefix marks stderr lines that are diagnostic output, not errors.
const DebugPrefix = "[SDK]"

// nodeErrorPattern matches stderr lines that constitute a true Node-style
// fatal error: an "XError: ..." line, an indented "at ..." stack frame, or
// an explicit process.exit(1) trace line. Anything else on stderr is
// diagnostic output.
var nodeErrorPattern = regexp.MustCompile(
	`(?m)^\S*Error:\s|^\s+at\s+\S+|process\.exit\(1\)`,
)

// Event is one parsed stdout event. Type is the recognized `type` field
// from the JSON object, or "output" for any line that didn't parse as a
// recognized typed object.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Handlers receives demuxed output as it is produced. Both are
// optional; nil handlers are simply not called.
type Handlers struct {
	// OnEvent fires once per non-empty stdout line: with the recognized typed
	// JSON object the line holds, or else with an "output" event wrapping it.
	OnEvent func(Event)
	// OnStderrLine fires for every stderr line, including debug-prefixed
	// diagnostic lines. Callers that only care about true errors can ignore
	// non-matching lines; Run itself decides true-error termination.
	OnStderrLine func(line string)
}

// recognizedTypes are the typed-event names the in-container SDK's stdout
// protocol declares; anything else, including well-formed JSON with an
// unrecognized type, falls back to a raw "output" event.
var recognizedTypes = map[string]bool{
	"content": true,
	"done":    true,
	"error":   true,
}

func recognizedType(t string) bool {
	return recognizedTypes[t]
}

// Run demultiplexes a non-TTY exec stream (src carries Docker's multiplexed
// 8-byte-header framing) into stdout/stderr, scans stdout for
// line-delimited JSON events, and scans stderr for a true Node-style error
// signature. It blocks until src is exhausted or ctx is cancelled, and
// returns a non-nil error when stderr matched a true error signature or when
// reading src failed; debug-prefixed or otherwise unmatched stderr output
// never fails the call.
func Run(ctx context.Context, src io.Reader, h Handlers) error {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var copyErr error
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		defer stdoutW.Close()
		defer stderrW.Close()
		_, copyErr = stdcopy.StdCopy(stdoutW, stderrW, src)
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanStdout(stdoutR, h.OnEvent)
	}()

	var trueErr error
	var trueErrMu sync.Mutex
	go func() {
		defer wg.Done()
		scanStderr(stderrR, h.OnStderrLine, func(err error) {
			trueErrMu.Lock()
			if trueErr == nil {
				trueErr = err
			}
			trueErrMu.Unlock()
		})
	}()

	select {
	case <-ctx.Done():
		stdoutR.CloseWithError(ctx.Err())
		stderrR.CloseWithError(ctx.Err())
	case <-copyDone:
	}
	wg.Wait()

	trueErrMu.Lock()
	defer trueErrMu.Unlock()
	if trueErr != nil {
		return trueErr
	}
	if copyErr != nil && copyErr != io.EOF {
		return copyErr
	}
	return nil
}

// RunTTY forwards a TTY-attached exec stream untransformed: no multiplexing
// header is present, so every chunk is raw terminal bytes.
func RunTTY(ctx context.Context, src io.Reader, onChunk func([]byte)) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := src.Read(buf)
		if n > 0 && onChunk != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func scanStdout(r io.Reader, onEvent func(Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if onEvent == nil {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &head); err == nil && recognizedType(head.Type) {
			onEvent(Event{Type: head.Type, Raw: json.RawMessage(line)})
			continue
		}
		onEvent(Event{Type: "output", Raw: outputRaw(line)})
	}
}

func outputRaw(text string) json.RawMessage {
	data, err := json.Marshal(map[string]string{"type": "output", "data": text})
	if err != nil {
		return json.RawMessage(`{"type":"output","data":""}`)
	}
	return data
}

func scanStderr(r io.Reader, onLine func(string), onTrueError func(error)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		if strings.HasPrefix(strings.TrimSpace(line), DebugPrefix) {
			continue
		}
		if nodeErrorPattern.MatchString(line) {
			onTrueError(&StreamError{Line: line})
		}
	}
}

// StreamError reports a true stderr error signature, carrying the offending
// line for diagnostics.
type StreamError struct {
	Line string
}

func (e *StreamError) Error() string {
	return "exec stderr reported a fatal error: " + e.Line
}
