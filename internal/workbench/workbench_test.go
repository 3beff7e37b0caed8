package workbench

import (
	"context"
	"sync"
	"testing"
	"time"

	"ancode/internal/parser"
	"ancode/internal/runner"
	"ancode/internal/tester"

	"github.com/stretchr/testify/require"
)

type fakeShell struct {
	mu       sync.Mutex
	commands []string
	exitCode int
	output   string
}

func (s *fakeShell) Run(ctx context.Context, command string) (runner.CommandResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()
	return runner.CommandResult{ExitCode: s.exitCode, Output: s.output}, nil
}

func (s *fakeShell) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newTestWorkbench(t *testing.T, shell runner.CommandRunner) *Workbench {
	t.Helper()
	if shell == nil {
		shell = &fakeShell{}
	}
	wb := New(Options{
		Shell:          shell,
		SettleDelay:    time.Millisecond,
		SampleInterval: time.Millisecond,
	})
	t.Cleanup(wb.Close)
	return wb
}

func TestFileStoreCommitsImmediately(t *testing.T) {
	s := NewFileStore()
	s.Set("src/app.ts", "export {}", false)

	f, ok := s.Get("src/app.ts")
	tester.True(t, ok, "file committed")
	tester.Eq(t, f.Content, "export {}")
	tester.Eq(t, f.Type, "file")

	dir, ok := s.Get("src")
	tester.True(t, ok, "parent folder created")
	tester.Eq(t, dir.Type, "folder")
	tester.Eq(t, s.Count(), 1)
}

func TestFileStoreCoalescesNotifications(t *testing.T) {
	s := NewFileStore()
	var mu sync.Mutex
	var events []FileEvent
	s.Subscribe(func(ev FileEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	s.Set("x.txt", "a", false)
	s.Set("x.txt", "ab", false)
	s.Set("x.txt", "abc", false)
	s.Flush()

	mu.Lock()
	defer mu.Unlock()
	tester.Eq(t, len(events), 1)
	tester.Eq(t, events[0].File.Content, "abc")
}

func TestFileStoreNotificationOrderIsSorted(t *testing.T) {
	s := NewFileStore()
	var mu sync.Mutex
	var paths []string
	s.Subscribe(func(ev FileEvent) {
		mu.Lock()
		paths = append(paths, ev.Path)
		mu.Unlock()
	})

	s.Set("b.txt", "b", false)
	s.Set("a.txt", "a", false)
	s.Flush()

	mu.Lock()
	defer mu.Unlock()
	tester.Eq(t, paths, []string{WorkDir + "/a.txt", WorkDir + "/b.txt"})
}

func TestFileStoreUnsubscribe(t *testing.T) {
	s := NewFileStore()
	calls := 0
	cancel := s.Subscribe(func(FileEvent) { calls++ })
	cancel()
	s.Set("x.txt", "a", false)
	s.Flush()
	tester.Eq(t, calls, 0)
}

func TestRootedAndRelative(t *testing.T) {
	tester.Eq(t, Rooted("src/app.ts"), "/home/project/src/app.ts")
	tester.Eq(t, Rooted("/home/project/src/app.ts"), "/home/project/src/app.ts")
	tester.Eq(t, Relative("/home/project/src/app.ts"), "src/app.ts")
}

func TestSamplerFirstCallImmediate(t *testing.T) {
	var got []int
	s := NewSampler(func(v int) { got = append(got, v) }, time.Hour)
	defer s.Stop()
	s.Call(1)
	tester.Eq(t, got, []int{1})
}

func TestSamplerKeepsTrailingCall(t *testing.T) {
	var mu sync.Mutex
	var got []int
	s := NewSampler(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}, 20*time.Millisecond)
	defer s.Stop()

	s.Call(1)
	s.Call(2)
	s.Call(3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	tester.Eq(t, got, []int{1, 3})
}

func TestParserBindingWritesFilesAndRunsCommands(t *testing.T) {
	shell := &fakeShell{}
	wb := newTestWorkbench(t, shell)
	p := parser.NewStreamingMessageParser(wb.ParserCallbacks())

	input := `Setting things up.
<artifact id="demo" title="Demo App">
<action type="file" filePath="index.js">console.log("hi");
</action>
<action type="shell">npm install</action>
</artifact>
Done.`
	for i := 0; i < len(input); i += 7 {
		end := i + 7
		if end > len(input) {
			end = len(input)
		}
		p.Parse("msg-1", input[:end])
	}
	wb.Wait()

	f, ok := wb.Files().Get("index.js")
	tester.True(t, ok, "file written through binding")
	tester.Eq(t, f.Content, "console.log(\"hi\");\n")
	tester.Eq(t, shell.ran(), []string{"npm install"})

	art, ok := wb.Artifact("msg-1")
	tester.True(t, ok, "artifact registered")
	tester.Eq(t, art.ID, "demo")
	tester.Eq(t, art.Title, "Demo App")
	tester.True(t, art.Closed, "artifact closed")
}

func TestStreamingRunWaitsForRegistration(t *testing.T) {
	wb := newTestWorkbench(t, nil)
	wb.AddArtifact(parser.ArtifactData{MessageID: "msg-1", ID: "a", Title: "A"})

	data := parser.ActionData{
		MessageID: "msg-1",
		ActionID:  "0",
		Action: parser.Action{
			Type:     parser.ActionFile,
			FilePath: "stream.txt",
			Content:  "partial",
		},
	}
	// Registration is queued; the sampled run right behind it must land
	// after it rather than racing it.
	wb.AddAction(data)
	wb.RunAction(data, true)
	wb.Wait()

	f, ok := wb.Files().Get("stream.txt")
	tester.True(t, ok, "streamed partial applied")
	tester.Eq(t, f.Content, "partial")
}

func TestEventFeedCarriesFileAndActionEvents(t *testing.T) {
	wb := newTestWorkbench(t, nil)
	events, cancel := wb.Subscribe()
	defer cancel()

	p := parser.NewStreamingMessageParser(wb.ParserCallbacks())
	p.Parse("msg-1", `<artifact id="a" title="A"><action type="file" filePath="x.txt">hi</action></artifact>`)
	wb.Wait()
	wb.Files().Flush()

	var kinds []EventKind
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			if ev.Kind == EventFile || ev.Kind == EventAction {
				kinds = append(kinds, ev.Kind)
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", kinds)
		}
	}
}

func TestReloadedMessagesSuppressAlerts(t *testing.T) {
	shell := &fakeShell{exitCode: 1, output: "boom"}
	wb := newTestWorkbench(t, shell)
	wb.SetReloadedMessages([]string{"old"})

	events, cancel := wb.Subscribe()
	defer cancel()

	p := parser.NewStreamingMessageParser(wb.ParserCallbacks())
	p.Parse("old", `<artifact id="a" title="A"><action type="shell">exit 1</action></artifact>`)
	wb.Wait()

	select {
	case ev := <-events:
		if ev.Kind == EventAlert {
			t.Fatalf("alert delivered for reloaded message: %+v", ev.Alert)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailureAlertReachesSubscribers(t *testing.T) {
	shell := &fakeShell{exitCode: 1, output: "command not found"}
	wb := newTestWorkbench(t, shell)
	events, cancel := wb.Subscribe()
	defer cancel()

	p := parser.NewStreamingMessageParser(wb.ParserCallbacks())
	p.Parse("msg-1", `<artifact id="a" title="A"><action type="shell">nope</action></artifact>`)
	wb.Wait()

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventAlert {
				tester.Eq(t, ev.Alert.Title, "Dev Server Failed")
				require.Contains(t, ev.Alert.Content, "command not found")
				return
			}
		case <-deadline:
			t.Fatal("no alert event")
		}
	}
}

func TestGeneratedFilesSkipsFoldersAndBinaries(t *testing.T) {
	wb := newTestWorkbench(t, nil)
	wb.Files().Set("src/a.txt", "a", false)
	wb.Files().Set("logo.png", "\x89PNG", true)

	files := wb.GeneratedFiles()
	tester.Eq(t, len(files), 1)
	tester.Eq(t, files[0].Path, "src/a.txt")
	tester.Eq(t, files[0].Content, "a")
}

func TestPreviewState(t *testing.T) {
	wb := newTestWorkbench(t, nil)
	_, ok := wb.Preview()
	tester.False(t, ok, "no preview yet")

	events, cancel := wb.Subscribe()
	defer cancel()
	wb.SetPreview(PreviewState{Port: 3000, Ready: true, BaseURL: "https://app.fly.dev"})

	p, ok := wb.Preview()
	tester.True(t, ok, "preview set")
	tester.Eq(t, p.Port, 3000)

	select {
	case ev := <-events:
		tester.Eq(t, ev.Kind, EventPreview)
		tester.Eq(t, ev.Preview.BaseURL, "https://app.fly.dev")
	case <-time.After(time.Second):
		t.Fatal("no preview event")
	}
}
