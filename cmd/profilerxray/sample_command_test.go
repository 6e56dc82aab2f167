package main

import (
	"bytes"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/profilerxray/internal/profiling"
	"github.com/ongoingai/profilerxray/internal/xray"
)

func disableSamplePause(t *testing.T) {
	t.Helper()
	original := samplePause
	t.Cleanup(func() { samplePause = original })
	samplePause = func(time.Duration) {}
}

func missingConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.yaml")
}

func TestRunSampleTreeShape(t *testing.T) {
	t.Parallel()

	p := profiling.New(sampleProfilerName, nil)
	runSampleTree(p, nil)
	p.Stop()

	if len(p.Root.Children) != 2 {
		t.Fatalf("root children=%d, want 2", len(p.Root.Children))
	}
	level1, level2 := p.Root.Children[0], p.Root.Children[1]
	if level1.Name != "Level 1" || level2.Name != "Level 2" {
		t.Fatalf("levels=%q,%q", level1.Name, level2.Name)
	}
	if len(level1.Children) != 2 || level1.Children[1].Name != "Level 1.2" {
		t.Fatalf("level 1 children=%v", level1.Children)
	}
	if len(level2.Children) != 2 || level2.Children[0].Name != "Level 2.1" || level2.Children[1].Name != "Level 2.2" {
		t.Fatalf("level 2 children=%v", level2.Children)
	}

	carriers := level1.Children[1].CustomTimings[profiling.CategoryAnnotations]
	if len(carriers) != 1 {
		t.Fatalf("annotation carriers=%d, want 1", len(carriers))
	}
	annotations := carriers[0].Annotations
	if len(annotations) != 1 || annotations[0].Key != "data" || annotations[0].Value != 10 {
		t.Fatalf("annotations=%v, want data=10", annotations)
	}
}

func TestRunSampleDryRunPrintsTreeAndDocument(t *testing.T) {
	disableSamplePause(t)

	var out, errOut bytes.Buffer
	code := runSample([]string{"--config", missingConfigPath(t), "--dry-run", "--service", "ConsoleApp"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("runSample() code=%d, stderr=%q", code, errOut.String())
	}

	output := out.String()
	for _, want := range []string{
		sampleProfilerName,
		"Level 1.1",
		"Level 2.2",
		`"name": "ConsoleApp"`,
		`"data": 10`,
		"done",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q:\n%s", want, output)
		}
	}
}

func TestRunSampleSendsDatagramToDaemon(t *testing.T) {
	disableSamplePause(t)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()

	var out, errOut bytes.Buffer
	code := runSample([]string{
		"--config", missingConfigPath(t),
		"--daemon", "tcp:127.0.0.1:2000 udp:" + conn.LocalAddr().String(),
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("runSample() code=%d, stderr=%q", code, errOut.String())
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buf := make([]byte, 65535)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	seg, err := xray.DecodeDatagram(buf[:n])
	if err != nil {
		t.Fatalf("DecodeDatagram() error: %v", err)
	}
	if len(seg.Subsegments) != 1 || seg.Subsegments[0].Name != sampleProfilerName {
		t.Fatalf("top subsegment=%v, want %s", seg.Subsegments, sampleProfilerName)
	}
	if got := len(seg.Subsegments[0].Subsegments); got != 2 {
		t.Fatalf("level subsegments=%d, want 2", got)
	}
	if seg.InProgress {
		t.Fatal("stopped sample should not be in progress")
	}
}

func TestRunSampleRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "positional", args: []string{"extra"}, want: 2},
		{name: "bad daemon", args: []string{"--daemon", "udp-only"}, want: 2},
		{name: "unknown flag", args: []string{"--nope"}, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			args := append([]string{"--config", missingConfigPath(t)}, tc.args...)
			if code := runSample(args, &out, &errOut); code != tc.want {
				t.Fatalf("runSample(%v) code=%d, want %d (stderr=%q)", tc.args, code, tc.want, errOut.String())
			}
		})
	}
}
