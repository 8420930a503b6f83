package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if name == "systemctl" && len(args) > 0 {
		switch args[0] {
		case "is-active":
			return []byte("active\n"), nil
		case "is-enabled":
			return []byte("enabled\n"), nil
		case "show":
			return []byte("running\n"), nil
		}
	}
	return nil, nil
}

const statusRequest = `<?xml version="1.0"?><request API_version="1.0" sequence="7">` +
	`<function_call name="status"><var name="servicename" type="string" value="sshd"/></function_call></request>`

func TestRun(t *testing.T) {
	tests := []struct {
		name     string
		argv     []string
		stdin    string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{"symlink name", []string{"/usr/libexec/froyo-agent/modules/service"}, statusRequest, 0, `function_name="status"`, ""},
		{"explicit module", []string{"froyo-module", "service"}, statusRequest, 0, `value="running"`, ""},
		{"no module", []string{"froyo-module"}, "", 1, "", "usage:"},
		{"unknown module", []string{"froyo-module", "cluster"}, "", 1, "", "package, reboot, service"},
		{"extra argument", []string{"service", "more"}, "", 1, "", "usage:"},
		{"no request silent", []string{"service"}, "", 1, "", ""},
		{"no request with -e", []string{"service", "-e"}, "", 1, "", "no request received"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.argv, strings.NewReader(tt.stdin), &stdout, &stderr, fakeRunner{})
			if code != tt.wantCode {
				t.Fatalf("exit = %d, want %d; stderr:\n%s", code, tt.wantCode, stderr.String())
			}
			if tt.wantOut != "" && !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantOut)
			}
			if tt.wantErr != "" && !strings.Contains(stderr.String(), tt.wantErr) {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantErr)
			}
			if tt.wantErr == "" && stderr.Len() != 0 {
				t.Errorf("unexpected stderr output: %q", stderr.String())
			}
		})
	}
}

func TestResponseIsWellFormed(t *testing.T) {
	var stdout bytes.Buffer
	if code := run(context.Background(), []string{"service"}, strings.NewReader(statusRequest), &stdout, &bytes.Buffer{}, fakeRunner{}); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	resp, err := xmldoc.Parse(stdout.Bytes())
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Tag != "response" || resp.Attr("sequence") != "7" {
		t.Errorf("response = %s", resp)
	}
}
