package hostinfo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIdentity(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name      string
		conf      string
		wantName  string
		wantAlias string
	}{
		{"name and alias", `<cluster name="alpha" alias="Alpha Cluster" config_version="3"/>`, "alpha", "Alpha Cluster"},
		{"alias defaults to name", `<cluster name="alpha" config_version="3"/>`, "alpha", "alpha"},
		{"blank alias", `<cluster name="alpha" alias="  "/>`, "alpha", "alpha"},
		{"not a cluster", `<config name="alpha"/>`, "", ""},
		{"garbage", `<cluster`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Provider{
				ClusterConf: writeFile(t, dir, "cluster.conf", tt.conf, 0o644),
				Hostname:    func() (string, error) { return "node1", nil },
			}
			id := p.Identity()
			if id.Hostname != "node1" || id.ClusterName != tt.wantName || id.ClusterAlias != tt.wantAlias {
				t.Errorf("Identity = %+v", id)
			}
		})
	}
}

func TestIdentityMissingSources(t *testing.T) {
	p := &Provider{
		ClusterConf: filepath.Join(t.TempDir(), "none"),
		Hostname:    func() (string, error) { return "", errors.New("no hostname") },
	}
	if id := p.Identity(); id != (Identity{}) {
		t.Errorf("Identity = %+v", id)
	}
}

func TestPlatform(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing")
	redhat := writeFile(t, dir, "redhat-release", "Red Hat Enterprise Linux Server release 5.3 (Tikanga)\n", 0o644)
	osrel := writeFile(t, dir, "os-release", "NAME=Fedora\nPRETTY_NAME=\"Fedora Linux 40\"\nID=fedora\n", 0o644)
	virshOK := writeFile(t, dir, "virsh-ok", "#!/bin/sh\nexit 0\n", 0o755)
	virshFail := writeFile(t, dir, "virsh-fail", "#!/bin/sh\nexit 1\n", 0o755)

	tests := []struct {
		name string
		p    *Provider
		want Platform
	}{
		{"redhat release and hypervisor", &Provider{RedHatRelease: redhat, Virsh: virshOK},
			Platform{OS: "Red Hat Enterprise Linux Server release 5.3 (Tikanga)", XenHost: true}},
		{"os-release fallback", &Provider{RedHatRelease: missing, OSRelease: osrel, Virsh: virshFail},
			Platform{OS: "Fedora Linux 40"}},
		{"nothing", &Provider{RedHatRelease: missing, OSRelease: missing, Virsh: missing},
			Platform{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Platform(context.Background()); got != tt.want {
				t.Errorf("Platform = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPrettyName(t *testing.T) {
	tests := map[string]string{
		"PRETTY_NAME=\"Debian GNU/Linux 12\"\n": "Debian GNU/Linux 12",
		"PRETTY_NAME='Alpine'\n":                "Alpine",
		"PRETTY_NAME=plain\n":                   "plain",
		"NAME=x\n":                              "",
	}
	for in, want := range tests {
		if got := prettyName([]byte(in)); got != want {
			t.Errorf("prettyName(%q) = %q, want %q", in, got, want)
		}
	}
}
