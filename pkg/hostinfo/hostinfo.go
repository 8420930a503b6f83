// Package hostinfo gathers the host metadata reported in protocol headers.
package hostinfo

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// Default source locations.
const (
	DefaultClusterConf   = "/etc/cluster/cluster.conf"
	DefaultRedHatRelease = "/etc/redhat-release"
	DefaultOSRelease     = "/etc/os-release"
	DefaultVirsh         = "/usr/bin/virsh"
)

const virshTimeout = 5 * time.Second

// Identity names the host and the cluster it belongs to.
type Identity struct {
	Hostname     string
	ClusterName  string
	ClusterAlias string
}

// Platform describes the operating system and virtualization role.
type Platform struct {
	OS      string
	XenHost bool
}

// Provider reads host metadata. Empty fields select the defaults.
type Provider struct {
	ClusterConf   string
	RedHatRelease string
	OSRelease     string
	Virsh         string
	Hostname      func() (string, error)
}

// New returns a provider using the standard locations.
func New() *Provider {
	return &Provider{}
}

// Identity returns the host identity. Missing sources yield empty fields.
func (p *Provider) Identity() Identity {
	hostname := p.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}
	var id Identity
	if name, err := hostname(); err == nil {
		id.Hostname = name
	}
	id.ClusterName, id.ClusterAlias = p.cluster()
	return id
}

// Platform returns the OS release and whether the host runs a hypervisor.
func (p *Provider) Platform(ctx context.Context) Platform {
	return Platform{OS: p.osRelease(), XenHost: p.dom0(ctx)}
}

func (p *Provider) cluster() (name, alias string) {
	data, err := os.ReadFile(or(p.ClusterConf, DefaultClusterConf))
	if err != nil {
		return "", ""
	}
	doc, err := xmldoc.Parse(data)
	if err != nil || doc.Tag != "cluster" {
		return "", ""
	}
	name = doc.Attr("name")
	alias = strings.TrimSpace(doc.Attr("alias"))
	if alias == "" {
		alias = name
	}
	return name, alias
}

func (p *Provider) osRelease() string {
	if data, err := os.ReadFile(or(p.RedHatRelease, DefaultRedHatRelease)); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	data, err := os.ReadFile(or(p.OSRelease, DefaultOSRelease))
	if err != nil {
		return ""
	}
	return prettyName(data)
}

// prettyName extracts PRETTY_NAME from an os-release file.
func prettyName(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || key != "PRETTY_NAME" {
			continue
		}
		if unq, err := strconv.Unquote(value); err == nil {
			return unq
		}
		return strings.Trim(value, `"'`)
	}
	return ""
}

// dom0 reports whether virsh can talk to a local hypervisor.
func (p *Provider) dom0(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, virshTimeout)
	defer cancel()
	return exec.CommandContext(ctx, or(p.Virsh, DefaultVirsh), "nodeinfo").Run() == nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
