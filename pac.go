package sift

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// PACGenerator produces proxy auto-configuration scripts that steer
// browsers through the proxy while keeping local traffic direct. The
// zero value is not usable; NewPACGenerator fills in bypass defaults
// for loopback and private networks.
type PACGenerator struct {
	// ProxyAddr is the host:port browsers should send traffic to.
	ProxyAddr string

	// FallbackDirect appends a DIRECT route after the proxy, so
	// clients keep working when the proxy is stopped.
	FallbackDirect bool

	// BypassDomains are domain suffixes that always connect directly,
	// matched with dnsDomainIs.
	BypassDomains []string

	// BypassNetworks are CIDR blocks that always connect directly,
	// matched with isInNet.
	BypassNetworks []string
}

// NewPACGenerator creates a PACGenerator for the given proxy address
// with the conventional local bypass set.
func NewPACGenerator(addr string) *PACGenerator {
	return &PACGenerator{
		ProxyAddr:      addr,
		FallbackDirect: true,
		BypassDomains:  []string{"localhost", ".local"},
		BypassNetworks: []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	}
}

// AddBypassDomain appends a domain suffix to the bypass list.
func (g *PACGenerator) AddBypassDomain(domain string) {
	g.BypassDomains = append(g.BypassDomains, domain)
}

// AddBypassNetwork appends a CIDR block to the bypass list.
func (g *PACGenerator) AddBypassNetwork(cidr string) {
	g.BypassNetworks = append(g.BypassNetworks, cidr)
}

// GenerateString renders the PAC script.
func (g *PACGenerator) GenerateString() (string, error) {
	var b strings.Builder

	b.WriteString("// Generated proxy auto-configuration.\n")
	b.WriteString("function FindProxyForURL(url, host) {\n")
	b.WriteString("    if (isPlainHostName(host))\n")
	b.WriteString("        return \"DIRECT\";\n")

	for _, domain := range g.BypassDomains {
		fmt.Fprintf(&b, "    if (dnsDomainIs(host, %q))\n        return \"DIRECT\";\n", domain)
	}

	for _, network := range g.BypassNetworks {
		ip, mask, err := splitNetwork(network)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "    if (isInNet(host, %q, %q))\n        return \"DIRECT\";\n", ip, mask)
	}

	route := "PROXY " + g.ProxyAddr
	if g.FallbackDirect {
		route += "; DIRECT"
	}
	fmt.Fprintf(&b, "    return %q;\n}\n", route)

	return b.String(), nil
}

// WriteFile renders the PAC script to a file, for clients configured
// with a file: auto-config URL.
func (g *PACGenerator) WriteFile(path string) error {
	pac, err := g.GenerateString()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(pac), 0o644); err != nil {
		return fmt.Errorf("write PAC file: %w", err)
	}
	return nil
}

// ServeHTTP serves the PAC script for clients configured with an
// http: auto-config URL. The short cache lifetime keeps address
// changes from sticking in browsers.
func (g *PACGenerator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	pac, err := g.GenerateString()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write([]byte(pac))
}

// splitNetwork splits a CIDR block into the address and dotted-quad
// mask forms isInNet expects.
func splitNetwork(cidr string) (string, string, error) {
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid bypass network %q", cidr)
	}

	ip := net.ParseIP(parts[0])
	mask := cidrToMask(parts[1])
	if ip == nil || ip.To4() == nil || mask == "" {
		return "", "", fmt.Errorf("invalid bypass network %q", cidr)
	}

	return parts[0], mask, nil
}

// cidrToMask converts a prefix length ("8") to a dotted-quad netmask
// ("255.0.0.0"). Invalid prefixes return "".
func cidrToMask(prefix string) string {
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 || n > 32 {
		return ""
	}
	return net.IP(net.CIDRMask(n, 32)).String()
}
