package ipnet

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// When the stack runs over raw sockets with the TCP protocol number, the
// host kernel sees segments for ports it does not own and answers them
// with resets. An RSTFilter installs firewall rules that drop those.
type RSTFilter interface {
	// Add drops outgoing resets for an endpoint. Server rules match the
	// source (our listening port), client rules the destination (the
	// remote service). Adding an existing rule is not an error.
	Add(ep netip.AddrPort, server bool) error
	Remove(ep netip.AddrPort, server bool) error
}

const ruleComment = "streamtcp"

type runner func(name string, args ...string) ([]byte, error)

func execRun(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func lookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// NewRSTFilter picks nftables, then iptables, and falls back to a filter
// that does nothing when neither tool is installed.
func NewRSTFilter(logger logrus.FieldLogger) RSTFilter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	switch {
	case lookPath("nft"):
		logger.Info("using nftables to drop kernel resets")
		return &nftablesFilter{run: execRun, log: logger}
	case lookPath("iptables"):
		logger.Info("using iptables to drop kernel resets")
		return &iptablesFilter{run: execRun, log: logger}
	default:
		logger.Warn("neither nftables nor iptables found; kernel resets are not filtered")
		return NoRSTFilter{}
	}
}

// NoRSTFilter leaves the firewall alone.
type NoRSTFilter struct{}

func (NoRSTFilter) Add(netip.AddrPort, bool) error    { return nil }
func (NoRSTFilter) Remove(netip.AddrPort, bool) error { return nil }

type iptablesFilter struct {
	run runner
	log logrus.FieldLogger
}

func iptablesRule(op string, ep netip.AddrPort, server bool) []string {
	dir, port := "-d", "--dport"
	if server {
		dir, port = "-s", "--sport"
	}
	return []string{op, "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		dir, ep.Addr().String(), port, strconv.Itoa(int(ep.Port())),
		"-m", "comment", "--comment", ruleComment, "-j", "DROP"}
}

func (f *iptablesFilter) Add(ep netip.AddrPort, server bool) error {
	if _, err := f.run("iptables", iptablesRule("-C", ep, server)...); err == nil {
		return nil
	}
	if out, err := f.run("iptables", iptablesRule("-A", ep, server)...); err != nil {
		return errors.Wrapf(err, "iptables add rule for %s: %s", ep, strings.TrimSpace(string(out)))
	}
	f.log.WithField("endpoint", ep.String()).Debug("iptables rule added")
	return nil
}

func (f *iptablesFilter) Remove(ep netip.AddrPort, server bool) error {
	if out, err := f.run("iptables", iptablesRule("-D", ep, server)...); err != nil {
		// the rule may already be gone
		f.log.WithField("endpoint", ep.String()).Debugf("iptables remove: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

type nftablesFilter struct {
	run runner
	log logrus.FieldLogger
}

func nftMatch(ep netip.AddrPort, server bool) string {
	if server {
		return fmt.Sprintf("ip saddr %s tcp sport %d", ep.Addr(), ep.Port())
	}
	return fmt.Sprintf("ip daddr %s tcp dport %d", ep.Addr(), ep.Port())
}

func (f *nftablesFilter) ensureChain() error {
	if _, err := f.run("nft", "list", "table", "inet", "filter"); err != nil {
		if out, err := f.run("nft", "add", "table", "inet", "filter"); err != nil {
			return errors.Wrapf(err, "nft add table: %s", strings.TrimSpace(string(out)))
		}
	}
	if _, err := f.run("nft", "list", "chain", "inet", "filter", "output"); err != nil {
		out, err := f.run("nft", "add", "chain", "inet", "filter", "output",
			"{", "type", "filter", "hook", "output", "priority", "100", ";", "}")
		if err != nil {
			return errors.Wrapf(err, "nft add chain: %s", strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// handle returns the nftables handle of our rule for ep, or "".
func (f *nftablesFilter) handle(ep netip.AddrPort, server bool) (string, error) {
	out, err := f.run("nft", "-a", "list", "chain", "inet", "filter", "output")
	if err != nil {
		return "", errors.Wrap(err, "nft list chain")
	}
	match := nftMatch(ep, server)
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, match) || !strings.Contains(line, ruleComment) {
			continue
		}
		if i := strings.LastIndex(line, "# handle "); i >= 0 {
			return strings.TrimSpace(line[i+len("# handle "):]), nil
		}
	}
	return "", nil
}

func (f *nftablesFilter) Add(ep netip.AddrPort, server bool) error {
	if err := f.ensureChain(); err != nil {
		return err
	}
	if h, err := f.handle(ep, server); err == nil && h != "" {
		return nil
	}
	rule := nftMatch(ep, server) + " tcp flags rst drop comment \"" + ruleComment + "\""
	if out, err := f.run("nft", "add", "rule", "inet", "filter", "output", rule); err != nil {
		return errors.Wrapf(err, "nft add rule for %s: %s", ep, strings.TrimSpace(string(out)))
	}
	f.log.WithField("endpoint", ep.String()).Debug("nftables rule added")
	return nil
}

func (f *nftablesFilter) Remove(ep netip.AddrPort, server bool) error {
	h, err := f.handle(ep, server)
	if err != nil || h == "" {
		return err
	}
	if out, err := f.run("nft", "delete", "rule", "inet", "filter", "output", "handle", h); err != nil {
		return errors.Wrapf(err, "nft delete rule %s: %s", h, strings.TrimSpace(string(out)))
	}
	return nil
}
