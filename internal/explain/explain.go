// Package explain renders the natural-language rationale of a cluster.
package explain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxNamedAccounts caps how many member names are listed.
const maxNamedAccounts = 8

// Generator builds explanations.
type Generator struct {
	window time.Duration
}

// NewGenerator creates a generator. window is the temporal linking window.
func NewGenerator(window time.Duration) *Generator {
	return &Generator{window: window}
}

// Phrase returns the human phrase of a link type.
func (g *Generator) Phrase(t domain.LinkType) string {
	switch t {
	case domain.LinkFingerprint:
		return "shared browser fingerprints"
	case domain.LinkDeviceID:
		return "shared device IDs"
	case domain.LinkIP:
		return "shared IP addresses"
	case domain.LinkSubnet:
		return "shared IP subnets"
	case domain.LinkASN:
		return "shared network providers"
	case domain.LinkVPN:
		return "overlapping VPN sessions"
	case domain.LinkTime:
		return "transacted within a " + windowText(g.window) + " window"
	case domain.LinkBehavior:
		return "similar sub-threshold transaction amounts"
	}
	return string(t)
}

// windowText renders whole minutes as "5-minute" and anything else in seconds.
func windowText(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d-minute", int(d/time.Minute))
	}
	return fmt.Sprintf("%d-second", int(math.Round(d.Seconds())))
}

// Explain returns the explanation text of a scored cluster.
// names maps account ids to display names; missing names fall back to the id.
func (g *Generator) Explain(c *domain.Cluster, names map[string]string) string {
	var b strings.Builder

	b.WriteString("Accounts ")
	b.WriteString(g.accountList(c.AccountIDs, names))
	fmt.Fprintf(&b, " (%d accounts)", len(c.AccountIDs))

	var shared []string
	timed := false
	for _, t := range c.LinkTypesPresent() {
		if t == domain.LinkTime {
			timed = true
			continue
		}
		shared = append(shared, g.Phrase(t))
	}

	switch {
	case len(shared) > 0 && timed:
		fmt.Fprintf(&b, " are linked by %s and %s.", joinAnd(shared), g.Phrase(domain.LinkTime))
	case len(shared) > 0:
		fmt.Fprintf(&b, " are linked by %s.", joinAnd(shared))
	case timed:
		fmt.Fprintf(&b, " %s.", g.Phrase(domain.LinkTime))
	default:
		b.WriteString(" are linked.")
	}

	fmt.Fprintf(&b, " This pattern indicates %s risk of coordinated activity.", strings.ToUpper(string(c.RiskLevel)))

	var signals []string
	for _, s := range c.Metrics.Signals() {
		if s.Value > 0 {
			signals = append(signals, fmt.Sprintf("%s:%.2f", s.Name, s.Value))
		}
	}
	if len(signals) > 0 {
		b.WriteString(" Signals: ")
		b.WriteString(strings.Join(signals, ", "))
		b.WriteString(".")
	}

	if len(c.Prediction.Flags) > 0 {
		b.WriteString(" Model flags: ")
		b.WriteString(strings.Join(c.Prediction.Flags, "; "))
		b.WriteString(".")
	}

	return b.String()
}

func (g *Generator) accountList(ids []string, names map[string]string) string {
	labels := make([]string, 0, maxNamedAccounts)
	for i, id := range ids {
		if i == maxNamedAccounts {
			labels = append(labels, fmt.Sprintf("and %d more", len(ids)-maxNamedAccounts))
			break
		}
		if name := names[id]; name != "" {
			labels = append(labels, name)
		} else {
			labels = append(labels, id)
		}
	}
	return strings.Join(labels, ", ")
}

func joinAnd(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}
