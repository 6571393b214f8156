package ledger

import "fmt"

// TerminalPolicy decides whether DELIVERED can still be overtaken by a late
// bounce or complaint.
type TerminalPolicy int

const (
	// LatestTerminalWins treats DELIVERED as non-terminal: a later bounce or
	// complaint moves the send to BOUNCED or COMPLAINED.
	LatestTerminalWins TerminalPolicy = iota
	// DeliveredIsFinal keeps DELIVERED. The late event is still recorded in
	// the audit log and still suppresses the contact.
	DeliveredIsFinal
)

func (p TerminalPolicy) String() string {
	switch p {
	case DeliveredIsFinal:
		return "delivered_is_final"
	default:
		return "latest_terminal_wins"
	}
}

// ParseTerminalPolicy maps the configuration value onto a policy.
func ParseTerminalPolicy(s string) (TerminalPolicy, error) {
	switch s {
	case "", "latest_terminal_wins":
		return LatestTerminalWins, nil
	case "delivered_is_final":
		return DeliveredIsFinal, nil
	}
	return 0, fmt.Errorf("unknown terminal policy %q", s)
}
