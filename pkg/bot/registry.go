// Package bot defines the command data model and the registry that binds
// declarative grammars to handler functions. Registration happens once at
// construction time; during dispatch the registry is read-only.
package bot

import (
	"fmt"
	"strings"

	"github.com/davisyoshida/asyncbots/pkg/grammar"
)

// Registration binds one grammar to one handler, contributed by one bot.
type Registration struct {
	// Bot identifies the bot that contributed this registration.
	Bot string
	// Name labels the registration in logs and help output.
	Name string
	// Grammar triggers the handler when it matches a message.
	Grammar *grammar.Grammar
	// Handler runs on a match.
	Handler Handler
	// Channels restricts the registration to the named channels. Empty
	// means all channels.
	Channels []string
	// HelpText is included in the aggregated help message when set.
	HelpText string
}

// AllowsChannel reports whether the registration may trigger in the given
// channel.
func (r Registration) AllowsChannel(channelID string) bool {
	if len(r.Channels) == 0 {
		return true
	}
	for _, c := range r.Channels {
		if c == channelID {
			return true
		}
	}
	return false
}

// Match pairs a registration with the captures its grammar extracted.
type Match struct {
	Registration Registration
	Captures     grammar.Captures
}

// DuplicateRegistrationError reports the same (bot, grammar) pair being
// registered twice. It is a bot-definition bug and fatal at startup.
type DuplicateRegistrationError struct {
	Bot     string
	Pattern string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("bot %q registered grammar %q twice", e.Bot, e.Pattern)
}

// Registry holds all registrations in insertion order. Insertion order is
// the dispatch tie-break order: when several grammars match one message, the
// first-registered one wins.
type Registry struct {
	registrations []Registration
	seen          map[string]struct{}
	sealed        bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Register appends one registration. It fails on a duplicate (bot, grammar)
// pair, on missing fields, and after the registry has been sealed by a
// running service.
func (r *Registry) Register(reg Registration) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed, cannot register %q after start", reg.Name)
	}
	if reg.Bot == "" {
		return fmt.Errorf("registration %q has no bot identity", reg.Name)
	}
	if reg.Grammar == nil {
		return fmt.Errorf("registration %q of bot %q has no grammar", reg.Name, reg.Bot)
	}
	if reg.Handler == nil {
		return fmt.Errorf("registration %q of bot %q has no handler", reg.Name, reg.Bot)
	}

	key := reg.Bot + "\x00" + reg.Grammar.String()
	if _, dup := r.seen[key]; dup {
		return &DuplicateRegistrationError{Bot: reg.Bot, Pattern: reg.Grammar.String()}
	}

	r.seen[key] = struct{}{}
	r.registrations = append(r.registrations, reg)
	return nil
}

// RegisterAll appends registrations in order, stopping at the first error.
func (r *Registry) RegisterAll(regs []Registration) error {
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the registry. The running service seals it at start so
// resolve needs no locking.
func (r *Registry) Seal() {
	r.sealed = true
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(r.registrations)
}

// Resolve runs every registration's grammar against text in registry order
// and collects all matches. Winner selection is the dispatcher's job, kept
// out of the registry so matching and selection test independently.
func (r *Registry) Resolve(text string) []Match {
	var matches []Match
	for _, reg := range r.registrations {
		caps, ok := reg.Grammar.Match(text)
		if !ok {
			continue
		}
		matches = append(matches, Match{Registration: reg, Captures: caps})
	}
	return matches
}

// Help joins the help texts of all registrations that provide one.
func (r *Registry) Help() string {
	var b strings.Builder
	for _, reg := range r.registrations {
		if reg.HelpText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(reg.Name)
		b.WriteString(":\n\t")
		b.WriteString(reg.HelpText)
	}
	return b.String()
}
