package engine

import "fmt"

// Mode controls how much sync bookkeeping Apply performs.
type Mode string

const (
	// ModeEnabled runs the full pipeline: log, fields, trie and clock.
	ModeEnabled Mode = "enabled"

	// ModeDisabled resolves and logs messages but leaves the trie and the
	// persisted clock untouched.
	ModeDisabled Mode = "disabled"

	// ModeOffline behaves like ModeDisabled; it only differs in how the
	// replica presents itself.
	ModeOffline Mode = "offline"

	// ModeImport writes field values only. Used for bulk loads.
	ModeImport Mode = "import"
)

// ParseMode converts text into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeEnabled, ModeDisabled, ModeOffline, ModeImport:
		return m, nil
	case "":
		return ModeEnabled, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// tracksTrie reports whether the mode maintains the trie and clock row.
func (m Mode) tracksTrie() bool {
	return m == ModeEnabled
}

// logsMessages reports whether the mode appends to the mutation log.
func (m Mode) logsMessages() bool {
	return m != ModeImport
}
