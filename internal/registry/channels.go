package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// UserData is the placeholder channel for an account's user data stream.
// It has to be resolved to a listen key before it reaches the registry.
const UserData = "!userData"

// channelPattern accepts "<symbol>@<kind>[@<param>...]", market wide
// "!<kind>@arr" names and bare listen keys.
var channelPattern = regexp.MustCompile(`^!?[A-Za-z0-9_.\-]+(@[A-Za-z0-9_.\-]+)*$`)

const maxChannelLen = 128

// ValidationError reports caller input that will never succeed as given.
type ValidationError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Channel != "" {
		msg = fmt.Sprintf("channel %q: %s", e.Channel, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "invalid stream: " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Normalize validates channel names, lowercases their symbol part and drops
// duplicates while keeping the first occurrence's position.
func Normalize(channels []string) ([]string, error) {
	if len(channels) == 0 {
		return nil, &ValidationError{Reason: "no channels"}
	}

	out := make([]string, 0, len(channels))
	seen := make(map[string]struct{}, len(channels))
	for _, raw := range channels {
		ch, err := normalizeOne(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out, nil
}

func normalizeOne(ch string) (string, error) {
	switch {
	case ch == "":
		return "", &ValidationError{Reason: "empty channel name"}
	case len(ch) > maxChannelLen:
		return "", &ValidationError{Channel: ch, Reason: fmt.Sprintf("longer than %d characters", maxChannelLen)}
	case ch == UserData:
		return "", &ValidationError{Channel: ch, Reason: "user data channel needs a listen key"}
	case !channelPattern.MatchString(ch):
		return "", &ValidationError{Channel: ch, Reason: "malformed channel name"}
	}

	// Symbols are case-insensitive on the exchange; kinds ("1M" klines,
	// "!miniTicker") and listen keys are not.
	if strings.HasPrefix(ch, "!") {
		return ch, nil
	}
	symbol, rest, ok := strings.Cut(ch, "@")
	if !ok {
		return ch, nil
	}
	return strings.ToLower(symbol) + "@" + rest, nil
}

// Channels builds channel names for every kind and market combination:
// "trade" x "BTCUSDT" gives "btcusdt@trade", "!miniTicker" x "arr" gives
// "!miniTicker@arr". Market wide kinds ignore other markets. The result is
// deduplicated, kinds outermost.
func Channels(kinds, markets []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(ch string) {
		if _, dup := seen[ch]; !dup {
			seen[ch] = struct{}{}
			out = append(out, ch)
		}
	}

	for _, kind := range kinds {
		if strings.HasPrefix(kind, "!") {
			suffixed := false
			for _, m := range markets {
				if m == "arr" {
					add(kind + "@arr")
					suffixed = true
				}
			}
			if !suffixed {
				add(kind)
			}
			continue
		}
		for _, m := range markets {
			if m == "arr" {
				continue
			}
			add(strings.ToLower(m) + "@" + kind)
		}
	}
	return out
}
