package relay

import (
	"crypto/rand"
	"log/slog"
	"math/big"
	"strings"
)

var adjectives = []string{
	"amber", "brave", "calm", "dusty", "eager", "fuzzy", "gentle", "hollow", "icy", "jolly",
	"lucky", "mellow", "nimble", "quiet", "rusty", "silent", "tidy", "vivid", "witty", "zesty",
}

var orbits = []string{
	"apollo", "comet", "cosmos", "eclipse", "galaxy", "gemini", "halo", "lunar", "meteor", "nebula",
	"nova", "orbit", "pulsar", "quasar", "rocket", "saturn", "sputnik", "stardust", "venus", "zenith",
}

var creatures = []string{
	"badger", "beaver", "falcon", "ferret", "gecko", "heron", "koala", "lynx", "marmot", "narwhal",
	"otter", "panda", "pelican", "puffin", "raccoon", "robin", "seal", "tapir", "walrus", "yak",
}

// NewRoomName returns a random, memorable room name such as
// "amber-nebula-otter".
func NewRoomName() string {
	lists := [][]string{adjectives, orbits, creatures}

	words := make([]string, 0, len(lists))
	for _, list := range lists {
		words = append(words, list[randomIndex(len(list))])
	}
	return strings.Join(words, "-")
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		slog.Error("failed to generate random index", "error", err)
		return 0
	}
	return int(n.Int64())
}

// ValidRoomName accepts lowercase slugs of letters, digits, '-' and '_'.
func ValidRoomName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
