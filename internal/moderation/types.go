package moderation

// FilterResult is the outcome of a blacklist check.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" when Blocked
	Term    string // the blacklist entry that matched
}

// Scores maps a spam check name to its score in [0, 1].
type Scores map[string]float64
