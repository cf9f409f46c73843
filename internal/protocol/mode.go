package protocol

import "strings"

// Mode segregates account data. Derived from the trade account identifier;
// the server never transmits it. The empty mode marks untagged messages,
// which every consumer accepts.
type Mode string

const (
	ModeUntagged Mode = ""
	ModeSim      Mode = "SIM"
	ModeLive     Mode = "LIVE"
	ModeDebug    Mode = "DEBUG"
)

// Classifier maps a trade account identifier to a Mode. Replaceable so a
// deployment with different account naming can supply its own.
type Classifier func(account string) Mode

// ClassifyAccount is the default classifier: accounts containing "sim"
// (case-insensitive) are simulated, purely numeric accounts are live,
// anything else is a debug/test account.
func ClassifyAccount(account string) Mode {
	account = strings.TrimSpace(account)
	if account == "" {
		return ModeUntagged
	}
	if strings.Contains(strings.ToLower(account), "sim") {
		return ModeSim
	}
	if allDigits(account) {
		return ModeLive
	}
	return ModeDebug
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
