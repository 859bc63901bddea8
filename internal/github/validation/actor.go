// Package validation filters webhook actors the gate must never act on.
package validation

import (
	"strings"

	"github.com/google/go-github/v66/github"
)

// IsBot reports whether user is a bot account: either its Type is "Bot"
// or its login carries the [bot] suffix.
func IsBot(user *github.User) bool {
	if user == nil {
		return false
	}
	if user.GetType() == "Bot" {
		return true
	}
	return IsBotLogin(user.GetLogin())
}

// IsBotLogin checks the login alone.
func IsBotLogin(login string) bool {
	return strings.HasSuffix(strings.ToLower(login), "[bot]")
}

// ShouldIgnoreActor reports whether an event sent by user must be dropped.
// The app's own login and every bot are ignored so report comments can
// never trigger another admission.
func ShouldIgnoreActor(user *github.User, appBotLogin string) bool {
	if user == nil || user.GetLogin() == "" {
		return true
	}
	if appBotLogin != "" && strings.EqualFold(user.GetLogin(), appBotLogin) {
		return true
	}
	return IsBot(user)
}
