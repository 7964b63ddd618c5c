package authflow

// State is a step of the OAuth login state machine
type State int

const (
	StateStart State = iota
	StateSiteVisited
	StateProviderButtonLocated
	StatePopupOrRedirectDetected
	StateProviderLoginSubmitted
	StateTwoFactorRequired
	StateSecurityCheckup
	StateAuthorizationPending
	StateAlreadyAuthenticated
	StateAuthorizationConfirmed
	StateRedirectedToTarget
	StateDone
	StateError
)

var stateNames = map[State]string{
	StateStart:                   "start",
	StateSiteVisited:             "site_visited",
	StateProviderButtonLocated:   "provider_button_located",
	StatePopupOrRedirectDetected: "popup_or_redirect_detected",
	StateProviderLoginSubmitted:  "provider_login_submitted",
	StateTwoFactorRequired:       "two_factor_required",
	StateSecurityCheckup:         "security_checkup",
	StateAuthorizationPending:    "authorization_pending",
	StateAlreadyAuthenticated:    "already_authenticated",
	StateAuthorizationConfirmed:  "authorization_confirmed",
	StateRedirectedToTarget:      "redirected_to_target",
	StateDone:                    "done",
	StateError:                   "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the machine stops in s
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}
