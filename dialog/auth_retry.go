package dialog

// nextAuthAttempt increments the retry counter and reports whether another
// challenge response may still be attempted against Application.AuthRetryLimit
// (default 3, see Dialog.Init). Without this budget a dialog facing a server
// that always replies 401 would resend forever.
func (d *Dialog) nextAuthAttempt() bool {
	limit := d.authLimit
	if limit == 0 {
		limit = 3
	}
	return d.authAttempts.Add(1) <= limit
}

// resetAuthAttempts clears the retry counter, called once a request
// succeeds past authentication.
func (d *Dialog) resetAuthAttempts() {
	d.authAttempts.Store(0)
}
