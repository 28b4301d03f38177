package token

// Status is the validator's view of one token. Used and Expired are both
// terminal; nothing transitions back to Valid.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusAlreadyUsed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusAlreadyUsed:
		return "already_used"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// User-facing rejection reasons. These render directly in the verification
// and reset pages, so they stay human-readable.
const (
	ReasonInvalid     = "this link is invalid"
	ReasonAlreadyUsed = "this link was already used"
	ReasonExpired     = "this link has expired"
)

// Outcome is the result of validating or consuming a token. Rejections are
// expected user error (stale link, double click) and travel here, never as
// Go errors; store faults travel as errors so callers can tell "bad link"
// from "database down".
type Outcome struct {
	Status    Status
	AccountID string // set when Status == StatusValid
	Reason    string // set for rejections
}

func valid(accountID string) Outcome {
	return Outcome{Status: StatusValid, AccountID: accountID}
}

func invalid() Outcome {
	return Outcome{Status: StatusInvalid, Reason: ReasonInvalid}
}

func alreadyUsed() Outcome {
	return Outcome{Status: StatusAlreadyUsed, Reason: ReasonAlreadyUsed}
}

func expired() Outcome {
	return Outcome{Status: StatusExpired, Reason: ReasonExpired}
}
