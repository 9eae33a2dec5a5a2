// Package state computes vault lifecycle status and action authorization.
//
// Everything here is pure: status is a function of the decoded record and a
// caller-supplied clock, and authorization is a function of status and role.
// Nothing blocks, caches or mutates, so these functions are safe to
// re-evaluate from any number of concurrent scan loops. Concurrency between
// actors (a check-in racing a release trigger) is resolved entirely by the
// ledger's transaction sequencing; callers simply re-evaluate whatever bytes
// are currently stored.
package state

import (
	"time"

	vaultwatch "github.com/keeperhq/vaultwatch"
	"github.com/keeperhq/vaultwatch/account"
)

// State is the lifecycle state of a vault.
type State int

const (
	// Active means the vault is not released and the deadline has not
	// passed.
	Active State = iota

	// Expired means the deadline has passed but release has not been
	// formally triggered on-chain yet.
	Expired

	// Released is terminal. The flag is monotonic on-chain: once set it is
	// never reset, so evaluation never computes a transition out of it.
	Released
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Urgency sub-classifies an Active vault by time remaining. Advisory only:
// it drives notification cadence and display, never authorization.
type Urgency int

const (
	// Healthy means more than three days remain.
	Healthy Urgency = iota

	// Warning means less than three days remain.
	Warning

	// Critical means less than one day remains.
	Critical
)

func (u Urgency) String() string {
	switch u {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Notification cadence bands, in ascending severity. A vault inside a band
// is notified once when it first enters it.
const (
	BandFinal   = 1 * 24 * time.Hour
	BandUrgent  = 3 * 24 * time.Hour
	BandWarning = 7 * 24 * time.Hour
)

// Role identifies an actor relative to a specific vault.
type Role int

const (
	// Anyone is an actor with no special relationship to the vault.
	Anyone Role = iota

	// Owner created the vault and holds settings authority until release.
	Owner

	// Recipient can claim after release.
	Recipient

	// Delegate may only check in, never change settings.
	Delegate
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "owner"
	case Recipient:
		return "recipient"
	case Delegate:
		return "delegate"
	case Anyone:
		return "anyone"
	default:
		return "unknown"
	}
}

// Action is an operation an actor can request against a vault.
type Action int

const (
	CheckIn Action = iota
	EditSettings
	LockAssets
	TriggerRelease
	Claim
	Close
)

func (a Action) String() string {
	switch a {
	case CheckIn:
		return "check_in"
	case EditSettings:
		return "edit_settings"
	case LockAssets:
		return "lock_assets"
	case TriggerRelease:
		return "trigger_release"
	case Claim:
		return "claim"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Snapshot is the computed status of a vault at a particular instant.
type Snapshot struct {
	State    State
	Urgency  Urgency
	Deadline time.Time
	// Remaining is the time until the deadline, floored at zero.
	Remaining time.Duration
	// PercentRemaining is Remaining relative to the full interval, clamped
	// to [0,100]. Drives health display.
	PercentRemaining float64
}

// Evaluate computes the status snapshot of a vault at the given time.
//
// The deadline boundary is strict: a vault whose deadline equals now is
// still Active. The 1/3-day urgency thresholds are likewise strict: exactly
// one day remaining is Warning, not Critical.
func Evaluate(v *account.Vault, now time.Time) Snapshot {
	return evaluate(v.TimeInterval, v.LastCheckIn, v.IsReleased, now)
}

// EvaluatePartial computes the status snapshot from a partial decode.
func EvaluatePartial(p *account.PartialStatus, now time.Time) Snapshot {
	return evaluate(p.TimeInterval, p.LastCheckIn, p.IsReleased, now)
}

func evaluate(interval, lastCheckIn int64, released bool, now time.Time) Snapshot {
	deadline := lastCheckIn + interval

	snap := Snapshot{
		Deadline: time.Unix(deadline, 0).UTC(),
	}

	remaining := deadline - now.Unix()
	if remaining > 0 {
		snap.Remaining = time.Duration(remaining) * time.Second
	}

	if interval > 0 {
		pct := float64(remaining) / float64(interval) * 100
		snap.PercentRemaining = min(max(pct, 0), 100)
	}

	switch {
	case released:
		snap.State = Released
	case remaining < 0:
		snap.State = Expired
	default:
		snap.State = Active
	}

	if snap.State == Active {
		switch {
		case snap.Remaining < BandFinal:
			snap.Urgency = Critical
		case snap.Remaining < BandUrgent:
			snap.Urgency = Warning
		default:
			snap.Urgency = Healthy
		}
	}

	return snap
}

// RoleOf determines the role of actor with respect to a vault.
// Owner wins over delegate and recipient if the same key fills both slots.
func RoleOf(v *account.Vault, actor vaultwatch.Address) Role {
	switch {
	case v.Owner == actor:
		return Owner
	case v.Delegate != nil && *v.Delegate == actor:
		return Delegate
	case v.Recipient == actor:
		return Recipient
	default:
		return Anyone
	}
}

// Permitted returns the set of actions the given role may perform in the
// snapshot's state.
func Permitted(snap Snapshot, role Role) []Action {
	var actions []Action
	for _, a := range []Action{CheckIn, EditSettings, LockAssets, TriggerRelease, Claim, Close} {
		if Authorize(snap, role, a) == nil {
			actions = append(actions, a)
		}
	}
	return actions
}

// Authorize checks whether role may perform action given the snapshot.
// It returns nil when permitted, or a *Denial naming the specific reason.
// Denial reasons are not security-sensitive oracles: the actor already
// knows who they are.
func Authorize(snap Snapshot, role Role, action Action) error {
	switch action {
	case CheckIn:
		if snap.State != Active {
			return stateDenial(snap.State, action)
		}
		if role != Owner && role != Delegate {
			return &Denial{Action: action, Reason: ReasonWrongRole}
		}
	case EditSettings, LockAssets:
		if snap.State != Active {
			return stateDenial(snap.State, action)
		}
		if role != Owner {
			return &Denial{Action: action, Reason: ReasonWrongRole}
		}
	case TriggerRelease:
		// Permissionless once expired; this is what makes bounty hunting
		// possible.
		switch snap.State {
		case Active:
			return &Denial{Action: action, Reason: ReasonNotExpired}
		case Released:
			return &Denial{Action: action, Reason: ReasonAlreadyReleased}
		}
	case Claim, Close:
		if snap.State != Released {
			return &Denial{Action: action, Reason: ReasonNotReleased}
		}
		if role != Recipient {
			return &Denial{Action: action, Reason: ReasonWrongRole}
		}
	default:
		return &Denial{Action: action, Reason: ReasonWrongRole}
	}
	return nil
}

// Reason describes why an action was denied.
type Reason string

const (
	ReasonNotExpired      Reason = "vault has not expired yet"
	ReasonExpired         Reason = "vault has expired"
	ReasonAlreadyReleased Reason = "vault has already been released"
	ReasonNotReleased     Reason = "vault has not been released yet"
	ReasonWrongRole       Reason = "actor is not authorized for this action"
)

// Denial is an authorization failure with its specific reason.
type Denial struct {
	Action Action
	Reason Reason
}

func (d *Denial) Error() string {
	return d.Action.String() + " denied: " + string(d.Reason)
}

func stateDenial(s State, action Action) error {
	if s == Released {
		return &Denial{Action: action, Reason: ReasonAlreadyReleased}
	}
	return &Denial{Action: action, Reason: ReasonExpired}
}
